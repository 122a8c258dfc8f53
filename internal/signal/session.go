package signal

import "time"

// Session represents a trading session derived from UTC wall-clock time.
// Sessions exist to keep the generator out of low-liquidity windows.
type Session string

const (
	SessionAsian    Session = "asian"
	SessionEuropean Session = "european"
	SessionUS       Session = "us"
)

// SessionWindow is a [Start, End) window in UTC hours. End may be 24.
type SessionWindow struct {
	Session   Session `json:"session"`
	StartHour int     `json:"start_hour"`
	EndHour   int     `json:"end_hour"`
}

// DefaultSessionWindows returns the standard UTC session boundaries.
func DefaultSessionWindows() []SessionWindow {
	return []SessionWindow{
		{Session: SessionAsian, StartHour: 0, EndHour: 8},
		{Session: SessionEuropean, StartHour: 8, EndHour: 16},
		{Session: SessionUS, StartHour: 16, EndHour: 24},
	}
}

// SessionFilter resolves the active session for a point in time and decides
// whether signals are allowed in it.
type SessionFilter struct {
	windows []SessionWindow
	allowed map[Session]bool
}

// NewSessionFilter builds a filter from configured windows and the allowed
// session set. An empty allowed set permits every session.
func NewSessionFilter(windows []SessionWindow, allowed []Session) *SessionFilter {
	if len(windows) == 0 {
		windows = DefaultSessionWindows()
	}
	f := &SessionFilter{windows: windows}
	if len(allowed) > 0 {
		f.allowed = make(map[Session]bool, len(allowed))
		for _, s := range allowed {
			f.allowed[s] = true
		}
	}
	return f
}

// Current returns the session containing t (UTC). Falls back to the first
// configured window when no window matches.
func (f *SessionFilter) Current(t time.Time) Session {
	hour := t.UTC().Hour()
	for _, w := range f.windows {
		if hour >= w.StartHour && hour < w.EndHour {
			return w.Session
		}
	}
	return f.windows[0].Session
}

// Allowed reports whether trading is permitted in the session active at t.
func (f *SessionFilter) Allowed(t time.Time) (Session, bool) {
	s := f.Current(t)
	if f.allowed == nil {
		return s, true
	}
	return s, f.allowed[s]
}
