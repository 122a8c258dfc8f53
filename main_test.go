package main

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"dex-trading-engine/internal/risk"
)

// fakeProfileStore backs resolveProfile with an in-memory profile table.
type fakeProfileStore struct {
	stored  map[string]risk.Profile
	loadErr error
	saved   []risk.Profile
}

func (s *fakeProfileStore) LoadProfile(_ context.Context, accountID string) (risk.Profile, bool, error) {
	if s.loadErr != nil {
		return risk.Profile{}, false, s.loadErr
	}
	p, ok := s.stored[accountID]
	if !ok {
		return risk.DefaultProfile(accountID), false, nil
	}
	return p, true, nil
}

func (s *fakeProfileStore) SaveProfile(_ context.Context, p risk.Profile) error {
	s.saved = append(s.saved, p)
	return nil
}

func TestResolveProfilePrefersStored(t *testing.T) {
	configured := risk.DefaultProfile("acct")
	stored := risk.DefaultProfile("acct")
	stored.MaxDailyLossPct = 1.5

	repo := &fakeProfileStore{stored: map[string]risk.Profile{"acct": stored}}
	got := resolveProfile(context.Background(), repo, configured, zerolog.Nop())
	if got.MaxDailyLossPct != 1.5 {
		t.Fatalf("expected the stored profile, got %+v", got)
	}
	if len(repo.saved) != 0 {
		t.Fatal("a stored profile must not be overwritten at startup")
	}
}

func TestResolveProfileSeedsStoreOnFirstRun(t *testing.T) {
	configured := risk.DefaultProfile("acct")
	configured.RiskPerTradePct = 0.5

	repo := &fakeProfileStore{stored: map[string]risk.Profile{}}
	got := resolveProfile(context.Background(), repo, configured, zerolog.Nop())
	if got.RiskPerTradePct != 0.5 {
		t.Fatalf("expected the configured profile, got %+v", got)
	}
	if len(repo.saved) != 1 || repo.saved[0].RiskPerTradePct != 0.5 {
		t.Fatalf("first run must persist the configured profile, saved %+v", repo.saved)
	}
}

func TestResolveProfileFallsBackOnLoadError(t *testing.T) {
	configured := risk.DefaultProfile("acct")
	repo := &fakeProfileStore{loadErr: errors.New("db down")}
	got := resolveProfile(context.Background(), repo, configured, zerolog.Nop())
	if got.AccountID != "acct" || len(repo.saved) != 0 {
		t.Fatalf("load failure must fall back to the configured profile, got %+v", got)
	}
}

func TestResolveProfileWithoutStore(t *testing.T) {
	configured := risk.DefaultProfile("acct")
	if got := resolveProfile(context.Background(), nil, configured, zerolog.Nop()); got.AccountID != "acct" {
		t.Fatalf("nil store must return the configured profile, got %+v", got)
	}
}
