package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"dex-trading-engine/config"
	"dex-trading-engine/internal/engine"
	"dex-trading-engine/internal/events"
	"dex-trading-engine/internal/gateway"
	"dex-trading-engine/internal/market"
	"dex-trading-engine/internal/notification"
	"dex-trading-engine/internal/position"
	"dex-trading-engine/internal/risk"
	sig "dex-trading-engine/internal/signal"
	"dex-trading-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := zerolog.New(os.Stderr)
		fallback.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("config", *configPath).Msg("Starting trading engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus()

	// Persistence is optional; the engine runs fully in-memory without it.
	var archive risk.ArchiveStore
	var posRepo position.Repository
	var profiles profileStore
	if cfg.Database.Enabled {
		pool, err := store.NewPool(ctx, cfg.Database.URL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer pool.Close()
		if err := store.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal().Err(err).Msg("Failed to migrate database")
		}

		riskRepo := store.NewRiskRepository(pool, logger)
		archive = riskRepo
		profiles = riskRepo
		positionRepo := store.NewPositionRepository(pool, logger)
		positionRepo.Attach(bus)
		posRepo = positionRepo
	}

	var snapshots *store.SnapshotCache
	if cfg.Redis.Enabled {
		snapshots = store.NewSnapshotCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		defer snapshots.Close()
	}

	agg := risk.NewAggregator(archive, bus, logger)
	agg.Attach(bus)
	accounts := make([]engine.Account, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		profile := resolveProfile(ctx, profiles, a.Risk, logger)
		if err := agg.RegisterAccount(profile, a.Equity); err != nil {
			logger.Fatal().Err(err).Str("account_id", a.AccountID).Msg("Failed to register account")
		}
		accounts = append(accounts, engine.Account{
			ID:       a.AccountID,
			Mode:     position.Mode(a.Mode),
			Leverage: a.Leverage,
		})
	}

	feed := gateway.NewSimulatedGateway(0, logger)
	defer feed.Close()

	manager, err := position.NewManager(cfg.Position, feed, agg, posRepo, bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create position manager")
	}
	gate := risk.NewGate(agg, manager, logger)

	if snapshots != nil {
		snapshots.Attach(bus, manager, agg)
	}

	generator, err := sig.NewGenerator(cfg.Signal, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create signal generator")
	}

	var notifiers []notification.Notifier
	if cfg.Notifications.TelegramBotToken != "" && cfg.Notifications.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(
			cfg.Notifications.TelegramBotToken, cfg.Notifications.TelegramChatID))
	}
	if cfg.Notifications.DiscordWebhookURL != "" {
		notifiers = append(notifiers, notification.NewDiscordNotifier(cfg.Notifications.DiscordWebhookURL))
	}
	if len(notifiers) > 0 {
		notification.NewManager(logger, notifiers...).Attach(bus)
	}

	high, err := market.ParseTimeframe(cfg.Timeframes.High)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid high timeframe")
	}
	medium, err := market.ParseTimeframe(cfg.Timeframes.Medium)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid medium timeframe")
	}
	low, err := market.ParseTimeframe(cfg.Timeframes.Low)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid low timeframe")
	}

	eng, err := engine.New(engine.Params{
		Symbols:         cfg.Symbols,
		High:            high,
		Medium:          medium,
		Low:             low,
		IndicatorParams: cfg.Indicators,
		Accounts:        accounts,
	}, feed, generator, gate, agg, manager, bus, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to assemble engine")
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		s := <-sigCh
		logger.Info().Str("signal", s.String()).Msg("Shutting down")
		cancel()
	}()

	if err := eng.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Engine failed")
	}
}

// profileStore is the persisted risk-profile surface used at startup.
type profileStore interface {
	LoadProfile(ctx context.Context, accountID string) (risk.Profile, bool, error)
	SaveProfile(ctx context.Context, p risk.Profile) error
}

// resolveProfile prefers a stored risk profile over the configured one, and
// seeds the store with the configured profile the first time an account runs.
func resolveProfile(ctx context.Context, profiles profileStore, configured risk.Profile, logger zerolog.Logger) risk.Profile {
	if profiles == nil {
		return configured
	}
	stored, found, err := profiles.LoadProfile(ctx, configured.AccountID)
	if err != nil {
		logger.Warn().Err(err).
			Str("account_id", configured.AccountID).
			Msg("Failed to load stored risk profile, using configured profile")
		return configured
	}
	if found {
		logger.Info().
			Str("account_id", configured.AccountID).
			Msg("Using stored risk profile")
		return stored
	}
	if err := profiles.SaveProfile(ctx, configured); err != nil {
		logger.Warn().Err(err).
			Str("account_id", configured.AccountID).
			Msg("Failed to persist configured risk profile")
	}
	return configured
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	var out = os.Stdout
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.Pretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}
	return logger
}
