package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/big14way/Bastion-sub002/internal/alerting"
	"github.com/big14way/Bastion-sub002/internal/attestation"
	"github.com/big14way/Bastion-sub002/internal/cache"
	"github.com/big14way/Bastion-sub002/internal/config"
	"github.com/big14way/Bastion-sub002/internal/depeg"
	"github.com/big14way/Bastion-sub002/internal/events"
	"github.com/big14way/Bastion-sub002/internal/feeds"
	"github.com/big14way/Bastion-sub002/internal/poller"
	"github.com/big14way/Bastion-sub002/internal/scheduler"
	"github.com/big14way/Bastion-sub002/internal/service"
	"github.com/big14way/Bastion-sub002/internal/storage"
	"github.com/big14way/Bastion-sub002/internal/tasks"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFeedClient() feeds.Client {
	return feeds.NewChainlink(feeds.ChainlinkOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Feeds:   a.Config.Feeds.Assets,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) newSigner() (*attestation.Signer, error) {
	if a.Config.Operator.KeyFile == "" {
		return nil, errors.New("operator.key_file not configured")
	}
	return attestation.LoadKey(a.Config.Operator.KeyFile)
}

func (a *App) pegs() []depeg.Peg {
	pegs := make([]depeg.Peg, 0, len(a.Config.Depeg.Pegs))
	for _, peg := range a.Config.Depeg.Pegs {
		pegs = append(pegs, depeg.Peg{
			Asset:        peg.Asset,
			Reference:    peg.Reference,
			ThresholdBps: a.Config.PegThreshold(peg),
		})
	}
	return pegs
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openRedis(ctx context.Context) (*redis.Client, func(), error) {
	client := redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	closer := func() {
		_ = client.Close()
	}
	return client, closer, nil
}

// Run executes the long-running operator service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured")
	}
	defer closeStore()

	redisClient, closeRedis, err := a.openRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis()

	signer, err := a.newSigner()
	if err != nil {
		return err
	}
	a.Logger.Info().Str("operator", signer.Fingerprint()).Msg("operator key loaded")

	bus := events.NewRedisBus(redisClient, a.Logger)
	priceCache := cache.NewRedis(redisClient, a.Config.Redis.PriceTTL)

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Feeds.PollInterval,
		StartupDelay: a.Config.Feeds.StartupDelay,
	}, a.Logger)

	feedClient := a.newFeedClient()
	p := poller.New(feedClient, priceCache, store, bus, a.Logger)
	monitor := depeg.New(a.pegs(), priceCache, store, bus, a.newNotifier(), a.Logger)

	handlers := tasks.NewHandlers(store, store, a.Config.Tasks.RiskLookback, a.Logger)
	dispatcher := tasks.NewDispatcher(tasks.DispatcherOptions{
		QueueSize:      a.Config.Tasks.QueueSize,
		Workers:        a.Config.Tasks.Workers,
		HandlerTimeout: a.Config.Tasks.HandlerTimeout,
		RescanOnStart:  a.Config.Tasks.RescanOnStart,
	}, store, store, handlers, signer, bus, a.Logger)

	svc := service.New(sched, p, monitor, dispatcher, bus, a.Logger)

	a.Logger.Info().Msg("starting operator service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("operator service stopped")
	return nil
}

// ExportOptions hold parameters for exporting price history.
type ExportOptions struct {
	Asset     string
	Reference string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	View  string
	Limit int
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	Asset  string
	Rounds int
	DryRun bool
}
