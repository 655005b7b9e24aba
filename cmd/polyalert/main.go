package main

import (
	"context"
	"fmt"
	"os/signal"
	"slices"
	"syscall"

	"github.com/rewired-gh/polyalert/internal/command"
	"github.com/rewired-gh/polyalert/internal/config"
	"github.com/rewired-gh/polyalert/internal/discord"
	"github.com/rewired-gh/polyalert/internal/dispatch"
	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/rewired-gh/polyalert/internal/monitor"
	"github.com/rewired-gh/polyalert/internal/order"
	"github.com/rewired-gh/polyalert/internal/polymarket"
	"github.com/rewired-gh/polyalert/internal/server"
	"github.com/rewired-gh/polyalert/internal/storage"
	"github.com/rewired-gh/polyalert/internal/telegram"
	"github.com/samber/lo"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var configPath = pflag.StringP("config", "c", "configs/config.yaml", "Path to configuration file")

func main() {
	pflag.Parse()
	if err := run(); err != nil {
		logger.Fatal("%v", err)
	}
	logger.Info("Service stopped")
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	reg := metrics.New()

	polyClient := polymarket.NewClient(
		cfg.Polymarket.GammaAPIURL,
		cfg.Polymarket.Timeout,
		polymarket.ClientConfig{
			Limit:               cfg.Polymarket.Limit,
			MaxIdleConns:        cfg.Polymarket.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Polymarket.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.Polymarket.IdleConnTimeout,
		},
	)

	sinks := make(map[string]dispatch.Sink)
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		sinks[models.ChannelTelegram] = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	if cfg.Discord.Enabled {
		sinks[models.ChannelDiscord] = discord.NewClient(cfg.Discord.APIURL, cfg.Discord.BotToken, cfg.Discord.Timeout)
		logger.Info("Discord client initialized successfully")
	} else {
		logger.Debug("Discord notifications disabled")
	}

	channels := lo.Keys(sinks)
	slices.Sort(channels)
	commands := command.NewService(store, polyClient, channels, reg)

	dispatchOpts := []dispatch.Option{
		dispatch.WithFailureRecorder(store),
		dispatch.WithMetrics(reg),
	}
	if cfg.Dispatch.PruneInvalid {
		dispatchOpts = append(dispatchOpts, dispatch.WithInvalidRecipientHandler(commands.HandleInvalidRecipient))
	}
	dispatcher := dispatch.New(dispatch.Config{
		Concurrency:     cfg.Dispatch.Concurrency,
		MaxRetries:      cfg.Dispatch.MaxRetries,
		RetryDelayBase:  cfg.Dispatch.RetryDelayBase,
		MaxRetryDelay:   cfg.Dispatch.MaxRetryDelay,
		RatePerSecond:   cfg.Dispatch.RatePerSecond,
		RateBurst:       cfg.Dispatch.RateBurst,
		BreakerFailures: cfg.Dispatch.BreakerFailures,
		BreakerOpenFor:  cfg.Dispatch.BreakerOpenFor,
	}, sinks, dispatchOpts...)

	scheduler := monitor.NewScheduler(monitor.Config{
		NewMarketInterval: cfg.Monitor.NewMarketInterval,
		LiquidityInterval: cfg.Monitor.LiquidityInterval,
		RetryDelayBase:    cfg.Monitor.RetryDelayBase,
		MaxRetryDelay:     cfg.Monitor.MaxRetryDelay,
		SeedOnFirstRun:    cfg.Monitor.SeedOnFirstRun,
		NewMarketMaxAge:   cfg.Monitor.NewMarketMaxAge,
	}, polyClient, store, dispatcher, reg)

	if telegramClient != nil && cfg.Telegram.ListenCommands {
		telegramClient.ListenForCommands(ctx, commands)
	}

	g, gctx := errgroup.WithContext(ctx)

	logger.Info("Starting monitoring service (channels: %v, new market interval: %v, liquidity interval: %v, store: %s)",
		channels,
		cfg.Monitor.NewMarketInterval,
		cfg.Monitor.LiquidityInterval,
		cfg.Storage.Backend,
	)
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	if cfg.Server.Enabled {
		deps := server.Deps{
			Commands: commands,
			Failures: store,
			Phases:   func(d models.Domain) string { return scheduler.Phase(d).String() },
			Metrics:  reg,
		}
		if cfg.Trading.Enabled {
			trader := order.NewHTTPTrader(cfg.Trading.APIURL, order.Credentials{
				APIKey:     cfg.Trading.APIKey,
				Secret:     cfg.Trading.APISecret,
				Passphrase: cfg.Trading.APIPassphrase,
			}, cfg.Trading.Timeout)
			deps.Orders = order.NewGateway(polyClient, trader, reg)
		}
		srv := server.New(cfg.Server.ListenAddr, deps)
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	if cfg.Backend == "redis" {
		logger.Info("Using Redis store at %s", cfg.RedisAddr)
		return storage.OpenRedis(ctx, storage.RedisOptions{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Prefix:      cfg.RedisPrefix,
			MaxFailures: cfg.MaxDeliveryFailures,
		})
	}
	logger.Info("Using SQLite store at %s", cfg.DBPath)
	return storage.New(cfg.MaxDeliveryFailures, cfg.DBPath)
}
