package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"dhan-autoexit/config"
	"dhan-autoexit/internal/api"
	"dhan-autoexit/internal/broker"
	"dhan-autoexit/internal/events"
	"dhan-autoexit/internal/execution"
	"dhan-autoexit/internal/exitrule"
	"dhan-autoexit/internal/filter"
	"dhan-autoexit/internal/lease"
	"dhan-autoexit/internal/logger"
	"dhan-autoexit/internal/markethours"
	"dhan-autoexit/internal/metrics"
	"dhan-autoexit/internal/model"
	"dhan-autoexit/internal/monitor"
	"dhan-autoexit/internal/notification"
	"dhan-autoexit/internal/portfolio"
	"dhan-autoexit/internal/quotes"
	"dhan-autoexit/pkg/dhan"
)

// tokenRefreshEvery keeps a TOTP-minted token ahead of Dhan's 24h expiry.
const tokenRefreshEvery = 12 * time.Hour

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "autoexit: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logger.Init("autoexit", cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting",
		zap.String("client_id", cfg.ClientID),
		zap.String("mode", string(cfg.ExitMode)),
		zap.String("distance", cfg.Policy().Distance.String()),
		zap.Duration("interval", cfg.PollInterval),
		zap.Bool("dry_run", cfg.DryRun),
		zap.Bool("market_hours_only", cfg.MarketHoursOnly))

	// ---- Context for graceful shutdown ----
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics & health ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()
	tickLatency := metrics.NewLatencyWindow(0)
	orderLatency := metrics.NewLatencyWindow(0)
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg, log)
	metricsSrv.Start()

	// ---- Broker client ----
	client := dhan.New(dhan.Config{
		ClientID:    cfg.ClientID,
		AccessToken: cfg.AccessToken,
		RootURL:     cfg.BaseURL,
		AuthURL:     cfg.AuthURL,
		Debug:       cfg.Debug,
		Logger:      log,
	})
	if cfg.AccessToken == "" {
		if err := refreshToken(ctx, client, cfg); err != nil {
			return fmt.Errorf("access token: %w", err)
		}
		log.Info("access token generated from TOTP")
		go keepToken(ctx, client, cfg, log)
	}
	dh := broker.New(client, log)

	calendar, err := markethours.NewCalendar(cfg.ExtraHolidays...)
	if err != nil {
		return err
	}

	// ---- Journal (optional) ----
	var journal *execution.Journal
	if cfg.JournalPath != "" {
		journal, err = execution.NewJournal(cfg.JournalPath, log)
		if err != nil {
			return fmt.Errorf("journal: %w", err)
		}
		defer journal.Close()
		health.EnableJournal()
		log.Info("exit journal ready", zap.String("path", cfg.JournalPath))
	}

	// ---- Redis: lease + event pub/sub (optional) ----
	hub := events.NewHub(prom, log)
	sinks := []events.Sink{hub}
	var rdb *goredis.Client
	var loopLease monitor.Lease
	if cfg.RedisAddr != "" {
		rdb = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		health.EnableRedis()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn("redis unreachable at startup", zap.Error(err))
		}
		cancel()

		loopLease = lease.New(rdb, lease.Key(cfg.ClientID), cfg.LeaseTTL)
		pub := events.NewRedisPublisher(rdb, events.DefaultChannel, prom, log)
		go pub.Run(ctx)
		sinks = append(sinks, pub)
	}
	health.StartLivenessChecker(ctx, rdb, journalDB(journal), 10*time.Second)
	bus := events.NewBus(sinks...)

	// ---- Alerts ----
	channels := []notification.Channel{{Name: "log", Notifier: notification.NewLogNotifier(log)}}
	if cfg.TelegramBotToken != "" {
		channels = append(channels, notification.Channel{
			Name: "telegram", Notifier: notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID),
		})
	}
	if cfg.AlertWebhookURL != "" {
		channels = append(channels, notification.Channel{
			Name: "webhook", Notifier: notification.NewWebhookNotifier(cfg.AlertWebhookURL),
		})
	}
	alerts := notification.NewMulti(prom, channels...)

	// ---- Exit pipeline ----
	var orders model.OrderService = dh
	if cfg.DryRun {
		orders = execution.NewPaperOrders(log)
		log.Warn("DRY_RUN enabled: exit orders are filled locally")
	}
	subOpts := execution.Options{
		Timeout:  cfg.OrderTimeout,
		DryRun:   cfg.DryRun,
		Notifier: alerts,
		Metrics:  prom,
		Latency:  orderLatency,
		Logger:   log,
	}
	if journal != nil {
		subOpts.Journal = journal
	}
	submitter := execution.NewSubmitter(orders, subOpts)
	defer submitter.Flush()

	resolver := quotes.NewResolver(dh, quotes.Options{Timeout: cfg.QuoteTimeout, Metrics: prom, Logger: log})
	segFilter := filter.New(cfg.AllowedSegments)
	pf := portfolio.New()

	factory := func(seed *monitor.Seed) (*monitor.Monitor, error) {
		return monitor.New(monitor.Deps{
			Positions: dh,
			Filter:    segFilter,
			Quotes:    resolver,
			Engine:    exitrule.NewEngine(cfg.Policy()),
			Orders:    submitter,
			Portfolio: pf,
			Events:    bus,
			Metrics:   prom,
			Health:    health,
			Latency:   tickLatency,
			Session:   calendar,
			Logger:    log,
		}, monitor.Config{
			Interval:         cfg.PollInterval,
			PositionsTimeout: cfg.PositionsTimeout,
			PendingTTL:       cfg.PendingTTL,
			MarketHoursOnly:  cfg.MarketHoursOnly,
			Seed:             seed,
		})
	}
	sup := monitor.NewSupervisor(ctx, factory, monitor.SupervisorOptions{
		Lease:   loopLease,
		Events:  bus,
		Metrics: prom,
		Health:  health,
		Logger:  log,
	})

	// ---- Control API ----
	apiDeps := api.Deps{
		Loop:      sup,
		Portfolio: pf,
		Events:    hub,
		Market:    calendar,
		Latency:   map[string]*metrics.LatencyWindow{"tick": tickLatency, "order": orderLatency},
		Policy:    cfg.Policy(),
		DryRun:    cfg.DryRun,
		Logger:    log,
	}
	if journal != nil {
		apiDeps.Journal = journal
	}
	apiSrv := api.NewServer(cfg.HTTPAddr, apiDeps)
	apiSrv.Start()

	if cfg.AutoStart {
		if err := sup.Start(ctx, nil); err != nil {
			log.Error("auto start failed", zap.Error(err))
		}
	}

	log.Info("ready", zap.String("http", cfg.HTTPAddr), zap.String("metrics", cfg.MetricsAddr),
		zap.String("market", calendar.Status(time.Now())))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Stop(shutdownCtx); err != nil {
		log.Warn("loop did not stop in time", zap.Error(err))
	}
	hub.Close()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("control API shutdown", zap.Error(err))
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics server shutdown", zap.Error(err))
	}
	log.Info("stopped")
	return nil
}

// refreshToken mints an access token from the PIN and a fresh TOTP code.
func refreshToken(ctx context.Context, client *dhan.Client, cfg *config.Config) error {
	code, err := totp.GenerateCode(cfg.TOTPSecret, time.Now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, err = client.GenerateAccessToken(callCtx, cfg.PIN, code)
	return err
}

func keepToken(ctx context.Context, client *dhan.Client, cfg *config.Config, log *zap.Logger) {
	ticker := time.NewTicker(tokenRefreshEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := refreshToken(ctx, client, cfg); err != nil {
				log.Error("access token refresh failed", zap.Error(err))
				continue
			}
			log.Info("access token refreshed")
		}
	}
}

func journalDB(j *execution.Journal) *sql.DB {
	if j == nil {
		return nil
	}
	return j.DB()
}
