// Command streamgw is the portfolio copilot gateway: broker login, portfolio
// pass-through routes and the /ws/stream live tick fan-out.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"portfolio-copilot/config"
	"portfolio-copilot/internal/broker"
	"portfolio-copilot/internal/feed"
	"portfolio-copilot/internal/gateway"
	"portfolio-copilot/internal/logger"
	"portfolio-copilot/internal/markethours"
	"portfolio-copilot/internal/metrics"
	"portfolio-copilot/internal/notification"
	"portfolio-copilot/internal/session"
	redisstore "portfolio-copilot/internal/store/redis"
	sqlitestore "portfolio-copilot/internal/store/sqlite"
)

var (
	cfgFile    string
	listenAddr string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "streamgw",
		Short:        "Kite login, portfolio routes and live tick streaming",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	startedAt := time.Now()
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	log, err := logger.Init("streamgw", cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if !cfg.HasCredentials() {
		log.Warn("KITE_API_KEY / KITE_API_SECRET not set; login and streaming will fail until configured")
	}

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(reg)
	health := metrics.NewHealthStatus()

	// ---- Session ----
	persist, pinger, closeStore, err := openSessionBackend(cfg, m, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sessions := session.NewStore(cfg.SessionTTL, clockwork.NewRealClock(), persist, log.Named("session"))
	restored, err := sessions.Restore(ctx)
	if err != nil {
		log.Warn("session restore failed", zap.Error(err))
	}
	health.SetSessionPresent(restored)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg, log.Named("metrics"))
	metricsSrv.Start()
	health.StartLivenessChecker(ctx, pinger, 15*time.Second)

	// ---- Alerts ----
	notifiers := notification.Multi{notification.NewLogNotifier(log.Named("alert"))}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL, "streamgw", log.Named("alert")))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, log.Named("alert")))
	}
	alerts := notification.NewDispatcher(notifiers, 64, log.Named("alert"))
	go alerts.Run(ctx)

	// ---- Broker ----
	kite := broker.New(broker.Config{
		APIKey:   cfg.KiteAPIKey,
		RootURL:  cfg.KiteAPIURL,
		LoginURL: cfg.KiteLoginURL,
	})
	kite.SessionExpiryHook = func() {
		if err := sessions.Clear(context.Background()); err != nil {
			log.Warn("clearing expired session", zap.Error(err))
		}
		health.SetSessionPresent(false)
		alerts.Notify(notification.Alert{
			Level:   notification.AlertWarning,
			Title:   "session expired",
			Message: "broker rejected the access token; log in again",
		})
	}

	// ---- Stream ----
	queue := feed.NewQueue(cfg.EventQueueSize)
	adapter := feed.NewAdapter(sessions, feed.KiteDialer(feed.KiteConfig{APIKey: cfg.KiteAPIKey, TickerURL: cfg.KiteTickerURL}, log.Named("ticker")), queue, m, log)
	hub := gateway.NewHub(adapter, queue, gateway.HubConfig{
		SendBuffer:   cfg.ClientSendBuffer,
		WriteTimeout: cfg.ClientWriteTimeout,
		ControlRate:  cfg.ControlRate,
		ControlBurst: cfg.ControlBurst,
		Metrics:      m,
		Health:       health,
		OnEvent:      alerts.NotifyEvent,
	}, log)

	go trackMarketSession(ctx, m.MarketState, log)

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: gateway.NewRouter(gateway.Deps{
			Hub:         hub,
			Stream:      adapter,
			Sessions:    sessions,
			Broker:      kite,
			APISecret:   cfg.KiteAPISecret,
			CORSOrigins: cfg.CORSOrigins,
			Health:      health,
			StartedAt:   startedAt,
			Log:         log.Named("http"),
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("session_backend", cfg.SessionBackend),
			zap.Bool("session_restored", restored),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("http server failed", zap.Error(err))
		return err
	}

	adapter.Stop()
	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		log.Warn("metrics shutdown", zap.Error(err))
	}
	log.Info("gateway stopped")
	return nil
}

// openSessionBackend returns the persister (nil for memory), a pinger for
// the liveness checker and a close func.
func openSessionBackend(cfg *config.Config, m *metrics.Metrics, log *zap.Logger) (session.Persister, metrics.Pinger, func() error, error) {
	switch cfg.SessionBackend {
	case config.BackendSQLite:
		st, err := sqlitestore.Open(cfg.SQLitePath, log.Named("sqlite"))
		if err != nil {
			return nil, nil, nil, err
		}
		return st, st, st.Close, nil

	case config.BackendRedis:
		st := redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			OnStateChange: func(_, to gobreaker.State) {
				m.SessionBreakerState.Set(float64(to))
			},
		}, log.Named("redis"))
		return st, st, st.Close, nil
	}

	log.Warn("session backend is memory; a restart requires a new login")
	return nil, nil, func() error { return nil }, nil
}

// trackMarketSession keeps the market state gauge current.
func trackMarketSession(ctx context.Context, g prometheus.Gauge, log *zap.Logger) {
	set := func() bool {
		open := markethours.IsMarketOpen(time.Now())
		if open {
			g.Set(1)
		} else {
			g.Set(0)
		}
		return open
	}
	last := set()
	log.Info("market session", zap.String("status", markethours.StatusString(time.Now())))

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if open := set(); open != last {
				last = open
				log.Info("market session changed", zap.String("status", markethours.StatusString(time.Now())))
			}
		}
	}
}
