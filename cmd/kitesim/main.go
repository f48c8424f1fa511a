// Command kitesim is a staging stand-in for the Kite ticker. It speaks the
// same handshake, control frames and binary packets, streaming a random walk
// for whatever tokens a connection subscribes to.
//
// Point the gateway at it with KITE_TICKER_URL=ws://localhost:9001/.
//
// Config (flags or env vars):
//
//	--addr          TICK_SERVER_ADDR   listen address (default ":9001")
//	--interval-ms   TICK_INTERVAL_MS   tick interval in milliseconds (default 100)
//	--require-token TICK_REQUIRE_TOKEN reject handshakes without access_token
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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"portfolio-copilot/internal/logger"
)

func main() {
	v := viper.New()
	rootCmd := &cobra.Command{
		Use:          "kitesim",
		Short:        "Simulated Kite ticker for staging",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	rootCmd.Flags().String("addr", ":9001", "listen address")
	rootCmd.Flags().Int("interval-ms", 100, "tick interval in milliseconds")
	rootCmd.Flags().Bool("require-token", false, "reject handshakes without access_token")
	rootCmd.Flags().String("log-level", "info", "log level")

	v.BindPFlag("addr", rootCmd.Flags().Lookup("addr"))
	v.BindPFlag("interval_ms", rootCmd.Flags().Lookup("interval-ms"))
	v.BindPFlag("require_token", rootCmd.Flags().Lookup("require-token"))
	v.BindPFlag("log_level", rootCmd.Flags().Lookup("log-level"))
	v.BindEnv("addr", "TICK_SERVER_ADDR")
	v.BindEnv("interval_ms", "TICK_INTERVAL_MS")
	v.BindEnv("require_token", "TICK_REQUIRE_TOKEN")
	v.BindEnv("log_level", "LOG_LEVEL")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, v *viper.Viper) error {
	log, err := logger.Init("kitesim", v.GetString("log_level"), "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	interval := time.Duration(v.GetInt("interval_ms")) * time.Millisecond
	if interval <= 0 {
		return fmt.Errorf("interval-ms must be > 0")
	}

	sim := newSimServer(simConfig{
		Interval:     interval,
		RequireToken: v.GetBool("require_token"),
	}, log)

	mux := http.NewServeMux()
	mux.Handle("/", sim)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"status":"ok","service":"kitesim"}`)
	})

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.Duration("interval", interval))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
