package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/x5iu/ariarpc"
	"github.com/x5iu/ariarpc/internal/config"
	"github.com/x5iu/ariarpc/internal/logging"
)

var (
	configPath string
	rpcURL     string
	rpcToken   string
)

// env is what every subcommand runs with once the root has loaded the
// configuration.
type env struct {
	cfg       *config.Config
	logger    *zap.Logger
	logCloser io.Closer
	registry  *prometheus.Registry
	metrics   *http.Server
}

var app env

var rootCmd = &cobra.Command{
	Use:               "ariactl",
	Short:             "Control an aria2 daemon over JSON-RPC",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return teardown()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file (default $"+config.EnvVar+")")
	flags.StringVar(&rpcURL, "url", "", "daemon endpoint, ws:// or http://, overrides rpc.url")
	flags.StringVar(&rpcToken, "token", "", "RPC secret, overrides rpc.token")

	rootCmd.AddCommand(callCmd, addCmd, statusCmd, methodsCmd, watchCmd, daemonCmd, inspectCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if rpcURL != "" {
		cfg.RPC.URL = rpcURL
	}
	if rpcToken != "" {
		cfg.RPC.Token = rpcToken
	}
	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	app = env{cfg: cfg, logger: logger, logCloser: closer, registry: prometheus.NewRegistry()}
	if cfg.Metrics.Listen != "" {
		app.metrics = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := app.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint stopped", zap.Error(err))
			}
		}()
		logger.Info("serving metrics", zap.String("addr", cfg.Metrics.Listen))
	}
	return nil
}

func teardown() error {
	var err error
	if app.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = multierr.Append(err, app.metrics.Shutdown(ctx))
		cancel()
	}
	if app.logger != nil {
		_ = app.logger.Sync()
	}
	if app.logCloser != nil {
		err = multierr.Append(err, app.logCloser.Close())
	}
	return err
}

func isWebSocket(rawURL string) bool {
	return strings.HasPrefix(rawURL, "ws://") || strings.HasPrefix(rawURL, "wss://")
}

func retryPolicy(c config.RetryConfig) ariarpc.RetryPolicy {
	return ariarpc.RetryPolicy{
		Interval:    c.Interval.Std(),
		MaxAttempts: c.MaxAttempts,
		MaxElapsed:  c.MaxElapsed.Std(),
	}
}

func dialTrigger(ctx context.Context) (*ariarpc.Trigger, error) {
	rpc := app.cfg.RPC
	return ariarpc.Dial(ctx, rpc.URL,
		ariarpc.WithToken(rpc.Token),
		ariarpc.WithTimeout(rpc.Timeout.Std()),
		ariarpc.WithRetry(retryPolicy(rpc.Retry)),
		ariarpc.WithRedial(rpc.Redial),
		ariarpc.WithLogger(app.logger),
		ariarpc.WithMetrics(app.registry))
}

// connect returns an Invoker for the configured endpoint and a function
// that releases it.
func connect(ctx context.Context) (ariarpc.Invoker, func(), error) {
	rpc := app.cfg.RPC
	if isWebSocket(rpc.URL) {
		t, err := dialTrigger(ctx)
		if err != nil {
			return nil, nil, err
		}
		return t, func() {
			if err := t.Close(); err != nil {
				app.logger.Warn("closing connection", zap.Error(err))
			}
		}, nil
	}
	h, err := ariarpc.NewHTTPClient(rpc.URL,
		ariarpc.WithHTTPToken(rpc.Token),
		ariarpc.WithHTTPTimeout(rpc.Timeout.Std()),
		ariarpc.WithHTTPLogger(app.logger))
	if err != nil {
		return nil, nil, err
	}
	return h, func() {}, nil
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}
