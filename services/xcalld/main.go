package xcalld

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"xcallvote/bootstrap"
	"xcallvote/config"
	"xcallvote/observability/logging"
	telemetry "xcallvote/observability/otel"
)

// PassphraseProvider returns the keystore passphrase source for the named
// wallet. envVar is the variable configured for it, possibly empty.
type PassphraseProvider func(label, envVar string) config.PassphraseFunc

// Main initialises and runs the xCall daemon.
func Main(passphrases PassphraseProvider) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "xcalld.yaml", "path to xcalld configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.SetupWith(logging.Options{Service: "xcalld", Env: cfg.Environment, Level: cfg.LogLevel})

	chainCfg, err := config.Load(cfg.ChainConfig)
	if err != nil {
		return fmt.Errorf("load chain config: %w", err)
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv(telemetry.Config{
		ServiceName: "xcalld",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
		Origin:      chainCfg.ICON.Label,
		Destination: chainCfg.EVM.Label,
	}))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := bootstrap.Options{Logger: logger}
	if passphrases != nil {
		opts.ICONPassphrase = passphrases("ICON", chainCfg.ICON.Key.PassphraseEnv)
		opts.EVMPassphrase = passphrases("EVM", chainCfg.EVM.Key.PassphraseEnv)
	}
	stack, err := bootstrap.Build(stopCtx, chainCfg, opts)
	if err != nil {
		return fmt.Errorf("build controller: %w", err)
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Warn("close journal", slog.Any("error", err))
		}
	}()

	dispatcher := NewDispatcher(stack.Controller, cfg.QueueSize,
		WithDispatcherLogger(logging.Component(logger, "dispatcher")))
	auth, err := NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return fmt.Errorf("admin auth: %w", err)
	}
	logger.Info("admin auth enabled",
		logging.MaskField("bearer_token", cfg.Admin.BearerToken),
		slog.Float64("requests_per_minute", cfg.Admin.RequestsPerMinute))
	server, err := NewServer(ServerConfig{
		Dispatcher: dispatcher,
		Journal:    stack.Journal,
		Policy:     stack.Policy,
		Auth:       auth,
		Limiter:    NewRateLimiter(cfg.Admin.RequestsPerMinute, cfg.Admin.Burst),
		Endpoints:  stack.Endpoints,
		Logger:     logging.Component(logger, "admin"),
	})
	if err != nil {
		return fmt.Errorf("admin server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server, "xcalld"),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := dispatcher.Run(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("dispatcher stopped", slog.Any("error", err))
		}
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("xcalld listening",
			slog.String("addr", cfg.ListenAddress),
			slog.String("origin", stack.Endpoints.OriginLabel),
			slog.String("destination", stack.Endpoints.DestinationLabel))
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Duration)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
