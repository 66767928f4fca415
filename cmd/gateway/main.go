// Package main is the entry point for the CHIMERA gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chimera/internal/classifier"
	"chimera/internal/config"
	"chimera/internal/gateway"
	chimerahttp "chimera/internal/http"
	"chimera/internal/jsonrpc"
	"chimera/internal/ledger"
	"chimera/internal/policy"
	"chimera/internal/session"
	"chimera/internal/warrant"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting CHIMERA gateway",
		zap.String("version", version),
		zap.String("mode", cfg.Mode),
		zap.String("scenario", cfg.Scenario),
	)

	// Policy manifest: a bad manifest refuses startup.
	manifest := policy.DefaultManifest()
	if cfg.PolicyPath != "" {
		manifest, err = policy.LoadFile(cfg.PolicyPath)
		if err != nil {
			return fmt.Errorf("policy manifest: %w", err)
		}
	}

	authority, err := warrant.LoadAuthority(cfg.KeyDir, cfg.WarrantTTL)
	if err != nil {
		return fmt.Errorf("credential authority: %w", err)
	}

	led, err := ledger.Open(cfg.LedgerPath, cfg.GenesisHash, logger)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	defer led.Close()

	sessions := session.NewStore(cfg.SessionWindow, cfg.SessionIdle, logger)

	var judge classifier.Classifier
	if cfg.ClassifierBaseURL != "" {
		judge = classifier.NewJudge(classifier.NewClient(classifier.ClientConfig{
			BaseURL: cfg.ClassifierBaseURL,
			APIKey:  cfg.ClassifierAPIKey,
			Model:   cfg.ClassifierModel,
			Timeout: cfg.ClassifierTimeout,
		}), cfg.ClassifierTimeout, logger)
	} else {
		logger.Warn("no classifier endpoint configured, using offline pattern classifier")
		judge = classifier.NewPatternClassifier(nil)
	}

	interceptor, err := gateway.NewInterceptor(gateway.InterceptorConfig{
		Config:     cfg,
		Logger:     logger,
		Sessions:   sessions,
		Classifier: judge,
		Manifest:   manifest,
		Authority:  authority,
		Ledger:     led,
		Forwarder:  gateway.NewHTTPForwarder(cfg.BackendURL, cfg.ForwardTimeout),
	})
	if err != nil {
		return fmt.Errorf("interceptor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Housekeeping: idle session eviction and ledger health.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sessions.EvictIdle(now.UTC())
				if led.Fatal() {
					logger.Error("ledger persistently failing, shutting down")
					cancel()
					return
				}
			}
		}
	}()

	if cfg.Mode == "stdio" {
		return runStdio(ctx, interceptor, logger)
	}
	return runHTTP(ctx, cfg, interceptor, led, logger)
}

func runStdio(ctx context.Context, interceptor *gateway.Interceptor, logger *zap.Logger) error {
	logger.Info("serving on stdio")
	transport := jsonrpc.NewStdioTransport(os.Stdin, os.Stdout)
	return transport.Serve(ctx, interceptor.Handle)
}

func runHTTP(ctx context.Context, cfg *config.Config, interceptor *gateway.Interceptor, led *ledger.Ledger, logger *zap.Logger) error {
	router := chimerahttp.NewRouter(chimerahttp.RouterConfig{
		Logger:      logger,
		Interceptor: interceptor,
		Ledger:      led,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("shutting down on internal signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if n := led.Pending(); n > 0 {
		logger.Warn("unflushed ledger entries at shutdown", zap.Int("pending", n))
	}

	logger.Info("server stopped")
	return nil
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "message",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
