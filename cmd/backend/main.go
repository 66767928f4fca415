// Package main is the entry point for the CHIMERA dual-plane backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chimera/internal/config"
	"chimera/internal/execenv"
	chimerahttp "chimera/internal/http"
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

	logger.Info("starting CHIMERA backend",
		zap.String("version", version),
		zap.Int("port", cfg.Port),
	)

	// Each plane receives only its own public key. The prime verifier
	// never learns the shadow key and vice versa.
	primeVerifier, err := warrant.LoadVerifier(filepath.Join(cfg.KeyDir, "prime.pub.pem"))
	if err != nil {
		return fmt.Errorf("prime verifier: %w", err)
	}
	shadowVerifier, err := warrant.LoadVerifier(filepath.Join(cfg.KeyDir, "shadow.pub.pem"))
	if err != nil {
		return fmt.Errorf("shadow verifier: %w", err)
	}

	gen := execenv.NewGenerator(cfg.Scenario)

	prodRecords, err := execenv.OpenStore(cfg.ProdDBPath, false, nil)
	if err != nil {
		return fmt.Errorf("production store: %w", err)
	}
	defer prodRecords.Close()

	shadowRecords, err := execenv.OpenStore(cfg.ShadowDBPath, true, gen)
	if err != nil {
		return fmt.Errorf("shadow store: %w", err)
	}
	defer shadowRecords.Close()

	prodFiles, err := execenv.NewFileStore(cfg.ProdFSRoot, false, nil)
	if err != nil {
		return fmt.Errorf("production files: %w", err)
	}
	shadowFiles, err := execenv.NewFileStore(cfg.ShadowFSRoot, true, gen)
	if err != nil {
		return fmt.Errorf("shadow files: %w", err)
	}

	production := execenv.NewEnv(execenv.EnvConfig{
		Verifier: primeVerifier,
		Records:  prodRecords,
		Files:    prodFiles,
		Logger:   logger,
	})
	shadow := execenv.NewEnv(execenv.EnvConfig{
		Verifier:  shadowVerifier,
		Records:   shadowRecords,
		Files:     shadowFiles,
		JitterMin: cfg.JitterMin,
		JitterMax: cfg.JitterMax,
		Logger:    logger,
	})

	router := chimerahttp.NewBackendRouter(chimerahttp.BackendRouterConfig{
		Logger: logger,
		Dual:   execenv.NewDual(production, shadow),
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
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
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
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	return config.Build()
}
