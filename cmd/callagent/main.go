package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"callagent/internal/api"
	"callagent/internal/call"
	"callagent/internal/config"
	"callagent/internal/signaling"
	"callagent/internal/transport/pionrtc"
	"callagent/pkg/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("application failure: %v", err)
	}
}

func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	logger, err := telemetry.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger setup failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	tracerProvider, err := telemetry.InitTracer(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if tracerProvider != nil {
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Warn("error shutting down tracer provider", zap.Error(err))
			}
		}()
		logger.Info("telemetry enabled",
			zap.String("endpoint", cfg.Tracer.Endpoint),
			zap.Float64("sample_ratio", cfg.Tracer.SampleRatio))
	} else {
		logger.Info("telemetry disabled (no endpoint configured)")
	}

	guard := call.NewCleanupGuard(logger, cfg.Timings.CleanupWait)

	factory, err := pionrtc.NewFactory(pionrtc.FactoryConfig{
		ICEServers: cfg.ICEServers(),
		MinPort:    cfg.WebRTCMinPort,
		MaxPort:    cfg.WebRTCMaxPort,
		NAT1To1IPs: cfg.WebRTCNAT1To1IPs,
		Dial: pionrtc.SignalingDialer(
			signaling.WithLogger(logger),
			signaling.WithRequestTimeout(cfg.SignalRequestTimeout),
		),
		Media:  pionrtc.SilentSource{},
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("transport init failed: %w", err)
	}

	handler := api.NewHandler(api.Config{
		Factory:     factory,
		Guard:       guard,
		SignalURL:   cfg.SignalURL,
		CallOptions: cfg.CallOptions(),
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		return err
	case <-stop:
		logger.Info("shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second+cfg.Timings.CloseTimeout)
	defer shutdownCancel()

	// end the active call before the event streams go away
	if err := handler.Close(shutdownCtx); err != nil {
		logger.Warn("disconnecting active call failed", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	return nil
}
