package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"blocklog/internal/collector"
	"blocklog/internal/config"
	"blocklog/internal/telemetry"
	"blocklog/logging/sinks"
)

type CollectorOptions struct {
	Config config.Config
	Logger *zap.Logger
	// Listener overrides Config.Collector.Addr.
	Listener net.Listener
	Memory   *sinks.Memory
}

// RunCollector serves the development endpoint until ctx ends.
func RunCollector(ctx context.Context, opts CollectorOptions) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = telemetry.NewLogger(cfg.Log.Level); err != nil {
			return err
		}
	}

	if cfg.Trace.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Trace.ServiceName+"-collector", nil, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("failed to shut down tracer", zap.Error(err))
			}
		}()
	}

	sinkNames := []string{"console"}
	if cfg.Collector.OutputPath != "" {
		sinkNames = nil
	}
	mirror, err := newMirror(sinkNames, cfg.Collector.OutputPath, nil, logger, opts.Memory)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := mirror.Close(closeCtx); err != nil {
			logger.Warn("failed to close record mirror", zap.Error(err))
		}
	}()

	counters := telemetry.NewCounters()
	endpoint, err := collector.New(collector.Config{
		AuthKey: cfg.Collector.AuthKey,
		Logger:  logger.Named("collector"),
		Metrics: counters,
		Mirror:  mirror,
	})
	if err != nil {
		return err
	}
	// Must run before the mirror closes.
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := endpoint.Close(closeCtx); err != nil {
			logger.Warn("failed to disconnect logging clients", zap.Error(err))
		}
	}()

	listener := opts.Listener
	if listener == nil {
		if listener, err = net.Listen("tcp", cfg.Collector.Addr); err != nil {
			return fmt.Errorf("listen on %s: %w", cfg.Collector.Addr, err)
		}
	}

	srv := &http.Server{Handler: endpoint.Routes(), ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("collector listening", zap.String("addr", listener.Addr().String()))
		serveErr <- srv.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("collector failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("collector shutdown error", zap.Error(err))
	}
	logger.Info("collector stopped",
		zap.Uint64("connections", counters.Load("collector.connections")),
		zap.Uint64("records", counters.Load("collector.records")),
		zap.Uint64("rejected", counters.Load("collector.rejected")),
	)
	return nil
}
