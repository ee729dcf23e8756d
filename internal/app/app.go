// Package app wires the logging client and the development collector from
// configuration.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"blocklog/internal/clock"
	"blocklog/internal/config"
	"blocklog/internal/host"
	"blocklog/internal/pipeline"
	"blocklog/internal/telemetry"
	"blocklog/internal/transport"
	"blocklog/logging/sinks"
)

const (
	shutdownTimeout   = 5 * time.Second
	batchWaitSlack    = 100 * time.Millisecond
	batchPollInterval = 5 * time.Millisecond
)

type Options struct {
	Config config.Config
	Logger *zap.Logger
	Clock  clock.Clock
	// Project is the host state events are replayed against.
	Project *host.Project
	// Input holds recorded host messages. Without it the client idles
	// until ctx ends.
	Input io.Reader
	// ExitAfterReplay shuts down once Input is exhausted.
	ExitAfterReplay bool
	// Memory, when set, also receives mirrored records.
	Memory *sinks.Memory
}

// Run starts the client, replays Input and shuts down when ctx ends. On
// shutdown it waits out pending coalescing windows, attempts a final flush
// and resets the transport.
func Run(ctx context.Context, opts Options) error {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		var err error
		if logger, err = telemetry.NewLogger(cfg.Log.Level); err != nil {
			return err
		}
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	if cfg.Trace.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Trace.ServiceName, nil, logger)
		if err != nil {
			return fmt.Errorf("init tracer: %w", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Warn("failed to shut down tracer", zap.Error(err))
			}
		}()
	}

	counters := telemetry.NewCounters()
	mirror, err := newMirror(cfg.Log.Sinks, cfg.Log.JSONPath, clk, logger, opts.Memory)
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

	client := transport.New(transport.Config{
		AuthKey:       cfg.Endpoint.AuthKey,
		RetryDelay:    cfg.Endpoint.RetryDelay,
		NavigationURL: cfg.Endpoint.NavigationURL,
		Clock:         clk,
		Logger:        logger.Named("transport"),
		Metrics:       counters,
	})
	defer client.ResetState()

	userLog := pipeline.New(client, pipeline.Config{
		Clock:             clk,
		Logger:            logger.Named("pipeline"),
		Metrics:           counters,
		Mirror:            mirror,
		BlockChangeWindow: cfg.Batching.BlockChangeWindow,
		GUIChangeWindow:   cfg.Batching.GUIChangeWindow,
	})

	if cfg.Endpoint.Connect {
		if err := client.Connect(ctx, cfg.Endpoint.URL); err != nil {
			logger.Warn("initial connection failed, retrying in background", zap.Error(err))
		}
	}
	stopFlushing := userLog.StartFlushing(cfg.Batching.FlushInterval)

	runtime := NewRuntime()
	userLog.ListenToHost(runtime)

	if opts.Input != nil {
		replayer := &Replayer{Logger: userLog, Runtime: runtime, Log: logger.Named("replay")}
		if opts.Project != nil {
			replayer.State = opts.Project
		}
		applied, err := replayer.Replay(ctx, opts.Input)
		if err != nil && ctx.Err() == nil {
			logger.Warn("replay stopped early", zap.Error(err))
		}
		logger.Info("replay finished", zap.Int("messages", applied))
	}
	if opts.Input == nil || !opts.ExitAfterReplay {
		<-ctx.Done()
	}

	stopFlushing()
	waitForBatches(userLog, max(cfg.Batching.BlockChangeWindow, cfg.Batching.GUIChangeWindow))
	userLog.Stop()
	userLog.SendLog(context.Background())
	if remaining := len(userLog.EventLog()) + len(userLog.SendBuffer()); remaining > 0 {
		logger.Warn("shutting down with undelivered records", zap.Int("records", remaining))
	}

	fields := []zap.Field{}
	for _, key := range counters.Keys() {
		fields = append(fields, zap.Uint64(key, counters.Load(key)))
	}
	logger.Info("client stopped", fields...)
	return nil
}

// waitForBatches gives coalesced calls still inside their window a chance
// to run. It polls on wall time so a virtual clock cannot stall shutdown.
func waitForBatches(userLog *pipeline.Logger, window time.Duration) {
	deadline := time.Now().Add(2*window + batchWaitSlack)
	for userLog.PendingBatches() > 0 && time.Now().Before(deadline) {
		time.Sleep(batchPollInterval)
	}
}
