package app

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"blocklog/internal/clock"
	"blocklog/logging"
	"blocklog/logging/sinks"
)

// newMirror builds the local record router. jsonPath, when set, receives
// NDJSON regardless of the sink list.
func newMirror(sinkNames []string, jsonPath string, clk clock.Clock, logger *zap.Logger, memory *sinks.Memory) (*logging.Router, error) {
	cfg := logging.DefaultConfig()
	cfg.Sinks = sinkNames
	cfg.JSONPath = jsonPath

	var named []logging.NamedSink
	if cfg.Enabled("console") {
		named = append(named, logging.NamedSink{Name: "console", Sink: sinks.NewConsole(logger.Named("records"))})
	}
	if cfg.JSONPath != "" {
		file, err := os.OpenFile(cfg.JSONPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open record file: %w", err)
		}
		named = append(named, logging.NamedSink{Name: "json", Sink: &closingSink{Sink: sinks.NewJSON(file, cfg.JSONFlushInterval), file: file}})
	} else if cfg.Enabled("json") {
		logger.Warn("json sink enabled without a file path, skipping")
	}
	if memory != nil || cfg.Enabled("memory") {
		if memory == nil {
			memory = sinks.NewMemory()
		}
		named = append(named, logging.NamedSink{Name: "memory", Sink: memory})
	}
	return logging.NewRouter(clk, cfg, logger, named), nil
}

// closingSink closes the backing file after the sink flushed.
type closingSink struct {
	logging.Sink
	file *os.File
}

func (s *closingSink) Close(ctx context.Context) error {
	err := s.Sink.Close(ctx)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}
