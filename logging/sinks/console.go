package sinks

import (
	"context"

	"go.uber.org/zap"

	"blocklog/logging"
)

// Console writes a one-line summary of each record to a zap logger.
type Console struct {
	logger *zap.Logger
}

func NewConsole(logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{logger: logger}
}

func (s *Console) Write(record logging.Record) error {
	fields := []zap.Field{
		zap.String("type", record.Type),
		zap.Int64("timestamp", record.Timestamp),
		zap.Int("sprites", len(record.CodeState)),
	}
	if record.UserID != "" {
		fields = append(fields, zap.String("user_id", record.UserID))
	}
	if record.TaskID != "" {
		fields = append(fields, zap.String("task_id", record.TaskID))
	}
	if len(record.Data) > 0 {
		fields = append(fields, zap.Any("data", record.Data))
	}
	s.logger.Info("logging user action", fields...)
	return nil
}

func (s *Console) Close(context.Context) error {
	// Sync on a terminal reports EINVAL on some platforms.
	_ = s.logger.Sync()
	return nil
}
