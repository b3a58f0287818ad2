package notify

import (
	"context"

	"autotrader/internal/models"
	"autotrader/pkg/logger"
)

type LogSink struct{}

func NewLogSink() *LogSink { return &LogSink{} }

func (*LogSink) Name() string { return "log" }

func (*LogSink) Deliver(_ context.Context, ev models.Event) error {
	switch ev.Kind {
	case models.EventError, models.EventExecFailed:
		logger.Warn("[EVENT] %s", Format(ev))
	default:
		logger.Info("[EVENT] %s", Format(ev))
	}
	return nil
}
