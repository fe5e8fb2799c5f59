package notify

import (
	"context"
	"log/slog"

	"distressguard/internal/model"
)

// Log writes alerts to the process log. It never fails.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, alert model.Alert) error {
	names := make([]string, 0, len(alert.Recipients))
	for _, c := range alert.Recipients {
		names = append(names, c.Name)
	}
	l.logger.Warn("emergency alert",
		"alert_id", alert.ID,
		"cause", alert.Cause,
		"keyword", alert.Keyword,
		"test", alert.Test,
		"recipients", names,
		"message", Render(alert),
	)
	return nil
}
