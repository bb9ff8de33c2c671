package notify

import (
	"context"
	"log/slog"

	"github.com/devilmonastery/gatekeeper/internal/pkg/metrics"
)

// LogDispatcher writes messages to the log instead of a queue. Used for
// local development with notify.driver=log.
type LogDispatcher struct {
	log *slog.Logger
}

// NewLogDispatcher creates a dispatcher that logs each message
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{log: logger.With(slog.String("dispatcher", "log"))}
}

func (d *LogDispatcher) Enqueue(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		metrics.RecordNotification("log", string(msg.Template), err)
		return err
	}

	attrs := []any{
		slog.String("template", string(msg.Template)),
		slog.String("to", msg.To),
	}
	for k, v := range msg.Variables {
		attrs = append(attrs, slog.String("var."+k, v))
	}
	d.log.InfoContext(ctx, "notification enqueued", attrs...)

	metrics.RecordNotification("log", string(msg.Template), nil)
	return nil
}

var _ Dispatcher = (*LogDispatcher)(nil)
