package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"academy/internal/queue"
)

// Handler processes one decoded audit event.
type Handler func(ctx context.Context, e Event) error

// Drain consumes audit messages until ctx ends or the queue closes, calling
// handle for each. Handler errors are logged and do not stop the loop.
func Drain(ctx context.Context, q queue.Queue, log *logrus.Entry, handle Handler) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		if msg.Type != MessageType {
			log.WithField("type", msg.Type).Debug("skipping non-audit message")
			continue
		}
		e, err := Decode(msg)
		if err != nil {
			log.WithError(err).Warn("undecodable audit message")
			continue
		}
		if err := handle(ctx, e); err != nil {
			log.WithError(err).WithField("event", e.Name).Error("audit handler failed")
		}
	}
	return ctx.Err()
}
