// Package notify delivers out-of-band events to buyers: fulfilled
// preorders, expired orders, refunds. Delivery is best effort and never
// blocks the workflow that triggered it.
package notify

import (
	"context"
	"log/slog"
)

type Notifier interface {
	Notify(ctx context.Context, userID, message string)
}

// LogNotifier records notifications in the service log. It stands in
// wherever no chat transport is configured.
type LogNotifier struct {
	log *slog.Logger
}

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, userID, message string) {
	n.log.Info("user notification", "user_id", userID, "message", message)
}
