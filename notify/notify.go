// Package notify provides Notifier implementations for guardian and owner events.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/ruteri/seedless-recovery-backend/interfaces"
)

// LogNotifier records notifications as structured log lines. Payload values
// listed in redact are replaced before logging.
type LogNotifier struct {
	log    *slog.Logger
	redact map[string]bool
}

// RedactedKeys are the payload keys carrying bearer tokens for the recipient.
var RedactedKeys = []string{"token", "disputeToken"}

// NewLogNotifier creates a notifier writing to log. Payload keys in redact
// (for example tokens delivered to a recipient) are never written out.
func NewLogNotifier(log *slog.Logger, redact ...string) *LogNotifier {
	r := make(map[string]bool, len(redact))
	for _, key := range redact {
		r[key] = true
	}
	return &LogNotifier{log: log, redact: r}
}

func (n *LogNotifier) Notify(ctx context.Context, msg interfaces.Notification) error {
	attrs := []any{
		"kind", string(msg.Kind),
		"userID", msg.UserID,
		"recipient", msg.Recipient,
	}

	keys := make([]string, 0, len(msg.Payload))
	for key := range msg.Payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := msg.Payload[key]
		if n.redact[key] {
			value = "[redacted]"
		}
		attrs = append(attrs, "payload."+key, value)
	}

	n.log.InfoContext(ctx, "Notification", attrs...)
	return nil
}

// Multi delivers every notification to each of its notifiers and joins their errors.
type Multi []interfaces.Notifier

func (m Multi) Notify(ctx context.Context, msg interfaces.Notification) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(context.Context, interfaces.Notification) error { return nil }

// Send delivers msg and logs a failure at Warn. Notification failures never
// propagate to the caller's operation.
func Send(ctx context.Context, log *slog.Logger, n interfaces.Notifier, msg interfaces.Notification) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, msg); err != nil {
		log.Warn("Failed to deliver notification", "kind", string(msg.Kind), "userID", msg.UserID, "err", err)
	}
}
