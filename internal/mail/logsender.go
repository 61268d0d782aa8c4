package mail

import (
	"context"

	"pseudomat.org/internal/obs"
)

// LogSender writes messages to the service log instead of delivering them.
// Used when no SendGrid key is configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, m Message) error {
	obs.Info("confirmation mail", map[string]any{
		"message_id": m.ID,
		"to":         m.To,
		"subject":    m.Subject,
		"html":       m.HTML,
	})
	return nil
}
