package mailer

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// LogProvider writes messages to the log instead of sending them. It is used
// when no API key is configured.
type LogProvider struct {
	Logger *slog.Logger
}

func NewLogProvider(logger *slog.Logger) *LogProvider {
	return &LogProvider{Logger: logger}
}

func (l *LogProvider) Name() string {
	return "log"
}

func (l *LogProvider) Send(msg Message) (SendResult, error) {
	id := uuid.NewString()
	names := make([]string, 0, len(msg.Attachments))
	size := 0
	for _, a := range msg.Attachments {
		names = append(names, a.Filename)
		size += len(a.Content)
	}
	l.Logger.Info("mailer: email logged (not sent)",
		"from", msg.From,
		"to", strings.Join(msg.To, ", "),
		"subject", msg.Subject,
		"text", msg.Text,
		"html_length", len(msg.HTML),
		"attachments", strings.Join(names, ", "),
		"attachment_bytes", size,
		"message_id", id,
	)
	return SendResult{ProviderMessageID: fmt.Sprintf("log-%s", id)}, nil
}
