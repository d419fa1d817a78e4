// Package sink delivers fired notifications to the places a user will see
// them.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"text/template"

	"pillminder/dbtypes"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

type Sink interface {
	Deliver(ctx context.Context, n *dbtypes.Notification) error
}

// Log writes each notification to the default slog logger.
type Log struct{}

func (Log) Deliver(ctx context.Context, n *dbtypes.Notification) error {
	slog.InfoContext(ctx, "Delivering notification",
		slog.String("title", n.Title),
		slog.String("body", n.Body),
		slog.String("medicine", n.Data["medicine"]),
		slog.String("time", n.Data["time"]),
	)
	return nil
}

// Multi delivers to every sink, at most parallelism at a time.  Every sink is
// attempted; the error joins all failures.
type Multi struct {
	sinks       []Sink
	parallelism int64
}

func NewMulti(parallelism int64, sinks ...Sink) *Multi {
	if parallelism < 1 {
		parallelism = 1
	}
	return &Multi{
		sinks:       sinks,
		parallelism: parallelism,
	}
}

func (m *Multi) Deliver(ctx context.Context, n *dbtypes.Notification) error {
	sem := semaphore.NewWeighted(m.parallelism)

	var (
		mu   sync.Mutex
		errs []error
	)
	eg := &errgroup.Group{}
	for i, s := range m.sinks {
		i, s := i, s
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("while waiting to deliver to sink %d: %w", i, err))
			mu.Unlock()
			break
		}
		eg.Go(func() error {
			defer sem.Release(1)
			if err := s.Deliver(ctx, n); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("while delivering to sink %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()

	return errors.Join(errs...)
}

const emailPlain = `
{{- .Body}}
{{- with index .Data "dosage"}}

Dosage: {{.}}
{{- end}}
{{- with index .Data "time"}}
This reminder repeats every day at {{.}}.
{{- end}}
`

var emailPlainTemplate = template.Must(template.New("email").Parse(emailPlain))

// RenderEmail returns the plain-text email body for n.
func RenderEmail(n *dbtypes.Notification) (string, error) {
	textContent := &bytes.Buffer{}
	if err := emailPlainTemplate.Execute(textContent, n); err != nil {
		return "", fmt.Errorf("while templating plain-text email content: %w", err)
	}
	return textContent.String(), nil
}

// SendGrid emails each notification to a single address.
type SendGrid struct {
	client *sendgrid.Client
	from   *mail.Email
	to     string
}

func NewSendGrid(client *sendgrid.Client, to string) *SendGrid {
	return &SendGrid{
		client: client,
		from:   mail.NewEmail("Pillminder", "reminders@pillminder.app"),
		to:     to,
	}
}

func (s *SendGrid) Deliver(ctx context.Context, n *dbtypes.Notification) error {
	message := mail.NewV3Mail()
	message.From = s.from
	message.Subject = n.Title

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail("", s.to))
	message.Personalizations = append(message.Personalizations, personalization)

	text, err := RenderEmail(n)
	if err != nil {
		return err
	}
	message.Content = append(message.Content, mail.NewContent("text/plain", text))

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through Sendgrid: %d %s", resp.StatusCode, resp.Body)
	}

	return nil
}

// TelegramSender is the part of *tgbotapi.BotAPI used by Telegram.
type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts each notification to one chat.
type Telegram struct {
	api    TelegramSender
	chatID int64
}

func NewTelegram(api TelegramSender, chatID int64) *Telegram {
	return &Telegram{
		api:    api,
		chatID: chatID,
	}
}

// TelegramText renders the chat message for n.
func TelegramText(n *dbtypes.Notification) string {
	return "💊 " + n.Title + "\n\n" + n.Body
}

func (t *Telegram) Deliver(ctx context.Context, n *dbtypes.Notification) error {
	msg := tgbotapi.NewMessage(t.chatID, TelegramText(n))
	sent, err := t.api.Send(msg)
	if err != nil {
		return fmt.Errorf("while sending telegram message to chat %d: %w", t.chatID, err)
	}
	slog.InfoContext(ctx, "Sent telegram reminder", slog.Int64("chat", t.chatID), slog.Int("messageID", sent.MessageID))
	return nil
}
