package notify

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
)

type Mailer interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	To          string
}

// EmailSink mails failed notifications. Sends run in the background; Flush
// waits for them.
type EmailSink struct {
	mailer Mailer
	from   *mail.Email
	to     *mail.Email
	logger logrus.FieldLogger
	wg     sync.WaitGroup
}

func NewEmailSink(cfg EmailConfig, logger logrus.FieldLogger) *EmailSink {
	return newEmailSink(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func newEmailSink(mailer Mailer, cfg EmailConfig, logger logrus.FieldLogger) *EmailSink {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EmailSink{
		mailer: mailer,
		from:   mail.NewEmail(cfg.FromName, cfg.FromAddress),
		to:     mail.NewEmail("", cfg.To),
		logger: logger,
	}
}

func (s *EmailSink) Notify(n Notification) {
	if n.Status != StatusFailed {
		return
	}

	subject := fmt.Sprintf("[lancache] %s failed", strings.ReplaceAll(n.Type, "-", " "))
	body := n.Message
	if n.DetailsKey != "" {
		body += "\n\nOperation: " + n.DetailsKey
	}
	email := mail.NewSingleEmail(s.from, subject, s.to, body, body)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.send(email); err != nil {
			s.logger.WithError(err).WithField("notification", n.ID).Error("Failed to send failure email")
			return
		}
		s.logger.WithField("notification", n.ID).Info("Failure email sent")
	}()
}

func (s *EmailSink) send(email *mail.SGMailV3) error {
	response, err := s.mailer.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}
	return nil
}

func (s *EmailSink) Flush() {
	s.wg.Wait()
}
