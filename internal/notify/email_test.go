package notify

import (
	"errors"
	"sync"
	"testing"

	"github.com/nadmax/lancachectl/internal/logging"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockMailer struct {
	mu     sync.Mutex
	sent   []*mail.SGMailV3
	status int
	err    error
}

func (m *mockMailer) Send(email *mail.SGMailV3) (*rest.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, email)
	if m.err != nil {
		return nil, m.err
	}
	return &rest.Response{StatusCode: m.status}, nil
}

func setupTestEmailSink(m *mockMailer) *EmailSink {
	return newEmailSink(m, EmailConfig{
		FromName:    "LANCache",
		FromAddress: "lancache@example.com",
		To:          "ops@example.com",
	}, logging.Discard())
}

func TestEmailSink_SendsOnlyFailures(t *testing.T) {
	m := &mockMailer{status: 202}
	sink := setupTestEmailSink(m)

	sink.Notify(Notification{Type: "cache-clearing", Status: StatusCompleted, Message: "ok"})
	sink.Notify(Notification{
		ID:         "service-removal-op-2",
		Type:       "service-removal",
		DetailsKey: "op-2",
		Status:     StatusFailed,
		Message:    "Failed to remove steam logs: disk full",
	})
	sink.Flush()

	require.Len(t, m.sent, 1)
	email := m.sent[0]
	assert.Equal(t, "[lancache] service removal failed", email.Subject)
	assert.Equal(t, "lancache@example.com", email.From.Address)
	require.Len(t, email.Personalizations, 1)
	assert.Equal(t, "ops@example.com", email.Personalizations[0].To[0].Address)
	require.NotEmpty(t, email.Content)
	assert.Contains(t, email.Content[0].Value, "disk full")
	assert.Contains(t, email.Content[0].Value, "Operation: op-2")
}

func TestEmailSink_SendErrors(t *testing.T) {
	tests := []struct {
		name   string
		mailer *mockMailer
		errMsg string
	}{
		{name: "transport error", mailer: &mockMailer{err: errors.New("no route")}, errMsg: "failed to send email"},
		{name: "api error", mailer: &mockMailer{status: 401}, errMsg: "sendgrid error: status 401"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := setupTestEmailSink(tt.mailer)
			err := sink.send(mail.NewV3Mail())
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}
}

func TestNewEmailSink(t *testing.T) {
	sink := NewEmailSink(EmailConfig{APIKey: "SG.test", FromAddress: "a@example.com", To: "b@example.com"}, nil)
	assert.NotNil(t, sink.mailer)
	assert.NotNil(t, sink.logger)
}
