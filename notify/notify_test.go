package notify_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/studio-engine/notify"
	"github.com/warp/studio-engine/studio"
)

type fakeMailer struct {
	mu   sync.Mutex
	sent []notify.Message
	fail map[string]bool
}

func (f *fakeMailer) Send(_ context.Context, msg notify.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[msg.To.Email] {
		return errors.New("mailbox unavailable")
	}
	f.sent = append(f.sent, msg)
	return nil
}

func event() studio.SeatFreedEvent {
	return studio.SeatFreedEvent{
		Key:            "2025-03-03_mon-yoga",
		SessionName:    "Yoga",
		Date:           studio.MustParseDate("2025-03-03"),
		OccupiedBefore: 10,
		OccupiedAfter:  9,
		Recipients: []studio.Recipient{
			{Email: "chloe@example.org", Name: "Chloé Caron"},
			{Email: "david@example.org", Name: "David Dupont"},
			{Email: "emma@example.org"},
		},
	}
}

func TestDispatcher_SendsToEveryRecipient(t *testing.T) {
	mailer := &fakeMailer{}
	d := notify.NewDispatcher(mailer, zerolog.Nop(), 2, time.Second)

	d.SeatFreed(context.Background(), event())
	d.Wait()

	require.Len(t, mailer.sent, 3)
	emails := make([]string, 0, 3)
	for _, m := range mailer.sent {
		emails = append(emails, m.To.Email)
		assert.Equal(t, "A seat is free: Yoga on 2025-03-03", m.Subject)
	}
	assert.ElementsMatch(t, []string{"chloe@example.org", "david@example.org", "emma@example.org"}, emails)
}

func TestDispatcher_FailuresDoNotStopOthers(t *testing.T) {
	mailer := &fakeMailer{fail: map[string]bool{"david@example.org": true}}
	d := notify.NewDispatcher(mailer, zerolog.Nop(), 0, 0)

	d.SeatFreed(context.Background(), event())
	d.Wait()

	assert.Len(t, mailer.sent, 2)
}

func TestDispatcher_SurvivesCancelledCaller(t *testing.T) {
	mailer := &fakeMailer{}
	d := notify.NewDispatcher(mailer, zerolog.Nop(), 1, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	d.SeatFreed(context.WithoutCancel(ctx), event())
	cancel()
	d.Wait()

	assert.Len(t, mailer.sent, 3)
}

func TestDispatcher_NoRecipientsNoWork(t *testing.T) {
	mailer := &fakeMailer{}
	d := notify.NewDispatcher(mailer, zerolog.Nop(), 1, time.Second)

	ev := event()
	ev.Recipients = nil
	d.SeatFreed(context.Background(), ev)
	d.Wait()

	assert.Empty(t, mailer.sent)
}

func TestBuildSeatFreedMessage_FallsBackToEmail(t *testing.T) {
	msg := notify.BuildSeatFreedMessage(event(), studio.Recipient{Email: "emma@example.org"})

	assert.Contains(t, msg.Body, "Hello emma@example.org,")
	assert.Contains(t, msg.Body, "Yoga on 2025-03-03")
}

func TestSMTPMailer_UnconfiguredOnlyLogs(t *testing.T) {
	m := notify.NewSMTPMailer(notify.SMTPConfig{}, zerolog.Nop())

	err := m.Send(context.Background(), notify.BuildSeatFreedMessage(event(), event().Recipients[0]))

	assert.NoError(t, err)
}

func TestSMTPMailer_RenderKeepsHeadersOnOneLine(t *testing.T) {
	m := notify.NewSMTPMailer(notify.SMTPConfig{FromName: "Studio", FromEmail: "no-reply@studio.local"}, zerolog.Nop())
	ev := event()
	ev.SessionName = "Yoga\r\nX-Injected: 1"

	tests := []struct {
		name string
		to   studio.Recipient
	}{
		{"crlf in name", studio.Recipient{Name: "Eve\r\nBcc: attacker@example.org", Email: "eve@example.org"}},
		{"bare lf in name", studio.Recipient{Name: "Eve\nBcc: attacker@example.org", Email: "eve@example.org"}},
		{"crlf in address", studio.Recipient{Name: "Eve", Email: "eve@example.org\r\nBcc: attacker@example.org"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := string(m.Render(notify.BuildSeatFreedMessage(ev, tt.to)))

			head, _, found := strings.Cut(raw, "\r\n\r\n")
			require.True(t, found)
			lines := strings.Split(head, "\r\n")
			assert.Len(t, lines, 5)
			for _, line := range lines {
				assert.NotContains(t, line, "\n")
				assert.False(t, strings.HasPrefix(line, "Bcc:"), line)
				assert.False(t, strings.HasPrefix(line, "X-Injected:"), line)
			}
		})
	}
}

func TestSMTPMailer_RenderEncodesDisplayNames(t *testing.T) {
	m := notify.NewSMTPMailer(notify.SMTPConfig{FromName: "Studio", FromEmail: "no-reply@studio.local"}, zerolog.Nop())

	raw := string(m.Render(notify.Message{
		To:      studio.Recipient{Name: "Chloé Caron", Email: "chloe@example.org"},
		Subject: "Séance libre",
		Body:    "Bonjour",
	}))

	assert.Contains(t, raw, "From: \"Studio\" <no-reply@studio.local>\r\n")
	assert.Contains(t, raw, "To: =?utf-8?q?Chlo=C3=A9_Caron?= <chloe@example.org>\r\n")
	assert.Contains(t, raw, "Subject: =?utf-8?q?S=C3=A9ance_libre?=\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nBonjour"))
}
