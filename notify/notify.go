// Package notify tells waiting-list members that a seat was freed.
//
// The Dispatcher implements studio.SeatObserver. Delivery runs in the
// background with bounded fan-out; failures are logged and never reach the
// engine.
package notify

import (
	"context"
	"fmt"
	"mime"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/studio-engine/studio"
)

// =============================================================================
// MAILER
// =============================================================================

type Message struct {
	To      studio.Recipient
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type SMTPConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string
}

// SMTPMailer sends plain-text mail. Without credentials it only logs the
// message, which is the development setup.
type SMTPMailer struct {
	config SMTPConfig
	logger zerolog.Logger
}

func NewSMTPMailer(config SMTPConfig, logger zerolog.Logger) *SMTPMailer {
	return &SMTPMailer{config: config, logger: logger}
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if m.config.Host == "" || m.config.Username == "" || m.config.Password == "" {
		m.logger.Info().
			Str("to", msg.To.Email).
			Str("subject", msg.Subject).
			Msg("SMTP not configured, seat-freed notification logged only")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := m.config.Host + ":" + strconv.Itoa(m.config.Port)
	auth := smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Host)
	if err := smtp.SendMail(addr, auth, m.config.FromEmail, []string{msg.To.Email}, m.Render(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To.Email, err)
	}
	return nil
}

// Render builds the message. Header values never carry CR or LF, and
// non-ASCII display names and subjects are RFC 2047 encoded.
func (m *SMTPMailer) Render(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", address(m.config.FromName, m.config.FromEmail))
	fmt.Fprintf(&b, "To: %s\r\n", address(msg.To.Name, msg.To.Email))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", headerSafe(msg.Subject)))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(msg.Body)
	return []byte(b.String())
}

func address(name, email string) string {
	a := mail.Address{Name: headerSafe(name), Address: headerSafe(email)}
	return a.String()
}

var headerBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func headerSafe(s string) string {
	return strings.TrimSpace(headerBreaks.Replace(s))
}

// =============================================================================
// DISPATCHER
// =============================================================================

const (
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
)

type Dispatcher struct {
	mailer      Mailer
	logger      zerolog.Logger
	concurrency int
	timeout     time.Duration
	wg          sync.WaitGroup
}

var _ studio.SeatObserver = (*Dispatcher)(nil)

func NewDispatcher(mailer Mailer, logger zerolog.Logger, concurrency int, timeout time.Duration) *Dispatcher {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{mailer: mailer, logger: logger, concurrency: concurrency, timeout: timeout}
}

// SeatFreed returns immediately; mail goes out in the background.
func (d *Dispatcher) SeatFreed(ctx context.Context, ev studio.SeatFreedEvent) {
	if len(ev.Recipients) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(d.concurrency)
		for _, r := range ev.Recipients {
			msg := BuildSeatFreedMessage(ev, r)
			g.Go(func() error {
				if err := d.mailer.Send(ctx, msg); err != nil {
					d.logger.Error().Err(err).
						Str("instance", string(ev.Key)).
						Str("to", msg.To.Email).
						Msg("seat-freed notification failed")
				}
				return nil
			})
		}
		_ = g.Wait()
		d.logger.Debug().Str("instance", string(ev.Key)).Int("recipients", len(ev.Recipients)).Msg("seat-freed notifications sent")
	}()
}

// Wait blocks until every queued delivery finished. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func BuildSeatFreedMessage(ev studio.SeatFreedEvent, to studio.Recipient) Message {
	name := to.Name
	if name == "" {
		name = to.Email
	}
	return Message{
		To:      to,
		Subject: fmt.Sprintf("A seat is free: %s on %s", ev.SessionName, ev.Date),
		Body: fmt.Sprintf("Hello %s,\r\n\r\nA seat just opened up in %s on %s. "+
			"You are on the waiting list; book now to take it.\r\n", name, ev.SessionName, ev.Date),
	}
}
