package alerting

import (
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"patient-monitor/internal/config"
)

// Message is one outbound notification email.
type Message struct {
	From    string
	To      []string
	Bcc     []string
	Subject string
	Body    string
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer sends plain-text mail through the configured SMTP relay.
type SMTPMailer struct {
	client *mail.Client
}

func NewSMTPMailer(cfg *config.Config) (*SMTPMailer, error) {
	if !cfg.MailEnabled() {
		return nil, fmt.Errorf("no SMTP host configured")
	}

	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithTimeout(cfg.SMTPTimeout),
	}
	switch {
	case cfg.SMTPSecure:
		opts = append(opts, mail.WithSSL())
	case cfg.SMTPPort == 587:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.SMTPUser != "" && cfg.SMTPPass != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPass),
		)
	}

	client, err := mail.NewClient(cfg.SMTPHost, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client for %s: %w", cfg.SMTPHost, err)
	}
	return &SMTPMailer{client: client}, nil
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	out := mail.NewMsg()
	if err := out.From(msg.From); err != nil {
		return fmt.Errorf("set from %q: %w", msg.From, err)
	}
	if len(msg.To) > 0 {
		if err := out.To(msg.To...); err != nil {
			return fmt.Errorf("set recipients: %w", err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := out.Bcc(msg.Bcc...); err != nil {
			return fmt.Errorf("set bcc recipients: %w", err)
		}
	}
	out.Subject(msg.Subject)
	out.SetBodyString(mail.TypeTextPlain, msg.Body)

	if err := m.client.DialAndSendWithContext(ctx, out); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}
