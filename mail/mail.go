// Package mail delivers notification email through the send-mail job, so a
// slow or down relay never blocks a request.
package mail

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/chenweiqiao/toutiao/dispatch"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Sender speaks SMTP to one relay. The zero-host sender logs and drops,
// which is what development setups want.
type Sender struct {
	cfg Config
	log *slog.Logger
}

func NewSender(cfg Config) *Sender {
	return &Sender{cfg: cfg, log: slog.With("source", "mail")}
}

func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if s.cfg.Host == "" {
		s.log.Info("no smtp relay configured, dropping mail", "to", to, "subject", subject)
		return nil
	}
	msg := strings.Join([]string{
		"From: " + s.cfg.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	var auth smtp.Auth
	if s.cfg.Username != "" {
		auth = smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, s.cfg.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("sending mail to %s: %w", to, err)
	}
	sent.Inc()
	return nil
}

// RegisterJobs binds the sender to the send-mail job.
func (s *Sender) RegisterJobs(reg interface {
	Register(job string, fn dispatch.HandlerFunc)
}) {
	reg.Register(dispatch.JobSendMail, func(ctx context.Context, args dispatch.Args) error {
		to, err := args.String(0)
		if err != nil {
			return err
		}
		subject, err := args.String(1)
		if err != nil {
			return err
		}
		body, err := args.String(2)
		if err != nil {
			return err
		}
		return s.Send(ctx, to, subject, body)
	})
}
