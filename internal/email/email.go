package email

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"statsfutbol.app/cloud/internal/logger"
)

// Sender sends transactional emails.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type Message struct {
	From    string
	To      string
	Subject string
	Text    string
}

var ErrNotConfigured = errors.New("SMTP configuration missing")

type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
}

// SMTPSender delivers mail with PLAIN auth against a submission server.
type SMTPSender struct {
	cfg      SMTPConfig
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	if cfg.Host == "" || cfg.Port == "" || cfg.Username == "" || cfg.Password == "" {
		logger.Error("SMTP configuration missing")
		return nil, ErrNotConfigured
	}
	return &SMTPSender{cfg: cfg, sendMail: smtp.SendMail}, nil
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	from := msg.From
	if from == "" {
		from = s.cfg.Username
	}

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
	if err := s.sendMail(addr, auth, from, []string{msg.To}, buildMessage(from, msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

func buildMessage(from string, msg Message) []byte {
	return []byte(fmt.Sprintf("From: %s\r\n"+
		"To: %s\r\n"+
		"Subject: %s\r\n"+
		"MIME-Version: 1.0\r\n"+
		"Content-Type: text/plain; charset=UTF-8\r\n"+
		"\r\n"+
		"%s\r\n", from, msg.To, msg.Subject, strings.ReplaceAll(msg.Text, "\n", "\r\n")))
}

// LogSender logs emails instead of sending them. Used when SMTP is not configured.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	logger.Info("Email not sent, SMTP disabled", map[string]interface{}{
		"to":      msg.To,
		"subject": msg.Subject,
	})
	return nil
}

// LicenseCodeMessage is sent to the purchaser when a new license is created.
func LicenseCodeMessage(from, to, licenseName, code string) Message {
	text := fmt.Sprintf(`¡Gracias por tu compra!

Tu licencia "%s" ya está activa.

Comparte este código con tu cuerpo técnico para que se unan al equipo:

    %s

Cada miembro debe introducir el código en la pantalla de activación de Stats Fútbol.
`, licenseName, code)

	return Message{
		From:    from,
		To:      to,
		Subject: "Tu código de licencia de Stats Fútbol",
		Text:    text,
	}
}
