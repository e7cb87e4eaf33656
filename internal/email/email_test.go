package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
)

func TestNewSMTPSender(t *testing.T) {
	tests := []struct {
		name        string
		cfg         SMTPConfig
		expectError bool
	}{
		{
			name:        "missing host",
			cfg:         SMTPConfig{Port: "587", Username: "user@example.com", Password: "password"},
			expectError: true,
		},
		{
			name:        "missing port",
			cfg:         SMTPConfig{Host: "smtp.example.com", Username: "user@example.com", Password: "password"},
			expectError: true,
		},
		{
			name:        "missing username",
			cfg:         SMTPConfig{Host: "smtp.example.com", Port: "587", Password: "password"},
			expectError: true,
		},
		{
			name:        "missing password",
			cfg:         SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "user@example.com"},
			expectError: true,
		},
		{
			name: "complete",
			cfg:  SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "user@example.com", Password: "password"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSMTPSender(tt.cfg)
			if tt.expectError {
				if !errors.Is(err, ErrNotConfigured) {
					t.Errorf("expected ErrNotConfigured, got %v", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestSMTPSender_Send(t *testing.T) {
	sender, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "bot@example.com", Password: "password"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		gotAddr string
		gotFrom string
		gotTo   []string
		gotMsg  string
	)
	sender.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, string(msg)
		return nil
	}

	msg := LicenseCodeMessage("licencias@statsfutbol.app", "coach@example.com", "Equipo de coach@example.com", "SF-AB12CD34")
	if err := sender.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if gotAddr != "smtp.example.com:587" {
		t.Errorf("expected smtp.example.com:587, got %s", gotAddr)
	}
	if gotFrom != "licencias@statsfutbol.app" {
		t.Errorf("expected from licencias@statsfutbol.app, got %s", gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "coach@example.com" {
		t.Errorf("unexpected recipients %v", gotTo)
	}
	if !strings.Contains(gotMsg, "SF-AB12CD34") {
		t.Error("expected message body to carry the license code")
	}
	if !strings.Contains(gotMsg, "Subject: Tu código de licencia de Stats Fútbol\r\n") {
		t.Errorf("expected subject header, got %q", gotMsg)
	}
}

func TestSMTPSender_SendError(t *testing.T) {
	sender, _ := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Port: "587", Username: "bot@example.com", Password: "password"})
	sender.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := sender.Send(context.Background(), Message{To: "coach@example.com", Subject: "hi", Text: "body"})
	if err == nil || !strings.Contains(err.Error(), "coach@example.com") {
		t.Errorf("expected wrapped send error, got %v", err)
	}
}

func TestLogSender_Send(t *testing.T) {
	if err := (LogSender{}).Send(context.Background(), Message{To: "coach@example.com"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
