package transport

import (
	"context"
	"fmt"
	"net/mail"

	"github.com/caarlos0/env/v6"
	"github.com/resend/resend-go/v3"
)

// ResendConfig holds the provider credentials. They come from the environment
// rather than CLI flags so they stay out of process listings.
type ResendConfig struct {
	APIKey    string `env:"SKICKA_RESEND_API_KEY"`
	FromEmail string `env:"SKICKA_FROM_EMAIL"`
	FromName  string `env:"SKICKA_FROM_NAME"`
}

func ResendConfigFromEnv() (ResendConfig, error) {
	var cfg ResendConfig
	err := env.Parse(&cfg)
	if err != nil {
		return cfg, fmt.Errorf("could not parse resend config from env, %w", err)
	}
	return cfg, nil
}

// Resend delivers through the Resend HTTPS API. It never retries and never
// touches queue or tenant state.
type Resend struct {
	client *resend.Client
	cfg    ResendConfig
}

func NewResend(cfg ResendConfig) *Resend {
	return &Resend{
		client: resend.NewClient(cfg.APIKey),
		cfg:    cfg,
	}
}

func (r *Resend) Ready() bool {
	if r.cfg.APIKey == "" {
		return false
	}
	_, err := mail.ParseAddress(r.cfg.FromEmail)
	return err == nil
}

func (r *Resend) Send(ctx context.Context, msg *Message) (string, error) {
	req := &resend.SendEmailRequest{
		From:    fromHeader(r.cfg, msg.FromName),
		To:      []string{msg.To},
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
	}

	sent, err := r.client.Emails.SendWithContext(ctx, req)
	if err != nil {
		return "", &Error{Provider: "resend", Err: err}
	}
	return sent.Id, nil
}

// fromHeader builds the From header, letting a per-email display name
// override the configured default.
func fromHeader(cfg ResendConfig, displayName string) string {
	name := displayName
	if name == "" {
		name = cfg.FromName
	}
	if name == "" {
		return cfg.FromEmail
	}
	return fmt.Sprintf("%s <%s>", name, cfg.FromEmail)
}
