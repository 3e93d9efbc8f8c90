package dispatch

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

type GmailConfig struct {
	// CredentialsJSON is a service account key with domain-wide delegation.
	CredentialsJSON string
	// ClientID, ClientSecret and RefreshToken authorise a single mailbox
	// when no service account is configured.
	ClientID     string
	ClientSecret string
	RefreshToken string
	// Sender is the mailbox messages are sent as.
	Sender string
}

// GmailTransport delivers mail through the Gmail API.
type GmailTransport struct {
	service *gmail.Service
	now     func() time.Time
}

func NewGmailTransport(ctx context.Context, cfg GmailConfig, opts ...option.ClientOption) (*GmailTransport, error) {
	if cfg.Sender == "" {
		return nil, fmt.Errorf("gmail: sender address is required")
	}

	switch {
	case cfg.CredentialsJSON != "":
		jwtConfig, err := google.JWTConfigFromJSON([]byte(cfg.CredentialsJSON), gmail.GmailSendScope)
		if err != nil {
			return nil, fmt.Errorf("gmail: parse credentials: %w", err)
		}
		jwtConfig.Subject = cfg.Sender
		opts = append(opts, option.WithHTTPClient(jwtConfig.Client(ctx)))
	case cfg.RefreshToken != "":
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{gmail.GmailSendScope},
		}
		opts = append(opts, option.WithHTTPClient(oauthCfg.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})))
	}

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail: create service: %w", err)
	}
	return &GmailTransport{service: svc, now: time.Now}, nil
}

func (t *GmailTransport) Name() string { return "gmail" }

func (t *GmailTransport) Deliver(ctx context.Context, m Mail) error {
	raw, err := buildMIME(m, t.now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if _, err := t.service.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("gmail: send: %w", err)
	}
	return nil
}
