package connectors

import (
	"context"
	"fmt"
	"strings"

	"techscout/internal"
	"techscout/internal/config"
	gmailconnector "techscout/internal/connectors/gmail"
	imapconnector "techscout/internal/connectors/imap"
)

// MailConnector pulls raw messages from one mailbox label or folder.
type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}

// New builds the connector for provider ("gmail" or "imap").
func New(ctx context.Context, cfg config.Config, provider string) (MailConnector, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "gmail":
		return gmailconnector.NewConnector(ctx, cfg)
	case "imap":
		return imapconnector.NewConnector(cfg)
	default:
		return nil, fmt.Errorf("unsupported mail provider: %s", provider)
	}
}
