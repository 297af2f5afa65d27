package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/jhillyerd/enmime"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"techscout/internal"
	"techscout/internal/config"
	"techscout/internal/util"
)

const provider = "gmail"

type Connector struct {
	service *gmail.Service
	query   string
}

func NewConnector(ctx context.Context, cfg config.Config) (*Connector, error) {
	if err := cfg.Require("GMAIL_CLIENT_ID", cfg.GmailClientID); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_CLIENT_SECRET", cfg.GmailClientSecret); err != nil {
		return nil, err
	}
	if err := cfg.Require("GMAIL_REFRESH_TOKEN", cfg.GmailRefreshToken); err != nil {
		return nil, err
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.GmailClientID,
		ClientSecret: cfg.GmailClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.GmailRedirectURI,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}
	tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.GmailRefreshToken})
	svc, err := gmail.NewService(ctx, option.WithTokenSource(tokenSource))
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}

	c := &Connector{service: svc}
	if cfg.MailSubjectFilter != "" {
		c.query = fmt.Sprintf("subject:(%s)", cfg.MailSubjectFilter)
	}
	return c, nil
}

func (c *Connector) FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error) {
	call := c.service.Users.Messages.List("me").LabelIds(label).MaxResults(int64(max)).Context(ctx)
	if c.query != "" {
		call = call.Q(c.query)
	}
	listResp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("list gmail messages: %w", err)
	}

	out := make([]internal.FetchedMailMessage, 0, len(listResp.Messages))
	for _, ref := range listResp.Messages {
		if ref.Id == "" {
			continue
		}
		rawResp, err := c.service.Users.Messages.Get("me", ref.Id).Format("raw").Context(ctx).Do()
		if err != nil {
			return nil, fmt.Errorf("get gmail message %s: %w", ref.Id, err)
		}
		if rawResp.Raw == "" {
			continue
		}
		raw, err := decodeBase64URL(rawResp.Raw)
		if err != nil {
			return nil, err
		}
		out = append(out, describe(ref.Id, raw))
	}
	return out, nil
}

// describe reads the headers of a raw message. Missing Message-ID falls back
// to the Gmail id.
func describe(gmailID string, raw []byte) internal.FetchedMailMessage {
	msg := internal.FetchedMailMessage{Provider: provider, MessageID: gmailID, Raw: raw}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		msg.ReceivedAt = time.Now().UTC().Format(time.RFC3339)
		return msg
	}
	if id := env.GetHeader("Message-ID"); id != "" {
		msg.MessageID = id
	}
	msg.Subject = env.GetHeader("Subject")
	msg.From = env.GetHeader("From")
	msg.ReceivedAt = util.MailReceivedAt(env.GetHeader("Date"), time.Now())
	return msg
}

func decodeBase64URL(input string) ([]byte, error) {
	if decoded, err := base64.RawURLEncoding.DecodeString(input); err == nil {
		return decoded, nil
	}
	decoded, err := base64.URLEncoding.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("decode gmail raw payload: %w", err)
	}
	return decoded, nil
}
