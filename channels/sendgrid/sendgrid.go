// Package sendgrid delivers verification messages by email through the
// SendGrid v3 mail API.
package sendgrid

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strings"

	"github.com/sendgrid/rest"
	sg "github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	goVerify "github.com/MrEthical07/goVerify"
)

const sendPath = "/v3/mail/send"

// Config configures an Adapter. APIKey, FromAddress and Subject are
// required.
type Config struct {
	APIKey      string
	FromName    string
	FromAddress string
	Subject     string
	// Host overrides https://api.sendgrid.com, for regional endpoints and tests.
	Host string
}

type Adapter struct {
	request rest.Request
	from    *sgmail.Email
	subj    string
}

var _ goVerify.ChannelAdapter = (*Adapter)(nil)

func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("sendgrid: api key required")
	}
	if _, err := mail.ParseAddress(cfg.FromAddress); err != nil {
		return nil, fmt.Errorf("sendgrid: from address: %w", err)
	}
	if cfg.Subject == "" {
		return nil, errors.New("sendgrid: subject required")
	}

	request := sg.GetRequest(cfg.APIKey, sendPath, strings.TrimRight(cfg.Host, "/"))
	request.Method = rest.Post
	return &Adapter{
		request: request,
		from:    sgmail.NewEmail(cfg.FromName, cfg.FromAddress),
		subj:    cfg.Subject,
	}, nil
}

// Send posts a plain-text message to destination. The SendGrid message id
// becomes the receipt's ProviderID.
func (a *Adapter) Send(ctx context.Context, destination, message string) (goVerify.DeliveryReceipt, error) {
	addr, err := mail.ParseAddress(destination)
	if err != nil {
		return goVerify.DeliveryReceipt{}, fmt.Errorf("%w: %v", goVerify.ErrInvalidDestination, err)
	}

	to := sgmail.NewEmail(addr.Name, addr.Address)
	msg := sgmail.NewSingleEmail(a.from, a.subj, to, message, "")

	// Each send gets its own copy; the template is shared across goroutines.
	req := a.request
	req.Body = sgmail.GetRequestBody(msg)
	resp, err := sg.MakeRequestWithContext(ctx, req)
	if err != nil {
		return goVerify.DeliveryReceipt{}, fmt.Errorf("sendgrid: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return goVerify.DeliveryReceipt{ProviderID: messageID(resp.Headers)}, nil
	case resp.StatusCode == http.StatusBadRequest:
		// 400 is SendGrid's answer for malformed or suppressed recipients.
		return goVerify.DeliveryReceipt{}, fmt.Errorf("%w: sendgrid rejected recipient: %s", goVerify.ErrInvalidDestination, trimBody(resp.Body))
	default:
		return goVerify.DeliveryReceipt{}, fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, trimBody(resp.Body))
	}
}

func messageID(headers map[string][]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "X-Message-Id") && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func trimBody(body string) string {
	const max = 256
	body = strings.TrimSpace(body)
	if len(body) > max {
		return body[:max]
	}
	return body
}
