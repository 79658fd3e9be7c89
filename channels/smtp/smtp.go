// Package smtp delivers verification messages by email through an SMTP
// relay.
package smtp

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/textproto"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	goVerify "github.com/MrEthical07/goVerify"
)

// Sender is the subset of *gomail.Dialer the adapter uses.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type Config struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromAddress string
	Subject     string
}

type Adapter struct {
	sender  Sender
	from    string
	subject string
}

var _ goVerify.ChannelAdapter = (*Adapter)(nil)

// New dials cfg.Host on every Send. Use NewWithSender to supply a pooled or
// fake sender.
func New(cfg Config) (*Adapter, error) {
	if cfg.Host == "" || cfg.Port <= 0 {
		return nil, errors.New("smtp: host and port required")
	}
	return NewWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.FromAddress, cfg.Subject)
}

func NewWithSender(sender Sender, from, subject string) (*Adapter, error) {
	if sender == nil {
		return nil, errors.New("smtp: sender required")
	}
	if _, err := mail.ParseAddress(from); err != nil {
		return nil, fmt.Errorf("smtp: from address: %w", err)
	}
	if subject == "" {
		return nil, errors.New("smtp: subject required")
	}
	return &Adapter{sender: sender, from: from, subject: subject}, nil
}

// Send writes one plain-text message. The generated Message-ID is returned
// as the receipt's ProviderID.
func (a *Adapter) Send(ctx context.Context, destination, message string) (goVerify.DeliveryReceipt, error) {
	addr, err := mail.ParseAddress(destination)
	if err != nil {
		return goVerify.DeliveryReceipt{}, fmt.Errorf("%w: %v", goVerify.ErrInvalidDestination, err)
	}
	if err := ctx.Err(); err != nil {
		return goVerify.DeliveryReceipt{}, err
	}

	id := "<" + uuid.NewString() + "@goverify>"

	m := gomail.NewMessage()
	m.SetHeader("From", a.from)
	m.SetHeader("To", addr.Address)
	m.SetHeader("Subject", a.subject)
	m.SetHeader("Message-ID", id)
	m.SetBody("text/plain", message)

	if err := a.sender.DialAndSend(m); err != nil {
		if isRecipientRejected(err) {
			return goVerify.DeliveryReceipt{}, fmt.Errorf("%w: %v", goVerify.ErrInvalidDestination, err)
		}
		return goVerify.DeliveryReceipt{}, fmt.Errorf("smtp: send: %w", err)
	}
	return goVerify.DeliveryReceipt{ProviderID: id}, nil
}

// isRecipientRejected reports permanent mailbox errors (550, 551, 553).
func isRecipientRejected(err error) bool {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return false
	}
	switch tp.Code {
	case 550, 551, 553:
		return true
	default:
		return false
	}
}
