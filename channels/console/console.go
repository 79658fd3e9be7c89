// Package console is a development ChannelAdapter that writes every message,
// code included, to a zap logger. Never register it in production.
package console

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	goVerify "github.com/MrEthical07/goVerify"
)

type Message struct {
	Channel     goVerify.ChannelType
	Destination string
	Body        string
}

type Adapter struct {
	channel goVerify.ChannelType
	logger  *zap.Logger
	seq     atomic.Uint64

	mu   sync.Mutex
	last map[string]Message
}

var _ goVerify.ChannelAdapter = (*Adapter)(nil)

func New(channel goVerify.ChannelType, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		channel: channel,
		logger:  logger.Named("console").With(zap.String("channel", string(channel))),
		last:    make(map[string]Message),
	}
}

func (a *Adapter) Send(ctx context.Context, destination, message string) (goVerify.DeliveryReceipt, error) {
	if destination == "" {
		return goVerify.DeliveryReceipt{}, goVerify.ErrInvalidDestination
	}
	if err := ctx.Err(); err != nil {
		return goVerify.DeliveryReceipt{}, err
	}

	id := fmt.Sprintf("console-%d", a.seq.Add(1))
	a.logger.Info("verification message",
		zap.String("id", id),
		zap.String("destination", destination),
		zap.String("body", message),
	)

	a.mu.Lock()
	a.last[destination] = Message{Channel: a.channel, Destination: destination, Body: message}
	a.mu.Unlock()

	return goVerify.DeliveryReceipt{ProviderID: id}, nil
}

// Last returns the most recent message sent to destination.
func (a *Adapter) Last(destination string) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.last[destination]
	return m, ok
}
