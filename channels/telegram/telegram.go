// Package telegram delivers "app" channel verification messages through a
// Telegram bot. Destinations are numeric chat ids.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	goVerify "github.com/MrEthical07/goVerify"
)

type Config struct {
	Token string
	// Endpoint overrides tgbotapi.APIEndpoint. It must contain two %s verbs
	// for the token and the method.
	Endpoint   string
	HTTPClient *http.Client
}

type Adapter struct {
	bot *tgbotapi.BotAPI
}

var _ goVerify.ChannelAdapter = (*Adapter)(nil)

// New authenticates the bot with getMe.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram: bot token required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Adapter{bot: bot}, nil
}

// Username is the authenticated bot's handle.
func (a *Adapter) Username() string {
	return a.bot.Self.UserName
}

// Send posts message to the chat id in destination. Telegram gives no way
// to cancel an in-flight request, so ctx is checked only before sending.
func (a *Adapter) Send(ctx context.Context, destination, message string) (goVerify.DeliveryReceipt, error) {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil || chatID == 0 {
		return goVerify.DeliveryReceipt{}, fmt.Errorf("%w: chat id %q", goVerify.ErrInvalidDestination, destination)
	}
	if err := ctx.Err(); err != nil {
		return goVerify.DeliveryReceipt{}, err
	}

	msg := tgbotapi.NewMessage(chatID, message)
	msg.DisableWebPagePreview = true

	sent, err := a.bot.Send(msg)
	if err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && isRecipientError(apiErr.Code) {
			return goVerify.DeliveryReceipt{}, fmt.Errorf("%w: %s", goVerify.ErrInvalidDestination, apiErr.Message)
		}
		return goVerify.DeliveryReceipt{}, fmt.Errorf("telegram: send: %w", err)
	}
	return goVerify.DeliveryReceipt{ProviderID: strconv.Itoa(sent.MessageID)}, nil
}

// 400 is "chat not found", 403 is a user who blocked the bot.
func isRecipientError(code int) bool {
	return code == http.StatusBadRequest || code == http.StatusForbidden
}
