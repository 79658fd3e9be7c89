// Package channels groups the goVerify ChannelAdapter implementations.
//
// Each sub-package wraps one delivery provider:
//
//   - sendgrid: email through the SendGrid v3 mail API.
//   - smtp: email through any SMTP relay.
//   - telegram: "app" channel messages through a Telegram bot.
//   - console: development adapter that writes messages to a zap logger.
//
// Adapters report a rejected recipient by wrapping
// [goVerify.ErrInvalidDestination] and every other failure as a plain error,
// which the engine retries.
package channels
