package goVerify

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/MrEthical07/goVerify/internal/audit"
)

// AuditEvent is one audited transition or rejected input. It never carries
// codes, reset tokens or credentials.
type AuditEvent = audit.Event

// AuditSink receives audit events from the engine's dispatcher goroutine.
type AuditSink = audit.Sink

type (
	NoOpSink       = audit.NoOpSink
	ChannelSink    = audit.ChannelSink
	JSONWriterSink = audit.JSONWriterSink
	// MultiSink fans each event out to every sink with its own metadata copy.
	MultiSink = audit.MultiSink
)

func NewChannelSink(buffer int) *ChannelSink {
	return audit.NewChannelSink(buffer)
}

// NewJSONWriterSink writes one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return audit.NewJSONWriterSink(w)
}

// ZapSink writes audit events as structured zap entries. Failed transitions
// are logged at warn level.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, event AuditEvent) {
	if s == nil || s.logger == nil {
		return
	}

	fields := []zap.Field{
		zap.Time("timestamp", event.Timestamp),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
	}
	optional := []struct{ key, value string }{
		{"session_id", event.SessionID},
		{"subject_id", event.SubjectID},
		{"tenant_id", event.TenantID},
		{"ip", event.IP},
		{"channel", event.Channel},
		{"from_state", event.FromState},
		{"to_state", event.ToState},
		{"outcome", event.Outcome},
		{"error", event.Error},
	}
	for _, f := range optional {
		if f.value != "" {
			fields = append(fields, zap.String(f.key, f.value))
		}
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	if event.Success {
		s.logger.Info("verification audit", fields...)
		return
	}
	s.logger.Warn("verification audit", fields...)
}
