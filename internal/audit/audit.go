package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Event is the canonical audit record. One is emitted per state transition
// and per rejected input. It never carries codes, tokens or credentials.
type Event struct {
	Timestamp time.Time         `json:"timestamp" bson:"timestamp"`
	EventType string            `json:"event_type" bson:"event_type"`
	SessionID string            `json:"session_id,omitempty" bson:"session_id,omitempty"`
	SubjectID string            `json:"subject_id,omitempty" bson:"subject_id,omitempty"`
	TenantID  string            `json:"tenant_id,omitempty" bson:"tenant_id,omitempty"`
	IP        string            `json:"ip,omitempty" bson:"ip,omitempty"`
	Channel   string            `json:"channel,omitempty" bson:"channel,omitempty"`
	FromState string            `json:"from_state,omitempty" bson:"from_state,omitempty"`
	ToState   string            `json:"to_state,omitempty" bson:"to_state,omitempty"`
	Outcome   string            `json:"outcome,omitempty" bson:"outcome,omitempty"`
	Success   bool              `json:"success" bson:"success"`
	Error     string            `json:"error,omitempty" bson:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// MultiSink fans every event out to each sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, sink := range m {
		if sink == nil {
			continue
		}
		// Sinks may mutate metadata; give each its own copy.
		e := event
		if event.Metadata != nil {
			e.Metadata = make(map[string]string, len(event.Metadata))
			for k, v := range event.Metadata {
				e.Metadata[k] = v
			}
		}
		sink.Emit(ctx, e)
	}
}
