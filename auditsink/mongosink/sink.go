// Package mongosink appends goVerify audit events to a MongoDB collection.
//
// The collection is append-only from the engine's point of view: the sink
// only ever calls InsertOne. Write failures are counted and logged, never
// returned, because audit emission must not change a verification outcome.
package mongosink

import (
	"context"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	goVerify "github.com/MrEthical07/goVerify"
)

// Inserter is satisfied by *mongo.Collection.
type Inserter interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

type Sink struct {
	coll     Inserter
	timeout  time.Duration
	logger   *zap.Logger
	written  atomic.Uint64
	failures atomic.Uint64
}

var _ goVerify.AuditSink = (*Sink)(nil)

type Option func(*Sink)

// WithTimeout bounds each InsertOne. The default is 2s.
func WithTimeout(d time.Duration) Option {
	return func(s *Sink) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(coll Inserter, opts ...Option) *Sink {
	s := &Sink{coll: coll, timeout: 2 * time.Second, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Emit writes event. The caller's cancellation is ignored so events emitted
// at the end of a request still land; the sink timeout still applies.
func (s *Sink) Emit(ctx context.Context, event goVerify.AuditEvent) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if _, err := s.coll.InsertOne(writeCtx, event); err != nil {
		s.failures.Add(1)
		s.logger.Warn("audit insert failed",
			zap.String("event_type", event.EventType),
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
		return
	}
	s.written.Add(1)
}

func (s *Sink) Written() uint64  { return s.written.Load() }
func (s *Sink) Failures() uint64 { return s.failures.Load() }

// EnsureIndexes creates the session lookup index and, when retention is
// positive, a TTL index on timestamp.
func EnsureIndexes(ctx context.Context, coll *mongo.Collection, retention time.Duration) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("session_timeline"),
		},
	}
	if retention > 0 {
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("retention").SetExpireAfterSeconds(int32(retention / time.Second)),
		})
	}
	_, err := coll.Indexes().CreateMany(ctx, models)
	return err
}
