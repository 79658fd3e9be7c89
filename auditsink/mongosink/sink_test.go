package mongosink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	goVerify "github.com/MrEthical07/goVerify"
)

func sampleEvent() goVerify.AuditEvent {
	return goVerify.AuditEvent{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		EventType: "code_issued",
		SessionID: "sess-1",
		SubjectID: "user1",
		TenantID:  "0",
		Channel:   "sms",
		FromState: "initiated",
		ToState:   "code_issued",
		Success:   true,
		Metadata:  map[string]string{"destination": "***67"},
	}
}

func TestEmitInsertsDocument(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("insert", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		sink := New(mt.Coll)
		sink.Emit(context.Background(), sampleEvent())

		assert.Equal(t, uint64(1), sink.Written())
		assert.Zero(t, sink.Failures())

		started := mt.GetStartedEvent()
		require.NotNil(t, started)
		assert.Equal(t, "insert", started.CommandName)

		docs, err := started.Command.LookupErr("documents")
		require.NoError(t, err)
		values, err := docs.Array().Values()
		require.NoError(t, err)
		require.Len(t, values, 1)

		doc := values[0].Document()
		assert.Equal(t, "code_issued", doc.Lookup("event_type").StringValue())
		assert.Equal(t, "sess-1", doc.Lookup("session_id").StringValue())
		assert.Equal(t, "***67", doc.Lookup("metadata", "destination").StringValue())
		_, err = doc.LookupErr("ip")
		assert.Error(t, err)
	})
}

func TestEmitCountsWriteErrors(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("write error", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))

		core, logs := observer.New(zap.WarnLevel)
		sink := New(mt.Coll, WithLogger(zap.New(core)))
		sink.Emit(context.Background(), sampleEvent())

		assert.Zero(t, sink.Written())
		assert.Equal(t, uint64(1), sink.Failures())
		require.Equal(t, 1, logs.FilterMessage("audit insert failed").Len())
	})
}

type slowInserter struct {
	deadline time.Time
	hasDL    bool
	err      error
}

func (s *slowInserter) InsertOne(ctx context.Context, _ interface{}, _ ...*options.InsertOneOptions) (*mongo.InsertOneResult, error) {
	s.deadline, s.hasDL = ctx.Deadline()
	return &mongo.InsertOneResult{}, s.err
}

func TestEmitIgnoresCallerCancellation(t *testing.T) {
	ins := &slowInserter{}
	sink := New(ins, WithTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink.Emit(ctx, sampleEvent())

	assert.Equal(t, uint64(1), sink.Written())
	require.True(t, ins.hasDL)
	assert.WithinDuration(t, time.Now().Add(time.Second), ins.deadline, time.Second)

	ins.err = errors.New("boom")
	sink.Emit(context.Background(), sampleEvent())
	assert.Equal(t, uint64(1), sink.Failures())
}
