package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SubjectIndex maps a subject to its active verification session.
type SubjectIndex struct {
	redis  redis.UniversalClient
	prefix string
}

func NewSubjectIndex(redisClient redis.UniversalClient, prefix string) *SubjectIndex {
	if prefix == "" {
		prefix = "avs"
	}
	return &SubjectIndex{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (i *SubjectIndex) key(tenantID, subjectID string) string {
	return i.prefix + ":subj:" + normalizeTenantID(tenantID) + ":" + subjectID
}

// Active returns the active session id for the subject.
func (i *SubjectIndex) Active(ctx context.Context, tenantID, subjectID string) (string, error) {
	sessionID, err := i.redis.Get(ctx, i.key(tenantID, subjectID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrRecordNotFound
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return sessionID, nil
}

// Swap points the subject at next only if it currently points at expected
// ("" meaning no active session).
func (i *SubjectIndex) Swap(ctx context.Context, tenantID, subjectID, expected, next string, ttl time.Duration) error {
	key := i.key(tenantID, subjectID)

	err := i.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != expected {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrVersionConflict):
		return ErrVersionConflict
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// Touch extends the index TTL if it still points at sessionID.
func (i *SubjectIndex) Touch(ctx context.Context, tenantID, subjectID, sessionID string, ttl time.Duration) error {
	err := i.Swap(ctx, tenantID, subjectID, sessionID, sessionID, ttl)
	if errors.Is(err, ErrVersionConflict) {
		return nil
	}
	return err
}

// Clear removes the entry if it still points at sessionID.
func (i *SubjectIndex) Clear(ctx context.Context, tenantID, subjectID, sessionID string) error {
	key := i.key(tenantID, subjectID)

	err := i.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		if current != sessionID {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil, errors.Is(err, redis.Nil), errors.Is(err, redis.TxFailedErr):
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}
