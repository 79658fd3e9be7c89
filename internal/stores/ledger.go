package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LedgerEntry records that a credential update with a given idempotency key
// was applied.
type LedgerEntry struct {
	SubjectID string `json:"subject_id"`
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
	AppliedAt int64  `json:"applied_at"`
	Attempts  int    `json:"attempts"`
}

// Ledger stores idempotency entries and short execution leases.
type Ledger struct {
	redis  redis.UniversalClient
	prefix string
}

func NewLedger(redisClient redis.UniversalClient, prefix string) *Ledger {
	if prefix == "" {
		prefix = "avs"
	}
	return &Ledger{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (l *Ledger) entryKey(tenantID, idempotencyKey string) string {
	return l.prefix + ":ledger:" + normalizeTenantID(tenantID) + ":" + idempotencyKey
}

func (l *Ledger) leaseKey(tenantID, sessionID string) string {
	return l.prefix + ":lease:" + normalizeTenantID(tenantID) + ":" + sessionID
}

func (l *Ledger) Lookup(ctx context.Context, tenantID, idempotencyKey string) (LedgerEntry, bool, error) {
	var entry LedgerEntry

	data, err := l.redis.Get(ctx, l.entryKey(tenantID, idempotencyKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return entry, false, nil
		}
		return entry, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return entry, false, fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
	}
	return entry, true, nil
}

func (l *Ledger) Record(ctx context.Context, tenantID, idempotencyKey string, entry LedgerEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := l.redis.Set(ctx, l.entryKey(tenantID, idempotencyKey), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// AcquireLease takes the execution lease for a session. It returns false if
// another owner holds it.
func (l *Ledger) AcquireLease(ctx context.Context, tenantID, sessionID, owner string, ttl time.Duration) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.leaseKey(tenantID, sessionID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}

// ReleaseLease drops the lease if owner still holds it.
func (l *Ledger) ReleaseLease(ctx context.Context, tenantID, sessionID, owner string) error {
	key := l.leaseKey(tenantID, sessionID)

	err := l.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Result()
		if err != nil {
			return err
		}
		if current != owner {
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
