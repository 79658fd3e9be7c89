package stores

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionRecordVersionV1 = 1
	maxMutateRetries       = 4
)

var (
	ErrRecordNotFound   = errors.New("verification record not found")
	ErrVersionConflict  = errors.New("verification record version conflict")
	ErrStoreUnavailable = errors.New("verification store unavailable")
	ErrRecordCorrupt    = errors.New("verification record corrupt")
	// ErrSkipWrite tells Mutate to leave the stored record untouched.
	ErrSkipWrite = errors.New("skip write")
)

// SessionRecord is the persisted form of a verification session. Times are
// unix milliseconds; zero hashes mean "no live secret".
type SessionRecord struct {
	Version             uint64
	State               uint8
	Channel             string
	SubjectID           string
	MaskedDestination   string
	CodeSalt            [16]byte
	CodeHash            [32]byte
	CodeExpiresAt       int64
	CodeAttempts        uint16
	CodesIssued         uint16
	ResetTokenHash      [32]byte
	ResetTokenExpiresAt int64
	CredentialHash      string
	ClosedReason        string
	CreatedAt           int64
	UpdatedAt           int64
}

// Clone returns a deep copy.
func (r *SessionRecord) Clone() *SessionRecord {
	if r == nil {
		return nil
	}
	out := *r
	return &out
}

type SessionStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewSessionStore(redisClient redis.UniversalClient, prefix string) *SessionStore {
	if prefix == "" {
		prefix = "avs"
	}
	return &SessionStore{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *SessionStore) key(tenantID, sessionID string) string {
	return s.prefix + ":" + normalizeTenantID(tenantID) + ":" + sessionID
}

// Put writes the record unconditionally. A zero version is promoted to 1.
func (s *SessionStore) Put(ctx context.Context, tenantID, sessionID string, record *SessionRecord, ttl time.Duration) error {
	if record.Version == 0 {
		record.Version = 1
	}
	encoded, err := encodeSessionRecord(record)
	if err != nil {
		return err
	}

	if err := s.redis.Set(ctx, s.key(tenantID, sessionID), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	return nil
}

func (s *SessionStore) Get(ctx context.Context, tenantID, sessionID string) (*SessionRecord, error) {
	data, err := s.redis.Get(ctx, s.key(tenantID, sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	record, err := decodeSessionRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
	}
	return record, nil
}

func (s *SessionStore) Delete(ctx context.Context, tenantID, sessionID string) error {
	if err := s.redis.Del(ctx, s.key(tenantID, sessionID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// CompareAndSwap replaces the record only if the stored version equals
// expectedVersion. On success next.Version is expectedVersion+1. A ttl <= 0
// deletes the record instead of writing it.
func (s *SessionStore) CompareAndSwap(
	ctx context.Context,
	tenantID, sessionID string,
	expectedVersion uint64,
	next *SessionRecord,
	ttl time.Duration,
) error {
	key := s.key(tenantID, sessionID)

	candidate := next.Clone()
	candidate.Version = expectedVersion + 1
	encoded, err := encodeSessionRecord(candidate)
	if err != nil {
		return err
	}

	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			return err
		}

		current, err := decodeSessionRecord(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
		}
		if current.Version != expectedVersion {
			return ErrVersionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ttl <= 0 {
				pipe.Del(ctx, key)
				return nil
			}
			pipe.Set(ctx, key, encoded, ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		next.Version = candidate.Version
		return nil
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, ErrVersionConflict):
		return ErrVersionConflict
	case errors.Is(err, redis.Nil):
		return ErrRecordNotFound
	case errors.Is(err, ErrRecordCorrupt):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

// Mutate reads the record, applies fn to a copy and writes it back with
// CompareAndSwap, retrying on version conflicts. fn returns the TTL for the
// written record. If fn returns ErrSkipWrite the stored record is left as is
// and returned; any other error aborts without writing.
func (s *SessionStore) Mutate(
	ctx context.Context,
	tenantID, sessionID string,
	fn func(*SessionRecord) (time.Duration, error),
) (*SessionRecord, error) {
	for i := 0; i < maxMutateRetries; i++ {
		current, err := s.Get(ctx, tenantID, sessionID)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		ttl, err := fn(next)
		if err != nil {
			if errors.Is(err, ErrSkipWrite) {
				return current, nil
			}
			return current, err
		}

		err = s.CompareAndSwap(ctx, tenantID, sessionID, current.Version, next, ttl)
		if errors.Is(err, ErrVersionConflict) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, ctxErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		return next, nil
	}

	return nil, ErrVersionConflict
}

func encodeSessionRecord(record *SessionRecord) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteByte(sessionRecordVersionV1)
	buf.WriteByte(record.State)

	for _, v := range []any{
		record.Version,
		record.CodeAttempts,
		record.CodesIssued,
		record.CodeExpiresAt,
		record.ResetTokenExpiresAt,
		record.CreatedAt,
		record.UpdatedAt,
	} {
		if err := binary.Write(&buf, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	for _, str := range []string{
		record.Channel,
		record.SubjectID,
		record.MaskedDestination,
		record.CredentialHash,
		record.ClosedReason,
	} {
		if err := writeString(&buf, str); err != nil {
			return nil, err
		}
	}

	buf.Write(record.CodeSalt[:])
	buf.Write(record.CodeHash[:])
	buf.Write(record.ResetTokenHash[:])

	return buf.Bytes(), nil
}

func decodeSessionRecord(data []byte) (*SessionRecord, error) {
	reader := bytes.NewReader(data)

	version, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != sessionRecordVersionV1 {
		return nil, errors.New("invalid session record version")
	}

	state, err := reader.ReadByte()
	if err != nil {
		return nil, err
	}

	record := &SessionRecord{State: state}

	for _, v := range []any{
		&record.Version,
		&record.CodeAttempts,
		&record.CodesIssued,
		&record.CodeExpiresAt,
		&record.ResetTokenExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	} {
		if err := binary.Read(reader, binary.BigEndian, v); err != nil {
			return nil, err
		}
	}

	for _, dst := range []*string{
		&record.Channel,
		&record.SubjectID,
		&record.MaskedDestination,
		&record.CredentialHash,
		&record.ClosedReason,
	} {
		str, err := readString(reader)
		if err != nil {
			return nil, err
		}
		*dst = str
	}

	if _, err := io.ReadFull(reader, record.CodeSalt[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.CodeHash[:]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(reader, record.ResetTokenHash[:]); err != nil {
		return nil, err
	}

	return record, nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > 65535 {
		return errors.New("session record field too long")
	}
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	buf.WriteString(s)
	return nil
}

func readString(reader *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(reader, binary.BigEndian, &n); err != nil {
		return "", err
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return "", err
	}
	return string(raw), nil
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}
