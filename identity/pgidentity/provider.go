// Package pgidentity is a goVerify IdentityProvider stored in PostgreSQL.
//
// Subjects, their contact details and their credential history live in the
// tables created by Migrate. UpdateCredential records each idempotency key
// in the same transaction as the update, so a replayed key is a no-op.
package pgidentity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	goVerify "github.com/MrEthical07/goVerify"
)

const (
	defaultHistoryDepth   = 5
	pgForeignKeyViolation = "23503"
)

type Provider struct {
	pool         *pgxpool.Pool
	historyDepth int
}

var _ goVerify.IdentityProvider = (*Provider)(nil)

type Option func(*Provider)

// WithHistoryDepth sets how many recent credential hashes LookupContactInfo
// returns for reuse checks.
func WithHistoryDepth(n int) Option {
	return func(p *Provider) {
		if n >= 0 {
			p.historyDepth = n
		}
	}
}

func New(pool *pgxpool.Pool, opts ...Option) *Provider {
	p := &Provider{pool: pool, historyDepth: defaultHistoryDepth}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Connect opens a pool for dsn and applies migrations.
func Connect(ctx context.Context, dsn string, opts ...Option) (*Provider, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return New(pool, opts...), nil
}

func (p *Provider) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

func (p *Provider) Ping(ctx context.Context) error {
	if p.pool == nil {
		return errors.New("connection pool is nil")
	}
	return p.pool.Ping(ctx)
}

func (p *Provider) LookupContactInfo(ctx context.Context, subjectID string) (goVerify.ContactInfo, error) {
	query := `SELECT subject_id, COALESCE(phone, ''), COALESCE(email, ''), COALESCE(app_chat_id, ''),
			  channels, identifiers
			  FROM subjects WHERE subject_id = $1 AND disabled_at IS NULL`

	var (
		info     goVerify.ContactInfo
		channels []string
	)
	err := p.pool.QueryRow(ctx, query, subjectID).Scan(
		&info.SubjectID, &info.Phone, &info.Email, &info.AppChatID, &channels, &info.Identifiers,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return goVerify.ContactInfo{}, fmt.Errorf("%w: %s", goVerify.ErrSubjectNotFound, subjectID)
		}
		return goVerify.ContactInfo{}, fmt.Errorf("failed to get subject: %w", err)
	}
	for _, ch := range channels {
		info.ChannelsAvailable = append(info.ChannelsAvailable, goVerify.ChannelType(ch))
	}

	if p.historyDepth == 0 {
		return info, nil
	}

	rows, err := p.pool.Query(ctx,
		`SELECT credential_hash FROM credential_history
		 WHERE subject_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		subjectID, p.historyDepth,
	)
	if err != nil {
		return goVerify.ContactInfo{}, fmt.Errorf("failed to get credential history: %w", err)
	}
	hashes, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return goVerify.ContactInfo{}, fmt.Errorf("failed to scan credential history: %w", err)
	}
	info.RecentCredentialHashes = hashes
	return info, nil
}

// Subject is a row for UpsertSubject. Empty destinations are stored as NULL.
type Subject struct {
	ID          string
	Phone       string
	Email       string
	AppChatID   string
	Channels    []string
	Identifiers []string
}

// UpsertSubject creates or replaces a subject's contact details. The stored
// credential and its history are left alone.
func (p *Provider) UpsertSubject(ctx context.Context, s Subject) error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty subject id", goVerify.ErrInvalidInput)
	}
	if s.Channels == nil {
		s.Channels = []string{}
	}
	if s.Identifiers == nil {
		s.Identifiers = []string{}
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO subjects (subject_id, phone, email, app_chat_id, channels, identifiers)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		 ON CONFLICT (subject_id) DO UPDATE SET
			phone = EXCLUDED.phone, email = EXCLUDED.email, app_chat_id = EXCLUDED.app_chat_id,
			channels = EXCLUDED.channels, identifiers = EXCLUDED.identifiers, disabled_at = NULL`,
		s.ID, s.Phone, s.Email, s.AppChatID, s.Channels, s.Identifiers,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert subject: %w", err)
	}
	return nil
}

// UpdateCredential stores credentialHash for subjectID exactly once per
// idempotencyKey. A concurrent call with the same key blocks on the key's
// unique index until the first transaction finishes.
func (p *Provider) UpdateCredential(ctx context.Context, subjectID, credentialHash, idempotencyKey string) (err error) {
	if idempotencyKey == "" {
		return goVerify.NewPermanentProviderError("missing_idempotency_key", nil)
	}

	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	var owner string
	err = tx.QueryRow(ctx,
		`WITH ins AS (
			INSERT INTO credential_updates (idempotency_key, subject_id) VALUES ($1, $2)
			ON CONFLICT (idempotency_key) DO NOTHING
			RETURNING subject_id
		)
		SELECT subject_id FROM ins`,
		idempotencyKey, subjectID,
	).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		err = tx.QueryRow(ctx,
			`SELECT subject_id FROM credential_updates WHERE idempotency_key = $1`, idempotencyKey,
		).Scan(&owner)
		if err != nil {
			return classify("lookup idempotency key", err)
		}
		if owner != subjectID {
			err = goVerify.NewPermanentProviderError("idempotency_key_conflict", nil)
			return err
		}
		// Replay of an applied update.
		return tx.Commit(ctx)
	}
	if err != nil {
		return classify("record idempotency key", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE subjects SET credential_hash = $2, credential_updated_at = now()
		 WHERE subject_id = $1 AND disabled_at IS NULL`,
		subjectID, credentialHash,
	)
	if err != nil {
		return classify("update subject", err)
	}
	if tag.RowsAffected() == 0 {
		err = goVerify.NewPermanentProviderError("subject_disabled", nil)
		return err
	}

	if _, err = tx.Exec(ctx,
		`INSERT INTO credential_history (subject_id, credential_hash) VALUES ($1, $2)`,
		subjectID, credentialHash,
	); err != nil {
		return classify("append history", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// classify maps integrity and data errors to permanent failures and
// everything else to transient ones.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgForeignKeyViolation:
			return goVerify.NewPermanentProviderError("subject_not_found", fmt.Errorf("%s: %w", op, goVerify.ErrSubjectNotFound))
		case len(pgErr.Code) == 5 && (pgErr.Code[:2] == "23" || pgErr.Code[:2] == "22"):
			return goVerify.NewPermanentProviderError("sqlstate_"+pgErr.Code, fmt.Errorf("%s: %w", op, err))
		}
	}
	return goVerify.NewTransientProviderError("database", fmt.Errorf("%s: %w", op, err))
}
