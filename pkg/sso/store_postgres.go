package sso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/medbridge-io/medbridge/pkg/session"
)

// PostgresCodeStore persists handoff codes in the central store. Consumption
// is a single conditional UPDATE, so two near-simultaneous redemptions of
// the same code race on one row and exactly one wins.
type PostgresCodeStore struct {
	db *sql.DB
}

// NewPostgresCodeStore creates a store over the central database
func NewPostgresCodeStore(db *sql.DB) *PostgresCodeStore {
	return &PostgresCodeStore{db: db}
}

// Save inserts the code record
func (s *PostgresCodeStore) Save(ctx context.Context, codeHash string, rec CodeRecord) error {
	tokens, err := marshalTokens(rec.Tokens)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sso_handoff_codes (code_hash, user_id, tenant_id, target_path, provider_tokens, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		codeHash, rec.UserID, rec.TenantID, rec.TargetPath, tokens, rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert handoff code: %w", err)
	}
	return nil
}

// Consume marks the code consumed and returns its record. The UPDATE only
// matches an unconsumed, unexpired row; when it matches nothing a follow-up
// read classifies the failure.
func (s *PostgresCodeStore) Consume(ctx context.Context, codeHash string, now time.Time) (*CodeRecord, error) {
	rec := &CodeRecord{}
	var tokens []byte
	err := s.db.QueryRowContext(ctx,
		`UPDATE sso_handoff_codes SET consumed_at = $2
		 WHERE code_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		 RETURNING user_id, tenant_id, target_path, provider_tokens, expires_at`,
		codeHash, now,
	).Scan(&rec.UserID, &rec.TenantID, &rec.TargetPath, &tokens, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, s.classify(ctx, codeHash, now)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume handoff code: %w", err)
	}

	if rec.Tokens, err = unmarshalTokens(tokens); err != nil {
		return nil, err
	}
	return rec, nil
}

// PurgeExpired deletes rows whose expiry is behind the cutoff
func (s *PostgresCodeStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_handoff_codes WHERE expires_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired handoff codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *PostgresCodeStore) classify(ctx context.Context, codeHash string, now time.Time) error {
	var consumedAt sql.NullTime
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT consumed_at, expires_at FROM sso_handoff_codes WHERE code_hash = $1`,
		codeHash,
	).Scan(&consumedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to classify handoff code: %w", err)
	}
	if consumedAt.Valid {
		return ErrCodeAlreadyUsed
	}
	if !expiresAt.After(now) {
		return ErrCodeExpired
	}
	// The row was consumable a moment ago; a concurrent redemption won.
	return ErrCodeAlreadyUsed
}

func marshalTokens(t *session.ProviderTokens) ([]byte, error) {
	if t == nil {
		return nil, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode provider tokens: %w", err)
	}
	return data, nil
}

func unmarshalTokens(data []byte) (*session.ProviderTokens, error) {
	if len(data) == 0 {
		return nil, nil
	}
	t := &session.ProviderTokens{}
	if err := json.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to decode provider tokens: %w", err)
	}
	return t, nil
}
