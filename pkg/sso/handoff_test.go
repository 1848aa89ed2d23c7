package sso

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffIssueAndRedeem(t *testing.T) {
	ctx := context.Background()
	h := NewHandoff(NewMemoryCodeStore(), 90*time.Second)

	code, err := h.Issue(ctx, Grant{UserID: 42, TenantID: "acme", TargetPath: "/dashboard"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(code), 43) // 32 random bytes, base64url

	grant, err := h.Redeem(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, int64(42), grant.UserID)
	assert.Equal(t, "acme", grant.TenantID)
	assert.Equal(t, "/dashboard", grant.TargetPath)
}

func TestHandoffSecondRedemptionFails(t *testing.T) {
	ctx := context.Background()
	h := NewHandoff(NewMemoryCodeStore(), 90*time.Second)

	code, err := h.Issue(ctx, Grant{UserID: 42, TenantID: "acme"})
	require.NoError(t, err)

	_, err = h.Redeem(ctx, code)
	require.NoError(t, err)

	_, err = h.Redeem(ctx, code)
	assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
}

func TestHandoffExpiredCode(t *testing.T) {
	ctx := context.Background()
	h := NewHandoff(NewMemoryCodeStore(), 90*time.Second)

	code, err := h.Issue(ctx, Grant{UserID: 42, TenantID: "acme"})
	require.NoError(t, err)

	h.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = h.Redeem(ctx, code)
	assert.ErrorIs(t, err, ErrCodeExpired)
}

func TestHandoffUnknownCode(t *testing.T) {
	h := NewHandoff(NewMemoryCodeStore(), 90*time.Second)
	_, err := h.Redeem(context.Background(), "never-issued")
	assert.ErrorIs(t, err, ErrCodeNotFound)
}

func TestRedisCodeStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	store := NewRedisCodeStore(client)
	now := time.Now().UTC()

	t.Run("consume exactly once", func(t *testing.T) {
		rec := CodeRecord{
			Grant:     Grant{UserID: 7, TenantID: "acme", TargetPath: "/dashboard"},
			ExpiresAt: now.Add(90 * time.Second),
		}
		hash := HashCode("code-1")
		require.NoError(t, store.Save(ctx, hash, rec))

		got, err := store.Consume(ctx, hash, now)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got.UserID)

		_, err = store.Consume(ctx, hash, now)
		assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
	})

	t.Run("expired", func(t *testing.T) {
		rec := CodeRecord{
			Grant:     Grant{UserID: 7, TenantID: "acme"},
			ExpiresAt: now.Add(90 * time.Second),
		}
		hash := HashCode("code-2")
		require.NoError(t, store.Save(ctx, hash, rec))

		_, err := store.Consume(ctx, hash, now.Add(2*time.Minute))
		assert.ErrorIs(t, err, ErrCodeExpired)
	})

	t.Run("unknown", func(t *testing.T) {
		_, err := store.Consume(ctx, HashCode("code-3"), now)
		assert.ErrorIs(t, err, ErrCodeNotFound)
	})
}

func TestPostgresCodeStoreConsume(t *testing.T) {
	now := time.Now().UTC()
	hash := HashCode("code-1")

	t.Run("winning update returns the record", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE sso_handoff_codes SET consumed_at = $2`)).
			WithArgs(hash, now).
			WillReturnRows(sqlmock.NewRows(
				[]string{"user_id", "tenant_id", "target_path", "provider_tokens", "expires_at"},
			).AddRow(42, "acme", "/dashboard", []byte(`{"access_token":"at","expiry":"2026-01-01T00:00:00Z"}`), now.Add(time.Minute)))

		store := NewPostgresCodeStore(db)
		rec, err := store.Consume(context.Background(), hash, now)
		require.NoError(t, err)
		assert.Equal(t, int64(42), rec.UserID)
		assert.Equal(t, "acme", rec.TenantID)
		require.NotNil(t, rec.Tokens)
		assert.Equal(t, "at", rec.Tokens.AccessToken)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already consumed", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE sso_handoff_codes SET consumed_at = $2`)).
			WithArgs(hash, now).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id", "target_path", "provider_tokens", "expires_at"}))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT consumed_at, expires_at FROM sso_handoff_codes`)).
			WithArgs(hash).
			WillReturnRows(sqlmock.NewRows([]string{"consumed_at", "expires_at"}).
				AddRow(now.Add(-time.Second), now.Add(time.Minute)))

		store := NewPostgresCodeStore(db)
		_, err = store.Consume(context.Background(), hash, now)
		assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("expired", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE sso_handoff_codes SET consumed_at = $2`)).
			WithArgs(hash, now).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id", "target_path", "provider_tokens", "expires_at"}))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT consumed_at, expires_at FROM sso_handoff_codes`)).
			WithArgs(hash).
			WillReturnRows(sqlmock.NewRows([]string{"consumed_at", "expires_at"}).
				AddRow(nil, now.Add(-time.Minute)))

		store := NewPostgresCodeStore(db)
		_, err = store.Consume(context.Background(), hash, now)
		assert.ErrorIs(t, err, ErrCodeExpired)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE sso_handoff_codes SET consumed_at = $2`)).
			WithArgs(hash, now).
			WillReturnRows(sqlmock.NewRows([]string{"user_id", "tenant_id", "target_path", "provider_tokens", "expires_at"}))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT consumed_at, expires_at FROM sso_handoff_codes`)).
			WithArgs(hash).
			WillReturnError(sql.ErrNoRows)

		store := NewPostgresCodeStore(db)
		_, err = store.Consume(context.Background(), hash, now)
		assert.ErrorIs(t, err, ErrCodeNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMemoryCodeStoreConcurrentConsume(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCodeStore()
	hash := HashCode("code-1")
	require.NoError(t, store.Save(ctx, hash, CodeRecord{
		Grant:     Grant{UserID: 1, TenantID: "acme"},
		ExpiresAt: time.Now().Add(time.Minute),
	}))

	const attempts = 16
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		go func() {
			_, err := store.Consume(ctx, hash, time.Now())
			results <- err
		}()
	}

	var wins, losses int
	for i := 0; i < attempts; i++ {
		if err := <-results; err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrCodeAlreadyUsed)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, attempts-1, losses)
}
