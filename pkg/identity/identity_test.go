package identity

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userRows(id int64, email string, subject interface{}) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "email", "display_name", "external_subject"}).
		AddRow(id, email, "Jane Doe", subject)
}

func TestResolverBySubject(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, display_name, external_subject FROM users WHERE external_subject = $1`)).
		WithArgs("sub-123").
		WillReturnRows(userRows(42, "jane@acme.com", "sub-123"))

	r := NewResolver(db)
	user, err := r.BySubject(context.Background(), "sub-123")
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.Equal(t, "jane@acme.com", user.Email)
	assert.True(t, user.FromIdP())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResolverBySubjectNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE external_subject = $1`)).
		WithArgs("sub-unknown").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "display_name", "external_subject"}))

	r := NewResolver(db)
	_, err = r.BySubject(context.Background(), "sub-unknown")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolverByEmail(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE email = $1`)).
		WithArgs("jane@acme.com").
		WillReturnRows(userRows(42, "jane@acme.com", nil))

	r := NewResolver(db)
	user, err := r.ByEmail(context.Background(), "jane@acme.com")
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.ID)
	assert.False(t, user.FromIdP())
}

func TestResolverByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE id = $1`)).
		WithArgs(int64(42)).
		WillReturnRows(userRows(42, "jane@acme.com", "sub-123"))

	r := NewResolver(db)
	user, err := r.ByID(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, user.ExternalSubject)
	assert.Equal(t, "sub-123", *user.ExternalSubject)
}
