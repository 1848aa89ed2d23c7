package sso

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/medbridge-io/medbridge/pkg/identity"
	"github.com/medbridge-io/medbridge/pkg/tenants"
)

type fakeTenantResolver struct {
	byID map[string]*tenants.Tenant
}

func (f *fakeTenantResolver) ByID(_ context.Context, id string) (*tenants.Tenant, error) {
	if t, ok := f.byID[id]; ok {
		return t, nil
	}
	return nil, tenants.ErrNotFound
}

type fakeExchanger struct {
	token *oauth2.Token
	err   error
	calls int
}

func (f *fakeExchanger) Exchange(context.Context, string) (*oauth2.Token, error) {
	f.calls++
	return f.token, f.err
}

type fakeIdentitySource struct {
	fromIDToken  *Identity
	idTokenErr   error
	fromUserInfo *Identity
	userInfoErr  error
}

func (f *fakeIdentitySource) FromIDToken(context.Context, *oauth2.Token) (*Identity, error) {
	return f.fromIDToken, f.idTokenErr
}

func (f *fakeIdentitySource) FromUserInfo(context.Context, *oauth2.Token) (*Identity, error) {
	return f.fromUserInfo, f.userInfoErr
}

type fakeUserResolver struct {
	bySubject map[string]*identity.User
}

func (f *fakeUserResolver) BySubject(_ context.Context, subject string) (*identity.User, error) {
	if u, ok := f.bySubject[subject]; ok {
		return u, nil
	}
	return nil, identity.ErrNotFound
}

type fakeMemberships struct {
	members map[string]bool
}

func (f *fakeMemberships) Exists(_ context.Context, tenantID string, userID int64) (bool, error) {
	return f.members[fmt.Sprintf("%s:%d", tenantID, userID)], nil
}

type fakeActivator struct {
	db          *sql.DB
	err         error
	activations int
	releases    int
}

func (f *fakeActivator) Activate(ctx context.Context, tenant *tenants.Tenant) (context.Context, func(), error) {
	if f.err != nil {
		return ctx, nil, f.err
	}
	f.activations++
	ctx, release := tenants.WithStore(ctx, tenant.ID, f.db)
	return ctx, func() { f.releases++; release() }, nil
}

type pipelineFixture struct {
	processor *Processor
	handoff   *Handoff
	exchanger *fakeExchanger
	activator *fakeActivator
	codec     *StateCodec
	mock      sqlmock.Sqlmock
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	codec := testCodec(t)
	sub := "sub-123"

	resolver := &fakeTenantResolver{byID: map[string]*tenants.Tenant{
		"acme":  {ID: "acme", Domain: "acme.example.com", Status: tenants.StatusActive},
		"other": {ID: "other", Domain: "other.example.com", Status: tenants.StatusActive},
		"ghost": {ID: "ghost", Domain: "ghost.example.com", Status: tenants.StatusSuspended},
	}}
	exchanger := &fakeExchanger{token: &oauth2.Token{AccessToken: "at", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}}
	source := &fakeIdentitySource{fromIDToken: &Identity{Subject: sub, Email: "jane@acme.com", Name: "Jane Doe"}}
	users := &fakeUserResolver{bySubject: map[string]*identity.User{
		sub: {ID: 42, Email: "jane@acme.com", DisplayName: "Jane Doe", ExternalSubject: &sub},
	}}
	memberships := &fakeMemberships{members: map[string]bool{"acme:42": true}}
	activator := &fakeActivator{db: db}
	handoff := NewHandoff(NewMemoryCodeStore(), 90*time.Second)

	return &pipelineFixture{
		processor: NewProcessor(
			codec, resolver, exchanger, source, users, memberships, activator, handoff,
			"/auth/sso/redeem", "/dashboard", nil,
		),
		handoff:   handoff,
		exchanger: exchanger,
		activator: activator,
		codec:     codec,
		mock:      mock,
	}
}

func (f *pipelineFixture) state(t *testing.T, tenantID string) string {
	t.Helper()
	state, err := f.codec.Encode(StatePayload{TenantID: tenantID, Nonce: "n-1"})
	require.NoError(t, err)
	return state
}

func (f *pipelineFixture) expectTenantUser(email, name string) {
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, display_name FROM users WHERE email = $1`)).
		WithArgs(email).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "display_name"}).AddRow(9, email, name))
}

func TestCallbackPipelineSuccess(t *testing.T) {
	f := newPipelineFixture(t)
	f.expectTenantUser("jane@acme.com", "Jane Doe")

	target, fe := f.processor.Process(context.Background(), CallbackRequest{
		Code:  "abc",
		State: f.state(t, "acme"),
	})
	require.Nil(t, fe)

	assert.True(t, strings.HasPrefix(target, "https://acme.example.com/auth/sso/redeem?code="), target)
	assert.Equal(t, 1, f.activator.activations)
	assert.Equal(t, 1, f.activator.releases)

	code := strings.TrimPrefix(target, "https://acme.example.com/auth/sso/redeem?code=")
	grant, err := f.handoff.Redeem(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, int64(42), grant.UserID)
	assert.Equal(t, "acme", grant.TenantID)
	assert.Equal(t, "/dashboard", grant.TargetPath)
	require.NotNil(t, grant.Tokens)
	assert.Equal(t, "at", grant.Tokens.AccessToken)

	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCallbackPipelineSyncsDisplayName(t *testing.T) {
	f := newPipelineFixture(t)
	f.expectTenantUser("jane@acme.com", "Old Name")
	f.mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET display_name = $1 WHERE id = $2`)).
		WithArgs("Jane Doe", int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, fe := f.processor.Process(context.Background(), CallbackRequest{
		Code:  "abc",
		State: f.state(t, "acme"),
	})
	require.Nil(t, fe)
	assert.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCallbackPipelineFailures(t *testing.T) {
	t.Run("tampered state redirects centrally", func(t *testing.T) {
		f := newPipelineFixture(t)
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: "bogus.state"})
		require.NotNil(t, fe)
		assert.Equal(t, CodeInvalidState, fe.Code)
		assert.Nil(t, fe.Tenant)
		assert.Equal(t, 0, f.exchanger.calls)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		f := newPipelineFixture(t)
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "nowhere")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeUnknownTenant, fe.Code)
		assert.Nil(t, fe.Tenant)
	})

	t.Run("suspended tenant", func(t *testing.T) {
		f := newPipelineFixture(t)
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "ghost")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeUnknownTenant, fe.Code)
	})

	t.Run("provider error lands on tenant login", func(t *testing.T) {
		f := newPipelineFixture(t)
		_, fe := f.processor.Process(context.Background(), CallbackRequest{
			Code: "abc", State: f.state(t, "acme"), ErrorParam: "access_denied",
		})
		require.NotNil(t, fe)
		assert.Equal(t, CodeProviderError, fe.Code)
		require.NotNil(t, fe.Tenant)
		assert.Equal(t, "acme", fe.Tenant.ID)
		assert.Equal(t, 0, f.exchanger.calls)
	})

	t.Run("missing code", func(t *testing.T) {
		f := newPipelineFixture(t)
		_, fe := f.processor.Process(context.Background(), CallbackRequest{State: f.state(t, "acme")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeMissingParameters, fe.Code)
	})

	t.Run("exchange failure", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.exchanger.token = nil
		f.exchanger.err = errors.New("connection refused")
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "acme")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeExchangeFailed, fe.Code)
	})

	t.Run("membership in a different tenant is not enough", func(t *testing.T) {
		// Jane is a member of acme only; a flow bound to other must deny
		// and must land on other's login page, never acme's.
		f := newPipelineFixture(t)
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "other")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeNotAMember, fe.Code)
		require.NotNil(t, fe.Tenant)
		assert.Equal(t, "other", fe.Tenant.ID)
		assert.Contains(t, fe.UserMessage, "does not have access")
		assert.Equal(t, 0, f.activator.activations)
	})
}

func TestCallbackPipelineIdentityFallback(t *testing.T) {
	t.Run("userinfo fallback when no ID token identity", func(t *testing.T) {
		f := newPipelineFixture(t)
		source := &fakeIdentitySource{
			idTokenErr:   ErrNoIdentity,
			fromUserInfo: &Identity{Subject: "sub-123", Email: "jane@acme.com", Name: "Jane Doe"},
		}
		f.processor.source = source
		f.expectTenantUser("jane@acme.com", "Jane Doe")

		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "acme")})
		assert.Nil(t, fe)
	})

	t.Run("both strategies failing is terminal", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.processor.source = &fakeIdentitySource{
			idTokenErr:  ErrNoIdentity,
			userInfoErr: errors.New("userinfo request failed"),
		}
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "acme")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeMissingIdentity, fe.Code)
	})

	t.Run("identity without subject is terminal", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.processor.source = &fakeIdentitySource{
			fromIDToken: &Identity{Email: "jane@acme.com"},
		}
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "acme")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeMissingSubject, fe.Code)
	})

	t.Run("unknown subject is terminal", func(t *testing.T) {
		f := newPipelineFixture(t)
		f.processor.source = &fakeIdentitySource{
			fromIDToken: &Identity{Subject: "sub-unknown", Email: "jane@acme.com"},
		}
		_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "acme")})
		require.NotNil(t, fe)
		assert.Equal(t, CodeUserNotFound, fe.Code)
		assert.Contains(t, fe.UserMessage, "contact your administrator")
	})
}

func TestCallbackPipelineNoTenantAccount(t *testing.T) {
	f := newPipelineFixture(t)
	f.mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, email, display_name FROM users WHERE email = $1`)).
		WithArgs("jane@acme.com").
		WillReturnError(sql.ErrNoRows)

	_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "acme")})
	require.NotNil(t, fe)
	assert.Equal(t, CodeNoTenantAccount, fe.Code)
	// The activation was released even though the lookup failed.
	assert.Equal(t, 1, f.activator.releases)
}

func TestCallbackPipelineReleasesStoreOnActivationFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.activator.err = errors.New("store unavailable")

	_, fe := f.processor.Process(context.Background(), CallbackRequest{Code: "abc", State: f.state(t, "acme")})
	require.NotNil(t, fe)
	assert.Equal(t, CodeNoTenantAccount, fe.Code)
}
