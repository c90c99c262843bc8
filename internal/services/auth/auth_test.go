package auth

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/middleware"
	"github.com/gaushala/shelter/internal/services/setup"
	"github.com/gaushala/shelter/internal/supabase"
	"github.com/gaushala/shelter/internal/testutil"
)

func newClient(t *testing.T) (*supabase.Client, *testutil.FakeSupabase) {
	t.Helper()
	fake := testutil.NewFakeSupabase(t)
	client, err := supabase.New(supabase.Config{
		ProjectURL:     fake.URL(),
		AnonKey:        testutil.FakeAnonKey,
		ServiceRoleKey: testutil.FakeServiceKey,
	})
	require.NoError(t, err)
	return client, fake
}

func TestLogin_Success(t *testing.T) {
	client, fake := newClient(t)
	fake.AddUser("staff@gaushala.org", "pw-123", true)
	svc := New(Deps{Provider: client.Auth()})

	sess, err := svc.Login(context.Background(), "1.2.3.4", "  Staff@Gaushala.ORG ", " pw-123 ")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken)
	assert.Equal(t, "staff@gaushala.org", sess.User.Email)
}

func TestLogin_Errors(t *testing.T) {
	client, fake := newClient(t)
	fake.AddUser("staff@gaushala.org", "pw-123", true)
	fake.AddUser("new@gaushala.org", "pw-456", false)
	svc := New(Deps{Provider: client.Auth()})

	cases := []struct {
		name, email, password string
		code                  apperrors.ErrorCode
		msg                   string
	}{
		{"blank", " ", "x", apperrors.CodeBadRequest, MsgMissingFields},
		{"wrong password", "staff@gaushala.org", "nope", apperrors.CodeUnauthorized, MsgInvalidCredentials},
		{"unknown user", "ghost@gaushala.org", "pw", apperrors.CodeUnauthorized, MsgInvalidCredentials},
		{"unconfirmed", "new@gaushala.org", "pw-456", apperrors.CodeForbidden, MsgEmailNotConfirmed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Login(context.Background(), "ip", tc.email, tc.password)
			se := apperrors.GetServiceError(err)
			require.NotNil(t, se, "err = %v", err)
			assert.Equal(t, tc.code, se.Code)
			assert.Equal(t, tc.msg, se.Message)
		})
	}
}

func TestLogin_Upstream(t *testing.T) {
	client, fake := newClient(t)
	fake.SetFailure("auth.token", http.StatusInternalServerError, `{"msg":"database unavailable"}`)
	svc := New(Deps{Provider: client.Auth()})

	_, err := svc.Login(context.Background(), "ip", "a@b.org", "pw")
	assert.True(t, apperrors.Is(err, apperrors.CodeUpstream))
}

func TestLogin_RateLimited(t *testing.T) {
	client, fake := newClient(t)
	fake.AddUser("staff@gaushala.org", "pw-123", true)
	limiter := middleware.NewRateLimiter("login", 1, 2, nil)
	svc := New(Deps{Provider: client.Auth(), Limiter: limiter, RateLimit: 1})

	for i := 0; i < 2; i++ {
		_, err := svc.Login(context.Background(), "9.9.9.9", "staff@gaushala.org", "wrong")
		assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))
	}
	_, err := svc.Login(context.Background(), "9.9.9.9", "staff@gaushala.org", "pw-123")
	se := apperrors.GetServiceError(err)
	require.NotNil(t, se)
	assert.Equal(t, apperrors.CodeRateLimited, se.Code)
	assert.Equal(t, MsgTooManyAttempts, se.Message)

	// Other clients are unaffected.
	_, err = svc.Login(context.Background(), "8.8.8.8", "staff@gaushala.org", "pw-123")
	assert.NoError(t, err)
}

func TestLogin_SelfHealsAdmin(t *testing.T) {
	client, fake := newClient(t)
	healer := setup.New(setup.Deps{
		Client: client,
		Admin:  setup.Admin{Email: "admin@gaushala.org", Password: "admin-pass", Name: "Admin"},
	})
	svc := New(Deps{Provider: client.Auth(), Healer: healer, SelfHeal: true})

	sess, err := svc.Login(context.Background(), "ip", "admin@gaushala.org", "admin-pass")
	require.NoError(t, err)
	assert.Equal(t, "admin@gaushala.org", sess.User.Email)
	assert.Equal(t, 2, fake.Calls("auth.token"))

	// Anyone else with bad credentials is not healed.
	_, err = svc.Login(context.Background(), "ip", "admin@gaushala.org", "other")
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))
	assert.Equal(t, 3, fake.Calls("auth.token"))
}

func TestLogin_SelfHealDisabled(t *testing.T) {
	client, fake := newClient(t)
	healer := setup.New(setup.Deps{Client: client, Admin: setup.Admin{Email: "admin@gaushala.org", Password: "admin-pass"}})
	svc := New(Deps{Provider: client.Auth(), Healer: healer})

	_, err := svc.Login(context.Background(), "ip", "admin@gaushala.org", "admin-pass")
	assert.True(t, apperrors.Is(err, apperrors.CodeUnauthorized))
	assert.Zero(t, fake.Calls("auth.admin"))
}

func TestLogout(t *testing.T) {
	client, fake := newClient(t)
	fake.AddUser("staff@gaushala.org", "pw", true)
	access, _ := fake.SignIn(t, "staff@gaushala.org")
	svc := New(Deps{Provider: client.Auth()})

	svc.Logout(context.Background(), access)
	assert.Equal(t, 1, fake.Calls("auth.logout"))

	_, err := client.Auth().GetUser(context.Background(), access)
	assert.Error(t, err)

	svc.Logout(context.Background(), "")
	assert.Equal(t, 1, fake.Calls("auth.logout"))

	fake.SetFailure("auth.logout", http.StatusInternalServerError, `{"msg":"boom"}`)
	svc.Logout(context.Background(), "stale")
}
