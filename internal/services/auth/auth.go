// Package auth implements the login and logout actions.
package auth

import (
	"context"
	"strings"

	apperrors "github.com/gaushala/shelter/internal/errors"
	"github.com/gaushala/shelter/internal/logging"
	"github.com/gaushala/shelter/internal/metrics"
	"github.com/gaushala/shelter/internal/supabase"
)

// Messages shown on the login page.
const (
	MsgMissingFields      = "Email and password are required"
	MsgInvalidCredentials = "Invalid email or password. Please check your credentials."
	MsgEmailNotConfirmed  = "Please verify your email address before signing in."
	MsgTooManyAttempts    = "Too many login attempts. Please wait a minute and try again."
	MsgSignInUnavailable  = "Unable to sign in right now. Please try again later."
)

// Provider error codes and messages.
const (
	providerCodeInvalid    = "invalid_credentials"
	providerCodeUnverified = "email_not_confirmed"
	providerInvalidCreds   = "invalid login credentials"
	providerNotConfirmed   = "email not confirmed"
)

// Provider signs users in and out.
type Provider interface {
	SignInWithPassword(ctx context.Context, email, password string) (*supabase.Session, error)
	SignOut(ctx context.Context, accessToken string) error
}

// AdminHealer repairs the bootstrap admin account.
type AdminHealer interface {
	IsAdminCredentials(email, password string) bool
	EnsureAdmin(ctx context.Context) (string, error)
}

// Limiter throttles login attempts per client.
type Limiter interface {
	Allow(key string) bool
}

// Deps wires a Service.
type Deps struct {
	Provider Provider
	// Healer is consulted when the admin's own credentials are rejected and
	// SelfHeal is set.
	Healer    AdminHealer
	SelfHeal  bool
	Limiter   Limiter
	RateLimit int
	Logger    *logging.Logger
}

// Service runs login and logout.
type Service struct {
	provider  Provider
	healer    AdminHealer
	selfHeal  bool
	limiter   Limiter
	rateLimit int
	log       *logging.Logger
}

// New constructs a Service.
func New(d Deps) *Service {
	s := &Service{
		provider:  d.Provider,
		healer:    d.Healer,
		selfHeal:  d.SelfHeal && d.Healer != nil,
		limiter:   d.Limiter,
		rateLimit: d.RateLimit,
		log:       d.Logger,
	}
	if s.log == nil {
		s.log = logging.NewNop()
	}
	return s
}

// NormalizeEmail trims and lower-cases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Login signs a user in. clientKey identifies the caller for rate limiting.
// Returned errors carry a message suitable for the login page.
func (s *Service) Login(ctx context.Context, clientKey, email, password string) (*supabase.Session, error) {
	email = NormalizeEmail(email)
	password = strings.TrimSpace(password)
	entry := s.log.WithContext(ctx).WithField("email", email)

	if email == "" || password == "" {
		return nil, apperrors.BadRequest(MsgMissingFields)
	}
	if s.limiter != nil && !s.limiter.Allow(clientKey) {
		metrics.RecordLogin("rate_limited")
		s.log.LogSecurityEvent(ctx, "login_rate_limited", map[string]interface{}{"client": clientKey})
		se := apperrors.RateLimitExceeded(s.rateLimit, "1m")
		se.Message = MsgTooManyAttempts
		return nil, se
	}

	sess, err := s.provider.SignInWithPassword(ctx, email, password)
	if err != nil && isInvalidCredentials(err) && s.selfHeal && s.healer.IsAdminCredentials(email, password) {
		entry.Warn("admin credentials rejected, repairing admin account")
		if _, healErr := s.healer.EnsureAdmin(ctx); healErr != nil {
			entry.WithError(healErr).Error("admin repair failed")
		} else {
			sess, err = s.provider.SignInWithPassword(ctx, email, password)
			if err == nil {
				metrics.RecordLogin("self_healed")
			}
		}
	}

	switch {
	case err == nil:
		metrics.RecordLogin("success")
		entry.Info("user signed in")
		return sess, nil
	case isInvalidCredentials(err):
		metrics.RecordLogin("invalid")
		s.log.LogSecurityEvent(ctx, "login_failed", map[string]interface{}{"email": email, "client": clientKey})
		return nil, apperrors.Unauthorized(MsgInvalidCredentials)
	case isNotConfirmed(err):
		metrics.RecordLogin("unconfirmed")
		return nil, apperrors.Forbidden(MsgEmailNotConfirmed)
	default:
		metrics.RecordLogin("error")
		entry.WithError(err).Error("sign in failed")
		return nil, apperrors.Upstream(MsgSignInUnavailable, err)
	}
}

// Logout revokes the session. Provider errors are logged and ignored; the
// caller clears cookies regardless.
func (s *Service) Logout(ctx context.Context, accessToken string) {
	if accessToken == "" {
		return
	}
	if err := s.provider.SignOut(ctx, accessToken); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("sign out failed")
	}
}

func isInvalidCredentials(err error) bool {
	apiErr, ok := supabase.AsError(err)
	if !ok {
		return false
	}
	return apiErr.Code == providerCodeInvalid || strings.EqualFold(apiErr.Message, providerInvalidCreds)
}

func isNotConfirmed(err error) bool {
	apiErr, ok := supabase.AsError(err)
	if !ok {
		return false
	}
	return apiErr.Code == providerCodeUnverified || strings.EqualFold(apiErr.Message, providerNotConfirmed)
}
