package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// AuthClient handles auth operations.
type AuthClient struct {
	client *Client
}

// SignInWithPassword authenticates a user with email/password.
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	return a.token(ctx, "password", map[string]string{
		"email":    email,
		"password": password,
	})
}

// RefreshToken exchanges a refresh token for a new session.
func (a *AuthClient) RefreshToken(ctx context.Context, refreshToken string) (*Session, error) {
	return a.token(ctx, "refresh_token", map[string]string{
		"refresh_token": refreshToken,
	})
}

func (a *AuthClient) token(ctx context.Context, grantType string, payload map[string]string) (*Session, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.client.request(ctx, "POST", a.client.authURL+"/token?grant_type="+grantType, body, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	var session Session
	if err := json.Unmarshal(resp.Body, &session); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &session, nil
}

// GetUser retrieves the current user using an access token.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	resp, err := a.client.requestWithToken(ctx, "GET", a.client.authURL+"/user", nil, nil, accessToken)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &user, nil
}

// SignOut revokes the session behind accessToken.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	resp, err := a.client.requestWithToken(ctx, "POST", a.client.authURL+"/logout", nil, nil, accessToken)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		return parseError(resp.Body, resp.StatusCode)
	}

	return nil
}

// =============================================================================
// Admin Operations (require service role key)
// =============================================================================

// AdminListUsers lists users one page at a time.
func (a *AuthClient) AdminListUsers(ctx context.Context, page, perPage int) ([]User, error) {
	u := fmt.Sprintf("%s/admin/users?page=%d&per_page=%d", a.client.authURL, page, perPage)

	resp, err := a.client.requestWithServiceKey(ctx, "GET", u, nil, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	var result struct {
		Users []User `json:"users"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return result.Users, nil
}

// AdminFindUserByEmail pages through users looking for email. It returns
// nil without error when no user matches.
func (a *AuthClient) AdminFindUserByEmail(ctx context.Context, email string) (*User, error) {
	const perPage = 100
	want := strings.ToLower(strings.TrimSpace(email))

	for page := 1; ; page++ {
		users, err := a.AdminListUsers(ctx, page, perPage)
		if err != nil {
			return nil, err
		}
		for i := range users {
			if strings.EqualFold(users[i].Email, want) {
				return &users[i], nil
			}
		}
		if len(users) < perPage {
			return nil, nil
		}
	}
}

// AdminCreateUser creates a user (admin operation).
func (a *AuthClient) AdminCreateUser(ctx context.Context, attrs AdminUserAttributes) (*User, error) {
	body, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.client.requestWithServiceKey(ctx, "POST", a.client.authURL+"/admin/users", body, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &user, nil
}

// AdminUpdateUser updates a user (admin operation).
func (a *AuthClient) AdminUpdateUser(ctx context.Context, userID string, attrs AdminUserAttributes) (*User, error) {
	body, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, err := a.client.requestWithServiceKey(ctx, "PUT", a.client.authURL+"/admin/users/"+url.PathEscape(userID), body, nil)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, parseError(resp.Body, resp.StatusCode)
	}

	var user User
	if err := json.Unmarshal(resp.Body, &user); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &user, nil
}
