package httpclient

import (
	"context"
	"encoding/json"
	nethttp "net/http"

	"github.com/gaborage/prodtrack/credentials"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login posts the user credentials to the login path and stores the returned
// token pair and user profile. A rejected login is reported as UNAUTHORIZED and
// never triggers a refresh.
func (c *client) Login(ctx context.Context, username, password string) (*Session, error) {
	if username == "" {
		return nil, NewValidationError("username is required", "username")
	}
	if password == "" {
		return nil, NewValidationError("password is required", "password")
	}

	body, err := json.Marshal(loginRequest{Username: username, Password: password})
	if err != nil {
		return nil, NewValidationError("failed to encode login request", "body")
	}
	req := &request{
		method:   nethttp.MethodPost,
		path:     c.config.LoginPath,
		body:     body,
		skipAuth: true,
	}

	resp, err := c.run(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Str("username", username).Msg("Login failed")
		return nil, err
	}

	var session Session
	if err := resp.Decode(&session); err != nil {
		return nil, err
	}
	if session.AccessToken == "" {
		return nil, newAPIError(AuthError, resp.StatusCode, CodeDecode,
			"login response did not include an access token", nil, nil)
	}

	// A new login replaces the whole session, even fields the response omits
	if err := credentials.Clear(c.store); err != nil {
		return nil, newAPIError(AuthError, 0, CodeUnauthorized, "failed to clear previous session", nil, err)
	}
	creds := credentials.Credentials{AccessToken: session.AccessToken, RefreshToken: session.RefreshToken}
	if err := credentials.Save(c.store, creds); err != nil {
		return nil, newAPIError(AuthError, 0, CodeUnauthorized, "failed to store session", nil, err)
	}
	if len(session.User) > 0 {
		if err := credentials.SaveUser(c.store, session.User); err != nil {
			return nil, newAPIError(AuthError, 0, CodeUnauthorized, "failed to store user profile", nil, err)
		}
	}

	c.logger.Info().Str("username", username).Msg("User logged in")
	return &session, nil
}

// Logout removes the stored session. It does not call the API.
func (c *client) Logout(_ context.Context) error {
	if err := credentials.Clear(c.store); err != nil {
		return newAPIError(AuthError, 0, CodeUnauthorized, "failed to clear session", nil, err)
	}
	c.logger.Info().Msg("User logged out")
	return nil
}

// CurrentUser decodes the cached user profile into dst
func (c *client) CurrentUser(dst any) (bool, error) {
	return credentials.LoadUser(c.store, dst)
}
