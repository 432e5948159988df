package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// refreshRequest is the body of POST /auth/refresh.
type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

// Refresh exchanges a refresh token for a new access/refresh token pair.
// A 400 or 401 from the refresh endpoint means the refresh token is invalid
// or expired and is reported as ErrAuthExpired. Other failures are returned
// as-is so the caller can tell a dead session from an unreachable server.
func (c *Client) Refresh(ctx context.Context, refreshToken, deviceID string) (*oauth2.Token, error) {
	var tok oauth2.Token

	err := c.doJSON(ctx, http.MethodPost, refreshPath, refreshRequest{
		RefreshToken: refreshToken,
		DeviceID:     deviceID,
	}, &tok)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrBadRequest) || errors.Is(err, ErrForbidden) {
			return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
		}

		return nil, err
	}

	return normalizeToken(&tok)
}

// LoginRequest carries password login and registration credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"` //nolint:gosec // G117: request field, never logged
	DeviceID string `json:"device_id"`
}

// AuthResult is the backend response to a successful login or registration.
type AuthResult struct {
	UserID string
	Token  *oauth2.Token
}

// authResponse is the wire shape of login/register responses.
type authResponse struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login authenticates with email and password.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	return c.authenticate(ctx, loginPath, req)
}

// Register creates an account and authenticates it.
func (c *Client) Register(ctx context.Context, req LoginRequest) (*AuthResult, error) {
	return c.authenticate(ctx, registerPath, req)
}

func (c *Client) authenticate(ctx context.Context, path string, req LoginRequest) (*AuthResult, error) {
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	if resp.UserID == "" {
		return nil, fmt.Errorf("api: %s response missing user_id", path)
	}

	tok, err := normalizeToken(&oauth2.Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
	})
	if err != nil {
		return nil, err
	}

	return &AuthResult{UserID: resp.UserID, Token: tok}, nil
}

// normalizeToken validates a token pair and converts expires_in into an
// absolute expiry.
func normalizeToken(tok *oauth2.Token) (*oauth2.Token, error) {
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("api: token response missing access or refresh token")
	}

	if tok.Expiry.IsZero() && tok.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	}

	return tok, nil
}
