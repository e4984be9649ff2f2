package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/logger"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/transport"
)

const (
	DefaultTimeout = 10 * time.Second

	PathLogin      = "/api/auth/login"
	PathRegister   = "/api/auth/register"
	PathRefresh    = "/api/auth/refresh"
	PathMe         = "/api/auth/me"
	PathGoogle     = "/api/auth/google"
	PathVerify     = "/api/auth/verify"
	PathResendCode = "/api/auth/resend-code"
	PathProfile    = "/api/profile/me"
	PathAccount    = "/api/auth/account"
)

// Error returned by the identity endpoint
// Wraps one of apperrors sentinels so callers use errors.Is
type Error struct {
	Status int
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("identity: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("identity: status %d: %v: %s", e.Status, e.Err, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type AuthResponse struct {
	AccessToken  string           `json:"access_token"`
	RefreshToken string           `json:"refresh_token"`
	TokenType    string           `json:"token_type"`
	User         *models.Identity `json:"user,omitempty"`
}

func (r AuthResponse) Credential() models.Credential {
	return models.Credential{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}
}

// Client of the unauthenticated part of the identity API: issuance and refresh exchanges
type Client struct {
	BaseURL string

	timeout time.Duration
	client  *http.Client
	logger  logger.Logger
}

func NewClient(baseURL string, client *http.Client, l logger.Logger) *Client {
	if client == nil {
		client = &http.Client{}
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
		client:  client,
		logger:  l,
	}
}

// Issue exchanges grant for a credential
func (c *Client) Issue(ctx context.Context, grant models.Grant) (AuthResponse, error) {
	var path string

	switch grant.(type) {
	case models.LoginCredentials:
		path = PathLogin
	case models.RegisterData:
		path = PathRegister
	case models.FederatedCode:
		path = PathGoogle
	case models.EmailVerification:
		path = PathVerify
	default:
		return AuthResponse{}, fmt.Errorf("unknown grant %T", grant)
	}

	var resp AuthResponse
	err := c.post(ctx, path, grant, &resp, apperrors.ErrInvalidCredentials)
	if err != nil {
		return resp, err
	}

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		c.logger.Warn("Identity endpoint returned incomplete credential", "path", path)
		return AuthResponse{}, &Error{Status: http.StatusOK, Detail: "incomplete credential", Err: apperrors.ErrInvalidCredentials}
	}

	return resp, nil
}

// Refresh exchanges refresh token for a new pair
func (c *Client) Refresh(ctx context.Context, refreshToken string) (AuthResponse, error) {
	var resp AuthResponse

	err := c.post(ctx, PathRefresh, map[string]string{"refresh_token": refreshToken}, &resp, apperrors.ErrRefreshRejected)
	if err != nil {
		return resp, err
	}

	if resp.AccessToken == "" || resp.RefreshToken == "" {
		return AuthResponse{}, &Error{Status: http.StatusOK, Detail: "incomplete credential", Err: apperrors.ErrRefreshRejected}
	}

	return resp, nil
}

// ResendCode asks the identity endpoint to send a new activation code
func (c *Client) ResendCode(ctx context.Context, email string) error {
	return c.post(ctx, PathResendCode, map[string]string{"email": email}, nil, apperrors.ErrInvalidCredentials)
}

// post sends JSON body and decodes JSON response into out (if not nil)
// 4xx responses are reported as rejected, anything else unexpected as network error
func (c *Client) post(ctx context.Context, path string, in any, out any, rejected error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to send request: %w", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.logger.Warn("Failed to decode response", "path", path, "error", err)
			return fmt.Errorf("%w: failed to decode response: %w", apperrors.ErrNetwork, err)
		}
		return nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Info("Identity endpoint rejected request", "path", path, "status_code", resp.StatusCode)
		return &Error{Status: resp.StatusCode, Detail: transport.ReadDetail(resp.Body), Err: rejected}

	default:
		c.logger.Warn("Identity endpoint failed", "path", path, "status_code", resp.StatusCode)
		return &Error{Status: resp.StatusCode, Detail: transport.ReadDetail(resp.Body), Err: apperrors.ErrNetwork}
	}
}
