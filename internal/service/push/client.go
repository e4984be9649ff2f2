package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/gateway"
)

const (
	PathRegisterAnonymous = "/api/push/register-anonymous"
	PathLink              = "/api/push/link-to-user"
	PathRegister          = "/api/push/register"
	PathToken             = "/api/push/token"
)

type authenticatedAPI interface {
	DoJSON(ctx context.Context, method string, path string, in any, out any) error
}

// Client of the push delivery endpoints
// Anonymous registration goes directly, everything else through the authenticated gateway
type Client struct {
	BaseURL string

	client *http.Client
	api    authenticatedAPI
}

func NewClient(baseURL string, client *http.Client, api authenticatedAPI) *Client {
	if client == nil {
		client = &http.Client{}
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		api:     api,
	}
}

func (c *Client) RegisterAnonymous(ctx context.Context, token, platform, deviceID string) error {
	body, err := json.Marshal(map[string]string{
		"token":     token,
		"platform":  platform,
		"device_id": deviceID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+PathRegisterAnonymous, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: failed to send request: %w", apperrors.ErrNetwork, err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &gateway.StatusError{Status: resp.StatusCode}
	}
	return nil
}

// Link anonymous token to the authenticated user
// Token not found or already linked is not an error
func (c *Client) Link(ctx context.Context, anonymousToken string) error {
	err := c.api.DoJSON(ctx, http.MethodPost, PathLink, map[string]string{"anonymous_token": anonymousToken}, nil)

	var serr *gateway.StatusError
	if errors.As(err, &serr) && (serr.Status == http.StatusNotFound || serr.Status == http.StatusConflict) {
		return nil
	}
	return err
}

func (c *Client) Register(ctx context.Context, token string) error {
	return c.api.DoJSON(ctx, http.MethodPost, PathRegister, map[string]string{"push_token": token}, nil)
}

// Remove token association of the authenticated user
func (c *Client) Remove(ctx context.Context) error {
	return c.api.DoJSON(ctx, http.MethodDelete, PathToken, nil, nil)
}
