package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/logger"
	"github.com/nkiryanov/glavbuh/internal/metrics"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/transport"
)

type tokenService interface {
	Current(ctx context.Context) (models.Credential, error)
	Refresh(ctx context.Context, staleAccess string) (models.Credential, error)
	Expire(ctx context.Context, rejectedAccess string, cause error) error
}

// Non-2xx response of the remote API
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: status %d", e.Status)
	}
	return fmt.Sprintf("api: status %d: %s", e.Status, e.Detail)
}

// Gateway sends authenticated requests to the remote API
// Expired access token is refreshed transparently and the request replayed once
type Gateway struct {
	BaseURL string

	client  *http.Client
	tokens  tokenService
	metrics *metrics.Metrics
	logger  logger.Logger
}

func New(baseURL string, client *http.Client, tokens tokenService, m *metrics.Metrics, l logger.Logger) *Gateway {
	if client == nil {
		client = &http.Client{}
	}

	return &Gateway{
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		tokens:  tokens,
		metrics: m,
		logger:  l,
	}
}

// Do sends req with the current access token
// Returns apperrors.ErrNotAuthenticated without any request if there is no credential,
// apperrors.ErrSessionExpired if the credential could not be recovered.
// Any response other than 401 is returned unmodified
func (g *Gateway) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cred, err := g.tokens.Current(ctx)
	switch {
	case errors.Is(err, apperrors.ErrNoCredential):
		return nil, apperrors.ErrNotAuthenticated
	case err != nil:
		return nil, err
	}

	if err := replayable(req); err != nil {
		return nil, err
	}

	resp, err := g.send(ctx, req, cred)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	discard(resp)

	g.logger.Debug("Access token rejected, refreshing", "uri", req.URL.Path)

	fresh, err := g.tokens.Refresh(ctx, cred.AccessToken)
	if err != nil {
		return nil, err
	}

	g.metrics.IncRetry()

	resp, err = g.send(ctx, req, fresh)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	cause := &StatusError{Status: resp.StatusCode, Detail: transport.ReadDetail(resp.Body)}
	discard(resp)

	g.logger.Info("Refreshed access token rejected, session expired", "uri", req.URL.Path)

	if err := g.tokens.Expire(ctx, fresh.AccessToken, cause); err != nil {
		return nil, err
	}

	// Credential was replaced meanwhile, the session is alive and only this request failed
	return nil, cause
}

// DoJSON sends in as JSON body (if not nil) to path and decodes response into out (if not nil)
// Non-2xx responses are returned as *StatusError
func (g *Gateway) DoJSON(ctx context.Context, method string, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.Do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Status: resp.StatusCode, Detail: transport.ReadDetail(resp.Body)}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", apperrors.ErrNetwork, err)
	}
	return nil
}

func (g *Gateway) send(ctx context.Context, req *http.Request, cred models.Credential) (*http.Response, error) {
	r := req.Clone(ctx)

	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to replay request body: %w", err)
		}
		r.Body = body
	}

	token := &oauth2.Token{AccessToken: cred.AccessToken, TokenType: cred.TokenType}
	token.SetAuthHeader(r)

	resp, err := g.client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to send request: %w", apperrors.ErrNetwork, err)
	}
	return resp, nil
}

// Request may be sent twice, so its body must be readable twice
func replayable(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}

	b, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
	req.Body, _ = req.GetBody()
	return nil
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
