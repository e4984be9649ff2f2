package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/identity"
	"github.com/nkiryanov/glavbuh/internal/logger"
	"github.com/nkiryanov/glavbuh/internal/metrics"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/service/validate"
)

const refreshKey = "refresh"

type identityClient interface {
	Issue(ctx context.Context, grant models.Grant) (identity.AuthResponse, error)
	Refresh(ctx context.Context, refreshToken string) (identity.AuthResponse, error)
}

type credentialStore interface {
	Save(ctx context.Context, c models.Credential) error
	Load(ctx context.Context) (models.Credential, error)
	Clear(ctx context.Context) error
}

// Observer is notified about credential lifecycle
// Called under the service write lock: implementation must not call back into the service
type Observer interface {
	RefreshStarted()
	Refreshed(c models.Credential, user *models.Identity)
	Expired(cause error)
}

type noopObserver struct{}

func (noopObserver) RefreshStarted()                               {}
func (noopObserver) Refreshed(models.Credential, *models.Identity) {}
func (noopObserver) Expired(error)                                 {}

// Token service is the only writer of the credential store
type Service struct {
	// Serializes every store write: issuance, refresh exchange, revocation and expiry
	mu sync.Mutex

	group singleflight.Group

	store    credentialStore
	client   identityClient
	observer Observer
	metrics  *metrics.Metrics
	logger   logger.Logger
}

func New(store credentialStore, client identityClient, m *metrics.Metrics, l logger.Logger) *Service {
	return &Service{
		store:    store,
		client:   client,
		observer: noopObserver{},
		metrics:  m,
		logger:   l,
	}
}

// SetObserver must be called before the service is used concurrently
func (s *Service) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	s.observer = o
}

// Issue exchanges grant for a new credential and persists it
// User is nil if the identity endpoint did not return it with the tokens
func (s *Service) Issue(ctx context.Context, grant models.Grant) (*models.Identity, models.Credential, error) {
	if err := validate.Struct(grant); err != nil {
		return nil, models.Credential{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidCredentials, err)
	}

	resp, err := s.client.Issue(ctx, grant)
	if err != nil {
		return nil, models.Credential{}, err
	}

	c := resp.Credential()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.Save(ctx, c); err != nil {
		return nil, models.Credential{}, err
	}

	return resp.User, c, nil
}

// Current returns stored credential or apperrors.ErrNoCredential
func (s *Service) Current(ctx context.Context) (models.Credential, error) {
	return s.store.Load(ctx)
}

// Refresh exchanges refresh token for a new credential
// Concurrent callers share one exchange. If stored access token differs from staleAccess it was
// already refreshed and the stored credential is returned as is.
// Any failure wipes both tokens and is reported as apperrors.ErrSessionExpired
func (s *Service) Refresh(ctx context.Context, staleAccess string) (models.Credential, error) {
	// Exchange must not be aborted because one of the waiting callers gave up
	ch := s.group.DoChan(refreshKey, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), staleAccess)
	})

	select {
	case <-ctx.Done():
		return models.Credential{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Credential{}, res.Err
		}
		return res.Val.(models.Credential), nil
	}
}

func (s *Service) refresh(ctx context.Context, staleAccess string) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()

	current, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, apperrors.ErrNoCredential):
		s.metrics.ObserveRefresh(metrics.OutcomeMissing, start)
		return models.Credential{}, s.expireLocked(ctx, fmt.Errorf("%w: %w", apperrors.ErrRefreshRejected, err))
	case err != nil:
		return models.Credential{}, fmt.Errorf("error while loading credential. Err: %w", err)
	}

	if staleAccess != "" && current.AccessToken != staleAccess {
		s.logger.Debug("Credential already refreshed, skip exchange")
		return current, nil
	}

	s.observer.RefreshStarted()

	resp, err := s.client.Refresh(ctx, current.RefreshToken)
	if err != nil {
		outcome := metrics.OutcomeRejected
		if !errors.Is(err, apperrors.ErrRefreshRejected) {
			outcome = metrics.OutcomeNetwork
		}
		s.metrics.ObserveRefresh(outcome, start)
		s.logger.Info("Refresh exchange failed", "outcome", outcome, "error", err)
		return models.Credential{}, s.expireLocked(ctx, err)
	}

	c := resp.Credential()
	if err := s.store.Save(ctx, c); err != nil {
		s.metrics.ObserveRefresh(metrics.OutcomeNetwork, start)
		return models.Credential{}, s.expireLocked(ctx, err)
	}

	s.metrics.ObserveRefresh(metrics.OutcomeSuccess, start)
	s.observer.Refreshed(c, resp.User)
	s.logger.Debug("Credential refreshed")

	return c, nil
}

// Revoke wipes the credential locally. No network call
// Waits for in-flight refresh, so it can't re-populate the store after revocation
func (s *Service) Revoke(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store.Clear(ctx)
}

// Expire ends the session because a credential was rejected right after refresh
// No-op if rejectedAccess is no longer the stored access token
func (s *Service) Expire(ctx context.Context, rejectedAccess string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.Load(ctx)
	switch {
	case errors.Is(err, apperrors.ErrNoCredential):
		return fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, cause)
	case err == nil && current.AccessToken != rejectedAccess:
		return nil
	}

	return s.expireLocked(ctx, cause)
}

// Wipe both tokens and notify observer. Returns cause wrapped with apperrors.ErrSessionExpired
func (s *Service) expireLocked(ctx context.Context, cause error) error {
	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error("Failed to wipe credential", "error", err)
	}

	s.metrics.IncExpiry()
	s.observer.Expired(cause)

	return fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, cause)
}
