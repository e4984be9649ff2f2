package credstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/storage"
)

const (
	accessKey    = "auth_token"
	refreshKey   = "refresh_token"
	tokenTypeKey = "token_type"

	defaultTokenType = "bearer"
)

// Credential store over platform key/value storage
// Tokens are kept as independent entries but always written and wiped together
type Store struct {
	mu      sync.RWMutex
	backend storage.Backend
}

func New(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Save both tokens at once. Incomplete credential is refused
func (s *Store) Save(ctx context.Context, c models.Credential) error {
	if !c.IsComplete() {
		return errors.New("credential must have both access and refresh tokens")
	}

	tokenType := c.TokenType
	if tokenType == "" {
		tokenType = defaultTokenType
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.backend.SetMany(ctx, map[string]string{
		accessKey:    c.AccessToken,
		refreshKey:   c.RefreshToken,
		tokenTypeKey: tokenType,
	})
	if err != nil {
		return fmt.Errorf("error while saving credential. Err: %w", err)
	}

	return nil
}

// Load stored credential
// Return apperrors.ErrNoCredential if nothing stored. Half stored pair is wiped and treated as nothing
func (s *Store) Load(ctx context.Context) (models.Credential, error) {
	s.mu.RLock()
	c, err := s.read(ctx)
	s.mu.RUnlock()

	switch {
	case err != nil:
		return models.Credential{}, err
	case c.IsComplete():
		return c, nil
	case c.IsZero():
		return models.Credential{}, apperrors.ErrNoCredential
	}

	return s.wipeOrphan(ctx)
}

// Wipe a token stored without its pair
// Pair is read again under write lock: Save may have completed it since
func (s *Store) wipeOrphan(ctx context.Context) (models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.read(ctx)
	switch {
	case err != nil:
		return models.Credential{}, err
	case c.IsComplete():
		return c, nil
	case c.IsZero():
		return models.Credential{}, apperrors.ErrNoCredential
	}

	if err := s.clearLocked(ctx); err != nil {
		return models.Credential{}, err
	}
	return models.Credential{}, apperrors.ErrNoCredential
}

// Clear both tokens
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) error {
	if err := s.backend.Delete(ctx, accessKey, refreshKey, tokenTypeKey); err != nil {
		return fmt.Errorf("error while clearing credential. Err: %w", err)
	}

	return nil
}

func (s *Store) read(ctx context.Context) (models.Credential, error) {
	var c models.Credential

	for key, dst := range map[string]*string{
		accessKey:    &c.AccessToken,
		refreshKey:   &c.RefreshToken,
		tokenTypeKey: &c.TokenType,
	} {
		v, err := s.backend.Get(ctx, key)
		switch {
		case err == nil:
			*dst = v
		case errors.Is(err, storage.ErrNotFound):
			continue
		default:
			return c, fmt.Errorf("error while reading credential. Err: %w", err)
		}
	}

	return c, nil
}
