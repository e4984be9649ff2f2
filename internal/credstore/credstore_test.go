package credstore

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/storage"
)

// Backend which runs hook once, right after the first full read of the pair
type hookBackend struct {
	*storage.Memory

	gets int
	hook func()
}

func (b *hookBackend) Get(ctx context.Context, key string) (string, error) {
	b.gets++
	if b.gets == 4 && b.hook != nil {
		b.hook()
	}
	return b.Memory.Get(ctx, key)
}

func TestStore(t *testing.T) {
	t.Parallel()

	t.Run("load empty", func(t *testing.T) {
		s := New(storage.NewMemory())

		_, err := s.Load(t.Context())

		require.ErrorIs(t, err, apperrors.ErrNoCredential)
	})

	t.Run("save and load", func(t *testing.T) {
		s := New(storage.NewMemory())

		err := s.Save(t.Context(), models.Credential{AccessToken: "a", RefreshToken: "r", TokenType: "bearer"})
		require.NoError(t, err)

		c, err := s.Load(t.Context())
		require.NoError(t, err)
		require.Equal(t, models.Credential{AccessToken: "a", RefreshToken: "r", TokenType: "bearer"}, c)
	})

	t.Run("default token type", func(t *testing.T) {
		s := New(storage.NewMemory())

		require.NoError(t, s.Save(t.Context(), models.Credential{AccessToken: "a", RefreshToken: "r"}))

		c, err := s.Load(t.Context())
		require.NoError(t, err)
		require.Equal(t, "bearer", c.TokenType)
	})

	t.Run("incomplete credential refused", func(t *testing.T) {
		backend := storage.NewMemory()
		s := New(backend)

		err := s.Save(t.Context(), models.Credential{AccessToken: "a"})

		require.Error(t, err)
		require.Equal(t, 0, backend.Len(), "nothing should be written")
	})

	t.Run("clear wipes both tokens", func(t *testing.T) {
		backend := storage.NewMemory()
		s := New(backend)
		require.NoError(t, s.Save(t.Context(), models.Credential{AccessToken: "a", RefreshToken: "r"}))

		require.NoError(t, s.Clear(t.Context()))

		require.Equal(t, 0, backend.Len())
		_, err := s.Load(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoCredential)
	})

	t.Run("half stored pair is wiped on load", func(t *testing.T) {
		backend := storage.NewMemory()
		require.NoError(t, backend.Set(t.Context(), "auth_token", "orphan"))
		s := New(backend)

		_, err := s.Load(t.Context())

		require.ErrorIs(t, err, apperrors.ErrNoCredential)
		require.Equal(t, 0, backend.Len(), "orphan access token must be removed")
	})

	t.Run("pair completed before orphan wipe is kept", func(t *testing.T) {
		backend := &hookBackend{Memory: storage.NewMemory()}
		require.NoError(t, backend.Set(t.Context(), "auth_token", "a1"))
		backend.hook = func() {
			// Save landed between the read and the wipe
			require.NoError(t, backend.SetMany(t.Context(), map[string]string{
				"auth_token":    "a1",
				"refresh_token": "r1",
				"token_type":    "bearer",
			}))
		}
		s := New(backend)

		c, err := s.Load(t.Context())

		require.NoError(t, err)
		require.Equal(t, models.Credential{AccessToken: "a1", RefreshToken: "r1", TokenType: "bearer"}, c)
		require.Equal(t, 3, backend.Len(), "saved pair must not be wiped")
	})

	t.Run("concurrent load never sees mixed pair", func(t *testing.T) {
		s := New(storage.NewMemory())
		require.NoError(t, s.Save(t.Context(), models.Credential{AccessToken: "a0", RefreshToken: "r0"}))

		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			for i := range 200 {
				_ = s.Save(t.Context(), models.Credential{
					AccessToken:  fmt.Sprintf("a%d", i),
					RefreshToken: fmt.Sprintf("r%d", i),
				})
			}
		}()

		go func() {
			defer wg.Done()
			for range 200 {
				c, err := s.Load(t.Context())
				if err != nil {
					continue
				}
				assert.Equal(t, c.AccessToken[1:], c.RefreshToken[1:], "tokens must come from the same pair")
			}
		}()

		wg.Wait()
	})
}
