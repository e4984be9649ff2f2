package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/logger"
	"github.com/nkiryanov/glavbuh/internal/metrics"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/storage"
)

const (
	defaultTimeout = 10 * time.Second

	keyToken    = "push_token"
	keyState    = "push_token_registered"
	keyOwner    = "push_owner"
	keyDisabled = "push_disabled"
	keyDeviceID = "device_id"
)

// Operation names used in logs and metrics
const (
	OpRegisterAnonymous = "register_anonymous"
	OpLink              = "link"
	OpRegister          = "register"
	OpRemove            = "remove"
	OpToken             = "token"
	OpPersist           = "persist"
)

type pushAPI interface {
	RegisterAnonymous(ctx context.Context, token, platform, deviceID string) error
	Link(ctx context.Context, anonymousToken string) error
	Register(ctx context.Context, token string) error
	Remove(ctx context.Context) error
}

// Binder keeps the device push identity bound to whoever uses the install: anonymous or a user
// Network failures never fail the caller flow. They are logged, counted and returned wrapped
// with apperrors.ErrNonCritical
type Binder struct {
	mu       sync.Mutex
	loaded   bool
	state    models.PushIdentity
	deviceID string

	store    storage.Backend
	platform Platform
	api      pushAPI
	timeout  time.Duration
	metrics  *metrics.Metrics
	logger   logger.Logger
}

func NewBinder(store storage.Backend, platform Platform, api pushAPI, m *metrics.Metrics, l logger.Logger) *Binder {
	return &Binder{
		store:    store,
		platform: platform,
		api:      api,
		timeout:  defaultTimeout,
		metrics:  m,
		logger:   l.With("component", "push"),
	}
}

// Current returns copy of the push identity
func (b *Binder) Current() models.PushIdentity {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.state
	if p.OwnerUserID != nil {
		id := *p.OwnerUserID
		p.OwnerUserID = &id
	}
	return p
}

// DeviceID returns install id, empty before Start
func (b *Binder) DeviceID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deviceID
}

// Start restores persisted identity and binds it to user, or anonymously if user is nil
func (b *Binder) Start(ctx context.Context, user *models.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadLocked(ctx); err != nil {
		return err
	}

	if user != nil {
		return b.bindUserLocked(ctx, user.ID)
	}

	var errs []error

	// Binding left from a session which is gone now
	if b.state.State == models.BindingUserBound || b.state.State == models.BindingLinkPending {
		b.logger.Info("Reset stale user binding", "state", b.state.State)
		b.state.State = models.BindingUnbound
		b.state.OwnerUserID = nil
		errs = append(errs, b.persistLocked(ctx))
	}

	token, err := b.obtainLocked(ctx)
	errs = append(errs, err)
	if token == "" {
		return b.nonCritical(errs...)
	}

	if b.state.State == models.BindingAnonymousBound && b.state.Token == token {
		b.logger.Debug("Anonymous token already registered")
		return b.nonCritical(errs...)
	}

	errs = append(errs, b.registerAnonymousLocked(ctx, token))
	return b.nonCritical(errs...)
}

// BindUser binds the device token to the authenticated user
func (b *Binder) BindUser(ctx context.Context, user models.Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadLocked(ctx); err != nil {
		return err
	}

	return b.bindUserLocked(ctx, user.ID)
}

// Unbind removes user association of the token and falls back to anonymous registration
// Must be called while the credential is still valid
func (b *Binder) Unbind(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadLocked(ctx); err != nil {
		return err
	}

	if b.state.State != models.BindingUserBound && b.state.State != models.BindingLinkPending {
		return nil
	}

	var errs []error
	errs = append(errs, b.call(ctx, OpRemove, func(ctx context.Context) error {
		return b.api.Remove(ctx)
	}))

	b.state.State = models.BindingUnbound
	b.state.OwnerUserID = nil
	errs = append(errs, b.persistLocked(ctx))

	// Raw token is retained, it can be registered again without asking the platform
	if b.state.Token != "" {
		errs = append(errs, b.registerAnonymousLocked(ctx, b.state.Token))
	}

	return b.nonCritical(errs...)
}

// TokenRotated re-registers new platform token under the current binding
func (b *Binder) TokenRotated(ctx context.Context, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.loadLocked(ctx); err != nil {
		return err
	}

	if token == "" || token == b.state.Token || b.state.Disabled != models.DisabledNone {
		return nil
	}

	b.logger.Info("Push token rotated", "state", b.state.State)

	switch b.state.State {
	case models.BindingUserBound:
		err := b.call(ctx, OpRegister, func(ctx context.Context) error {
			return b.api.Register(ctx, token)
		})
		if err != nil {
			// Old token kept, so the next start notices the rotation and retries
			return b.nonCritical(err)
		}
		b.state.Token = token
		return b.nonCritical(b.persistLocked(ctx))

	case models.BindingAnonymousBound:
		return b.nonCritical(b.registerAnonymousLocked(ctx, token))

	default:
		b.state.Token = token
		return b.nonCritical(b.persistLocked(ctx))
	}
}

// Watch consumes token rotation events until ctx is done or in is closed
// Returned channel is closed when the watcher stopped
func (b *Binder) Watch(ctx context.Context, in <-chan string) <-chan struct{} {
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		for {
			select {
			case <-ctx.Done():
				return

			case token, ok := <-in:
				if !ok {
					b.logger.Debug("Token watcher stopped, input channel closed")
					return
				}

				if err := b.TokenRotated(ctx, token); err != nil {
					b.logger.Warn("Failed to handle token rotation", "error", err)
				}
			}
		}
	}()

	return stopped
}

func (b *Binder) bindUserLocked(ctx context.Context, userID int64) error {
	if b.state.Disabled != models.DisabledNone {
		return nil
	}

	var errs []error

	token, err := b.obtainLocked(ctx)
	errs = append(errs, err)
	if token == "" {
		return b.nonCritical(errs...)
	}

	if b.state.State == models.BindingUserBound && *b.state.OwnerUserID == userID && b.state.Token == token {
		b.logger.Debug("Token already bound to user")
		return b.nonCritical(errs...)
	}

	prev := b.state
	linked := false

	if b.state.State == models.BindingAnonymousBound || b.state.State == models.BindingLinkPending {
		anonymous := b.state.Token

		b.state.State = models.BindingLinkPending
		errs = append(errs, b.persistLocked(ctx))

		err := b.call(ctx, OpLink, func(ctx context.Context) error {
			return b.api.Link(ctx, anonymous)
		})
		errs = append(errs, err)
		linked = err == nil && anonymous == token
	}

	// Registration guarantees the binding whatever link outcome was
	err = b.call(ctx, OpRegister, func(ctx context.Context) error {
		return b.api.Register(ctx, token)
	})
	errs = append(errs, err)

	switch {
	case err == nil || linked:
		id := userID
		b.state.Token = token
		b.state.State = models.BindingUserBound
		b.state.OwnerUserID = &id
	case prev.State == models.BindingLinkPending:
		b.state.State = models.BindingAnonymousBound
	case prev.State == models.BindingUnbound:
		b.state.Token = token
	default:
		b.state.State = prev.State
		b.state.OwnerUserID = prev.OwnerUserID
	}

	errs = append(errs, b.persistLocked(ctx))
	return b.nonCritical(errs...)
}

// obtainLocked returns token to register, empty if push is impossible for this install
// Denied permission and unsupported platform are recorded permanently
func (b *Binder) obtainLocked(ctx context.Context) (string, error) {
	if b.state.Disabled != models.DisabledNone {
		return "", nil
	}

	if !b.platform.Supported() {
		b.logger.Info("Push is not supported on platform", "platform", b.platform.Name())
		return "", b.disableLocked(ctx, models.DisabledUnsupported)
	}

	if b.state.Token == "" {
		err := b.platform.RequestPermission(ctx)
		switch {
		case errors.Is(err, apperrors.ErrPermissionDenied):
			b.logger.Info("Push permission denied")
			return "", b.disableLocked(ctx, models.DisabledDenied)
		case err != nil:
			b.metrics.IncPushFailure(OpToken)
			return "", fmt.Errorf("%s: %w", OpToken, err)
		}
	}

	token, err := b.platform.Token(ctx)
	if err != nil {
		b.logger.Warn("Failed to get push token, using cached one", "error", err)
		b.metrics.IncPushFailure(OpToken)
		return b.state.Token, fmt.Errorf("%s: %w", OpToken, err)
	}

	return token, nil
}

func (b *Binder) registerAnonymousLocked(ctx context.Context, token string) error {
	err := b.call(ctx, OpRegisterAnonymous, func(ctx context.Context) error {
		return b.api.RegisterAnonymous(ctx, token, b.platform.Name(), b.deviceID)
	})

	b.state.Token = token
	b.state.OwnerUserID = nil
	if err == nil {
		b.state.State = models.BindingAnonymousBound
	} else {
		b.state.State = models.BindingUnbound
	}

	return errors.Join(err, b.persistLocked(ctx))
}

func (b *Binder) disableLocked(ctx context.Context, reason models.DisabledReason) error {
	b.state = models.PushIdentity{Token: b.state.Token, Disabled: reason}
	return b.persistLocked(ctx)
}

// call runs one push API request with bounded time. Failure is logged and counted
func (b *Binder) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := fn(ctx); err != nil {
		b.logger.Warn("Push operation failed", "operation", op, "error", err)
		b.metrics.IncPushFailure(op)
		return fmt.Errorf("%s: %w", op, err)
	}

	b.logger.Debug("Push operation succeeded", "operation", op)
	return nil
}

func (b *Binder) nonCritical(errs ...error) error {
	err := errors.Join(errs...)
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", apperrors.ErrNonCritical, err)
}

func (b *Binder) loadLocked(ctx context.Context) error {
	if b.loaded {
		return nil
	}

	values := make(map[string]string)
	for _, key := range []string{keyToken, keyState, keyOwner, keyDisabled, keyDeviceID} {
		v, err := b.store.Get(ctx, key)
		switch {
		case err == nil:
			values[key] = v
		case errors.Is(err, storage.ErrNotFound):
		default:
			return fmt.Errorf("error while loading push identity. Err: %w", err)
		}
	}

	p := models.PushIdentity{
		Token:    values[keyToken],
		State:    models.BindingState(values[keyState]),
		Disabled: models.DisabledReason(values[keyDisabled]),
	}
	if owner, err := strconv.ParseInt(values[keyOwner], 10, 64); err == nil {
		p.OwnerUserID = &owner
	}

	if !p.Valid() {
		b.logger.Warn("Persisted push identity is inconsistent, reset binding", "state", p.State)
		p.State = models.BindingUnbound
		p.OwnerUserID = nil
	}

	b.state = p
	b.deviceID = values[keyDeviceID]
	b.loaded = true

	if b.deviceID == "" {
		b.deviceID = uuid.NewString()
		if err := b.store.Set(ctx, keyDeviceID, b.deviceID); err != nil {
			return fmt.Errorf("error while saving device id. Err: %w", err)
		}
	}

	return nil
}

func (b *Binder) persistLocked(ctx context.Context) error {
	set := make(map[string]string)
	var unset []string

	put := func(key, value string) {
		if value == "" {
			unset = append(unset, key)
			return
		}
		set[key] = value
	}

	put(keyToken, b.state.Token)
	put(keyState, string(b.state.State))
	put(keyDisabled, string(b.state.Disabled))
	if b.state.OwnerUserID != nil {
		put(keyOwner, strconv.FormatInt(*b.state.OwnerUserID, 10))
	} else {
		put(keyOwner, "")
	}

	if len(set) > 0 {
		if err := b.store.SetMany(ctx, set); err != nil {
			b.metrics.IncPushFailure(OpPersist)
			return fmt.Errorf("%s: %w", OpPersist, err)
		}
	}
	if len(unset) > 0 {
		if err := b.store.Delete(ctx, unset...); err != nil {
			b.metrics.IncPushFailure(OpPersist)
			return fmt.Errorf("%s: %w", OpPersist, err)
		}
	}

	return nil
}
