package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/identity"
	"github.com/nkiryanov/glavbuh/internal/logger"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/service/validate"
)

const subscriberBuffer = 16

type tokenService interface {
	Issue(ctx context.Context, grant models.Grant) (*models.Identity, models.Credential, error)
	Current(ctx context.Context) (models.Credential, error)
	Revoke(ctx context.Context) error
}

type authenticatedAPI interface {
	DoJSON(ctx context.Context, method string, path string, in any, out any) error
}

type pushBinder interface {
	Start(ctx context.Context, user *models.Identity) error
	BindUser(ctx context.Context, user models.Identity) error
	Unbind(ctx context.Context) error
}

type codeSender interface {
	ResendCode(ctx context.Context, email string) error
}

// Controller owns the session of the process. Exactly one must exist and be shared by reference
type Controller struct {
	// Serializes user operations: start, login, logout and so on
	opMu sync.Mutex

	// Guards snapshot and subscribers. Token service callbacks take only this one
	mu       sync.Mutex
	identity *models.Identity
	state    models.SessionState
	subs     map[int]chan models.Snapshot
	nextSub  int

	tokens tokenService
	api    authenticatedAPI
	binder pushBinder
	codes  codeSender
	logger logger.Logger
}

func New(tokens tokenService, api authenticatedAPI, binder pushBinder, codes codeSender, l logger.Logger) *Controller {
	return &Controller{
		state:  models.StateLoggedOut,
		subs:   make(map[int]chan models.Snapshot),
		tokens: tokens,
		api:    api,
		binder: binder,
		codes:  codes,
		logger: l.With("component", "session"),
	}
}

// Current returns read-only copy of the session
func (c *Controller) Current() models.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns channel receiving every session change and function to stop receiving
// Slow subscriber loses the oldest changes, never the latest one
func (c *Controller) Subscribe() (<-chan models.Snapshot, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++

	ch := make(chan models.Snapshot, subscriberBuffer)
	c.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.subs, id)
			close(ch)
		})
	}
}

// Start restores persisted session
// Session expired while the app was closed ends logged out without error
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if state := c.currentState(); state != models.StateLoggedOut {
		return fmt.Errorf("%w: start from %s", apperrors.ErrInvalidTransition, state)
	}

	_, err := c.tokens.Current(ctx)
	switch {
	case errors.Is(err, apperrors.ErrNoCredential):
		c.logger.Debug("No stored credential")
		c.bindAnonymous(ctx)
		return nil
	case err != nil:
		return err
	}

	c.set(models.StateLoggedIn, nil)

	user, err := c.fetchIdentity(ctx)
	switch {
	case errors.Is(err, apperrors.ErrSessionExpired):
		c.logger.Info("Stored session expired")
		c.bindAnonymous(ctx)
		return nil
	case err != nil:
		// Keep the session. Identity and push binding are completed on next RefreshIdentity
		c.logger.Warn("Failed to fetch identity on start", "error", err)
		return nil
	}

	c.set(models.StateLoggedIn, &user)

	if err := c.binder.Start(ctx, &user); err != nil {
		c.logger.Warn("Push binding failed", "error", err)
	}
	return nil
}

func (c *Controller) Login(ctx context.Context, creds models.LoginCredentials) (models.Identity, error) {
	return c.authenticate(ctx, creds)
}

// Register creates account and authenticates. Returned identity may be unverified
func (c *Controller) Register(ctx context.Context, data models.RegisterData) (models.Identity, error) {
	return c.authenticate(ctx, data)
}

// FederatedLogin exchanges one-time code of the federated provider
func (c *Controller) FederatedLogin(ctx context.Context, code models.FederatedCode) (models.Identity, error) {
	return c.authenticate(ctx, code)
}

// VerifyEmail activates account with the emailed code. The endpoint issues a fresh credential,
// so it works both for unauthenticated and for just registered sessions
func (c *Controller) VerifyEmail(ctx context.Context, v models.EmailVerification) (models.Identity, error) {
	return c.authenticate(ctx, v)
}

func (c *Controller) ResendActivationCode(ctx context.Context, email string) error {
	return c.codes.ResendCode(ctx, email)
}

func (c *Controller) authenticate(ctx context.Context, grant models.Grant) (models.Identity, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	prev := c.Current()

	switch {
	case prev.State == models.StateLoggedOut:
	case prev.State == models.StateLoggedIn && isVerification(grant):
	default:
		return models.Identity{}, fmt.Errorf("%w: authenticate from %s", apperrors.ErrInvalidTransition, prev.State)
	}

	c.set(models.StateLoggingIn, prev.Identity)

	user, _, err := c.tokens.Issue(ctx, grant)
	if err != nil {
		c.restore(prev)
		return models.Identity{}, err
	}

	if user == nil {
		c.set(models.StateLoggedIn, nil)

		fetched, err := c.fetchIdentity(ctx)
		if err != nil {
			c.logger.Warn("Failed to fetch identity after login, drop credential", "error", err)
			if rerr := c.tokens.Revoke(ctx); rerr != nil {
				c.logger.Error("Failed to revoke credential", "error", rerr)
			}
			c.set(models.StateLoggedOut, nil)
			return models.Identity{}, err
		}
		user = &fetched
	}

	c.set(models.StateLoggedIn, user)
	c.logger.Info("Logged in", "user_id", user.ID, "verified", user.IsVerified)

	if err := c.binder.BindUser(ctx, *user); err != nil {
		c.logger.Warn("Push binding failed", "error", err)
	}

	return *user, nil
}

// Logout unbinds push identity while the credential is still valid, then wipes it
// Unbind failure never blocks logout
func (c *Controller) Logout(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	return c.logoutLocked(ctx, true)
}

func (c *Controller) logoutLocked(ctx context.Context, unbind bool) error {
	if unbind {
		if err := c.binder.Unbind(ctx); err != nil {
			c.logger.Warn("Push unbind failed", "error", err)
		}
	}

	err := c.tokens.Revoke(ctx)
	c.set(models.StateLoggedOut, nil)

	if err != nil {
		return fmt.Errorf("error while revoking credential. Err: %w", err)
	}

	c.logger.Info("Logged out")
	return nil
}

// RefreshIdentity fetches identity again, e.g. after profile changed elsewhere
func (c *Controller) RefreshIdentity(ctx context.Context) (models.Identity, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.requireAuthenticated(); err != nil {
		return models.Identity{}, err
	}

	unknown := c.Current().Identity == nil

	user, err := c.fetchIdentity(ctx)
	if err != nil {
		return models.Identity{}, err
	}

	c.setIdentity(&user)

	// Start could not fetch identity, so push binding was skipped
	if unknown {
		if err := c.binder.Start(ctx, &user); err != nil {
			c.logger.Warn("Push binding failed", "error", err)
		}
	}
	return user, nil
}

func (c *Controller) UpdateProfile(ctx context.Context, upd models.ProfileUpdate) (models.Identity, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.requireAuthenticated(); err != nil {
		return models.Identity{}, err
	}

	if err := validate.Struct(upd); err != nil {
		return models.Identity{}, err
	}

	var user models.Identity
	if err := c.api.DoJSON(ctx, http.MethodPut, identity.PathProfile, upd, &user); err != nil {
		return models.Identity{}, err
	}

	c.setIdentity(&user)
	return user, nil
}

// DeleteAccount deletes account remotely and ends the session locally
func (c *Controller) DeleteAccount(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if err := c.requireAuthenticated(); err != nil {
		return err
	}

	if err := c.api.DoJSON(ctx, http.MethodDelete, identity.PathAccount, nil, nil); err != nil {
		return err
	}

	// Server dropped user push tokens together with the account
	if err := c.logoutLocked(ctx, false); err != nil {
		return err
	}
	c.bindAnonymous(ctx)
	return nil
}

func (c *Controller) fetchIdentity(ctx context.Context) (models.Identity, error) {
	var user models.Identity
	err := c.api.DoJSON(ctx, http.MethodGet, identity.PathMe, nil, &user)
	return user, err
}

func (c *Controller) bindAnonymous(ctx context.Context) {
	if err := c.binder.Start(ctx, nil); err != nil {
		c.logger.Warn("Anonymous push binding failed", "error", err)
	}
}

func (c *Controller) requireAuthenticated() error {
	switch c.currentState() {
	case models.StateLoggedIn, models.StateRefreshing:
		return nil
	default:
		return apperrors.ErrNotAuthenticated
	}
}

// RefreshStarted is called by token service before refresh exchange
func (c *Controller) RefreshStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == models.StateLoggedIn {
		c.setLocked(models.StateRefreshing, c.identity)
	}
}

// Refreshed is called by token service after successful refresh exchange
func (c *Controller) Refreshed(_ models.Credential, user *models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != models.StateRefreshing && c.state != models.StateLoggedIn {
		return
	}
	if user == nil {
		user = c.identity
	}
	c.setLocked(models.StateLoggedIn, user)
}

// Expired is called by token service after the credential was wiped
func (c *Controller) Expired(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == models.StateLoggedOut {
		return
	}

	c.logger.Info("Session expired", "cause", cause)
	c.setLocked(models.StateExpired, c.identity)
	c.setLocked(models.StateLoggedOut, nil)
}

func (c *Controller) currentState() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) set(state models.SessionState, user *models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(state, user)
}

// Undo LoggingIn after failed issuance
// Anything else means the session changed meanwhile (e.g. expired) and is kept as is
func (c *Controller) restore(prev models.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == models.StateLoggingIn {
		c.setLocked(prev.State, prev.Identity)
	}
}

// Identity is replaced only while the session is still authenticated
func (c *Controller) setIdentity(user *models.Identity) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == models.StateLoggedIn || c.state == models.StateRefreshing {
		c.setLocked(c.state, user)
	}
}

func (c *Controller) setLocked(state models.SessionState, user *models.Identity) {
	c.state = state
	c.identity = user
	c.publishLocked()
}

func (c *Controller) snapshotLocked() models.Snapshot {
	s := models.Snapshot{
		State:           c.state,
		IsAuthenticated: c.state == models.StateLoggedIn || c.state == models.StateRefreshing,
	}
	if c.identity != nil {
		user := *c.identity
		s.Identity = &user
	}
	return s
}

func (c *Controller) publishLocked() {
	s := c.snapshotLocked()

	for _, ch := range c.subs {
		for {
			select {
			case ch <- s:
			default:
				// Drop the oldest change to keep the latest one
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

func isVerification(grant models.Grant) bool {
	_, ok := grant.(models.EmailVerification)
	return ok
}
