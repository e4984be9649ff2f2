package session

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
	"github.com/nkiryanov/glavbuh/internal/credstore"
	"github.com/nkiryanov/glavbuh/internal/gateway"
	"github.com/nkiryanov/glavbuh/internal/identity"
	"github.com/nkiryanov/glavbuh/internal/logger"
	"github.com/nkiryanov/glavbuh/internal/metrics"
	"github.com/nkiryanov/glavbuh/internal/models"
	"github.com/nkiryanov/glavbuh/internal/service/push"
	"github.com/nkiryanov/glavbuh/internal/service/tokens"
	"github.com/nkiryanov/glavbuh/internal/storage"
	"github.com/nkiryanov/glavbuh/internal/testutil/fakeapi"
)

const (
	email    = "user@glavbuh.test"
	password = "secret"
)

var android = push.StaticPlatform{Platform: "android", PushToken: "T1"}

// Process with all session components wired over shared storage
type app struct {
	api       *fakeapi.Server
	creds     *storage.Memory
	pushStore *storage.Memory

	tokens  *tokens.Service
	gateway *gateway.Gateway
	binder  *push.Binder
	session *Controller
}

func newApp(t *testing.T, api *fakeapi.Server, creds, pushStore *storage.Memory, platform push.Platform) *app {
	t.Helper()

	l := logger.NewNoOpLogger()
	m := metrics.New(prometheus.NewRegistry())

	idClient := identity.NewClient(api.URL, api.Client(), l)
	svc := tokens.New(credstore.New(creds), idClient, m, l)
	gw := gateway.New(api.URL, api.Client(), svc, m, l)
	binder := push.NewBinder(pushStore, platform, push.NewClient(api.URL, api.Client(), gw), m, l)

	ctrl := New(svc, gw, binder, idClient, l)
	svc.SetObserver(ctrl)

	return &app{
		api:       api,
		creds:     creds,
		pushStore: pushStore,
		tokens:    svc,
		gateway:   gw,
		binder:    binder,
		session:   ctrl,
	}
}

func newTestApp(t *testing.T, platform push.Platform) *app {
	t.Helper()

	api := fakeapi.New()
	t.Cleanup(api.Close)
	api.AddUser(email, password)

	return newApp(t, api, storage.NewMemory(), storage.NewMemory(), platform)
}

// Restart simulates process restart: same storage and backend, fresh components
func (a *app) restart(t *testing.T) *app {
	return newApp(t, a.api, a.creds, a.pushStore, android)
}

func (a *app) login(t *testing.T) models.Identity {
	t.Helper()

	user, err := a.session.Login(t.Context(), models.LoginCredentials{Email: email, Password: password})
	require.NoError(t, err)
	return user
}

// Issuer which loses the session to expiry while the grant is being exchanged, then rejects the grant
type expiringIssuer struct {
	*tokens.Service
}

func (e expiringIssuer) Issue(ctx context.Context, _ models.Grant) (*models.Identity, models.Credential, error) {
	if c, err := e.Current(ctx); err == nil {
		_ = e.Expire(ctx, c.AccessToken, apperrors.ErrRefreshRejected)
	}
	return nil, models.Credential{}, apperrors.ErrInvalidCredentials
}

func collect(ch <-chan models.Snapshot) []models.SessionState {
	var states []models.SessionState
	for {
		select {
		case s := <-ch:
			states = append(states, s.State)
		default:
			return states
		}
	}
}

func TestController_Login(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		a := newTestApp(t, android)
		require.NoError(t, a.session.Start(t.Context()))
		ch, stop := a.session.Subscribe()
		defer stop()

		user := a.login(t)

		require.Equal(t, email, user.Email)
		s := a.session.Current()
		require.Equal(t, models.StateLoggedIn, s.State)
		require.True(t, s.IsAuthenticated)
		require.Equal(t, user.ID, s.Identity.ID)
		require.Equal(t, []models.SessionState{models.StateLoggingIn, models.StateLoggedIn}, collect(ch))
	})

	t.Run("wrong password", func(t *testing.T) {
		a := newTestApp(t, android)

		_, err := a.session.Login(t.Context(), models.LoginCredentials{Email: email, Password: "wrong"})

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
		require.Nil(t, a.session.Current().Identity)
		require.Equal(t, 0, a.creds.Len(), "credential store must stay untouched")
	})

	t.Run("invalid grant not sent", func(t *testing.T) {
		a := newTestApp(t, android)

		_, err := a.session.Login(t.Context(), models.LoginCredentials{Email: "nope", Password: password})

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, int32(0), a.api.Counters.Login.Load())
	})

	t.Run("network error", func(t *testing.T) {
		a := newTestApp(t, android)
		a.api.Close()

		_, err := a.session.Login(t.Context(), models.LoginCredentials{Email: email, Password: password})

		require.ErrorIs(t, err, apperrors.ErrNetwork)
		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
	})

	t.Run("login twice", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)

		_, err := a.session.Login(t.Context(), models.LoginCredentials{Email: email, Password: password})

		require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
		require.Equal(t, models.StateLoggedIn, a.session.Current().State)
	})

	t.Run("anonymous token linked then registered", func(t *testing.T) {
		a := newTestApp(t, android)
		require.NoError(t, a.session.Start(t.Context()))
		require.Equal(t, models.BindingAnonymousBound, a.binder.Current().State)

		user := a.login(t)

		p := a.binder.Current()
		require.Equal(t, models.BindingUserBound, p.State)
		require.Equal(t, user.ID, *p.OwnerUserID)
		require.Equal(t, int32(1), a.api.Counters.Link.Load())
		require.Equal(t, int32(1), a.api.Counters.RegisterPush.Load())

		rec, ok := a.api.Push("T1")
		require.True(t, ok)
		require.Equal(t, user.ID, *rec.OwnerID)
	})

	t.Run("push failure does not fail login", func(t *testing.T) {
		a := newTestApp(t, android)
		a.api.FailPush(push.PathRegister, http.StatusInternalServerError)

		_, err := a.session.Login(t.Context(), models.LoginCredentials{Email: email, Password: password})

		require.NoError(t, err)
		require.Equal(t, models.StateLoggedIn, a.session.Current().State)
		require.Equal(t, models.BindingUnbound, a.binder.Current().State)
	})

	t.Run("no push permission means no push calls", func(t *testing.T) {
		a := newTestApp(t, push.StaticPlatform{Platform: "ios", Denied: true})

		require.NoError(t, a.session.Start(t.Context()))
		require.Equal(t, models.BindingUnbound, a.binder.Current().State)

		a.login(t)

		require.Equal(t, models.BindingUnbound, a.binder.Current().State)
		require.Nil(t, a.binder.Current().OwnerUserID)
		require.Equal(t, int32(0), a.api.Counters.RegisterAnonymous.Load())
		require.Equal(t, int32(0), a.api.Counters.Link.Load())
		require.Equal(t, int32(0), a.api.Counters.RegisterPush.Load())
	})
}

func TestController_OtherGrants(t *testing.T) {
	t.Parallel()

	t.Run("register then verify", func(t *testing.T) {
		a := newTestApp(t, android)

		user, err := a.session.Register(t.Context(), models.RegisterData{Email: "new@glavbuh.test", Password: "secret1"})
		require.NoError(t, err)
		require.False(t, user.IsVerified, "registered user is unverified")

		require.NoError(t, a.session.ResendActivationCode(t.Context(), "new@glavbuh.test"))

		code := a.api.ActivationCode("new@glavbuh.test")
		user, err = a.session.VerifyEmail(t.Context(), models.EmailVerification{Email: "new@glavbuh.test", Code: code})
		require.NoError(t, err)
		require.True(t, user.IsVerified)
		require.True(t, a.session.Current().Identity.IsVerified)
	})

	t.Run("wrong activation code keeps session", func(t *testing.T) {
		a := newTestApp(t, android)
		_, err := a.session.Register(t.Context(), models.RegisterData{Email: "new@glavbuh.test", Password: "secret1"})
		require.NoError(t, err)

		_, err = a.session.VerifyEmail(t.Context(), models.EmailVerification{Email: "new@glavbuh.test", Code: "000000"})

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, models.StateLoggedIn, a.session.Current().State)
	})

	t.Run("expiry during rejected verify is kept", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)
		a.session.tokens = expiringIssuer{Service: a.tokens}

		_, err := a.session.VerifyEmail(t.Context(), models.EmailVerification{Email: email, Code: "000000"})

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		_, err = a.tokens.Current(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoCredential, "credential should be wiped by expiry")

		s := a.session.Current()
		require.Equal(t, models.StateLoggedOut, s.State, "failed verify must not bring expired session back")
		require.False(t, s.IsAuthenticated)
		require.Nil(t, s.Identity)
	})

	t.Run("taken email", func(t *testing.T) {
		a := newTestApp(t, android)

		_, err := a.session.Register(t.Context(), models.RegisterData{Email: email, Password: "secret1"})

		var ierr *identity.Error
		require.ErrorAs(t, err, &ierr)
		require.Equal(t, "Email already registered", ierr.Detail)
		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
	})

	t.Run("federated code", func(t *testing.T) {
		a := newTestApp(t, android)

		user, err := a.session.FederatedLogin(t.Context(), models.FederatedCode{Code: fakeapi.GoogleCode, RedirectURI: "glavbuh://auth"})

		require.NoError(t, err)
		require.True(t, user.IsVerified)
		require.Equal(t, models.StateLoggedIn, a.session.Current().State)
	})

	t.Run("federated code rejected", func(t *testing.T) {
		a := newTestApp(t, android)

		_, err := a.session.FederatedLogin(t.Context(), models.FederatedCode{Code: "bad", RedirectURI: "glavbuh://auth"})

		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
	})
}

func TestController_Start(t *testing.T) {
	t.Parallel()

	t.Run("no stored credential", func(t *testing.T) {
		a := newTestApp(t, android)

		require.NoError(t, a.session.Start(t.Context()))

		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
		require.Equal(t, models.BindingAnonymousBound, a.binder.Current().State)
	})

	t.Run("restore session", func(t *testing.T) {
		a := newTestApp(t, android)
		user := a.login(t)

		b := a.restart(t)
		require.NoError(t, b.session.Start(t.Context()))

		s := b.session.Current()
		require.Equal(t, models.StateLoggedIn, s.State)
		require.Equal(t, user.ID, s.Identity.ID)
		require.Equal(t, models.BindingUserBound, b.binder.Current().State)
		require.Equal(t, int32(1), a.api.Counters.RegisterPush.Load(), "binding should not be repeated")
	})

	t.Run("expired access token refreshed", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)
		a.api.RevokeAccess()

		b := a.restart(t)
		ch, stop := b.session.Subscribe()
		defer stop()
		require.NoError(t, b.session.Start(t.Context()))

		require.Equal(t, models.StateLoggedIn, b.session.Current().State)
		require.NotNil(t, b.session.Current().Identity)
		require.Contains(t, collect(ch), models.StateRefreshing)
		require.Equal(t, int32(1), a.api.Counters.Refresh.Load())
	})

	t.Run("session expired while closed", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)
		a.api.RevokeAccess()
		a.api.RevokeRefresh()

		b := a.restart(t)
		require.NoError(t, b.session.Start(t.Context()))

		require.Equal(t, models.StateLoggedOut, b.session.Current().State)
		require.Equal(t, 0, a.creds.Len(), "credential must be wiped")
		p := b.binder.Current()
		require.Equal(t, models.BindingAnonymousBound, p.State, "stale user binding replaced by anonymous one")
		require.Nil(t, p.OwnerUserID)
	})

	t.Run("identity endpoint unreachable", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)
		a.api.Close()

		b := a.restart(t)
		require.NoError(t, b.session.Start(t.Context()))

		s := b.session.Current()
		require.Equal(t, models.StateLoggedIn, s.State)
		require.Nil(t, s.Identity)
		require.Equal(t, 3, a.creds.Len(), "credential should be kept")
	})

	t.Run("push bound once identity is known", func(t *testing.T) {
		a := newTestApp(t, android)
		user := a.login(t)

		// Fresh install storage for push, so binding has to be done again
		b := newApp(t, a.api, a.creds, storage.NewMemory(), android)
		a.api.FailIdentity(http.StatusServiceUnavailable)
		require.NoError(t, b.session.Start(t.Context()))
		require.Nil(t, b.session.Current().Identity)
		require.Equal(t, models.BindingUnbound, b.binder.Current().State, "push is not bound without identity")

		a.api.FailIdentity(0)
		_, err := b.session.RefreshIdentity(t.Context())
		require.NoError(t, err)

		p := b.binder.Current()
		require.Equal(t, models.BindingUserBound, p.State)
		require.NotNil(t, p.OwnerUserID)
		require.Equal(t, user.ID, *p.OwnerUserID)
		require.True(t, p.Valid())
	})

	t.Run("started twice", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)

		require.ErrorIs(t, a.session.Start(t.Context()), apperrors.ErrInvalidTransition)
	})
}

func TestController_Logout(t *testing.T) {
	t.Parallel()

	t.Run("unbind before revoke", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)

		require.NoError(t, a.session.Logout(t.Context()))

		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
		require.Nil(t, a.session.Current().Identity)
		require.Equal(t, 0, a.creds.Len())

		// Remove succeeded, so it was called with the valid credential
		require.Equal(t, int32(1), a.api.Counters.RemovePush.Load())
		rec, ok := a.api.Push("T1")
		require.True(t, ok, "token registered anonymously again")
		require.Nil(t, rec.OwnerID)

		p := a.binder.Current()
		require.Equal(t, models.BindingAnonymousBound, p.State)
		require.Equal(t, "T1", p.Token)
	})

	t.Run("unbind failure does not block", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)
		a.api.FailPush(push.PathToken, http.StatusInternalServerError)

		require.NoError(t, a.session.Logout(t.Context()))

		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
		require.Equal(t, 0, a.creds.Len())
	})

	t.Run("while refresh in flight", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)
		a.api.RevokeAccess()
		a.api.RefreshGate = make(chan struct{})

		// Another feature calls API directly through the gateway
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.gateway.DoJSON(t.Context(), http.MethodGet, "/api/protected", nil, nil)
		}()
		require.Eventually(t, func() bool { return a.api.Counters.Refresh.Load() == 1 }, time.Second, time.Millisecond)

		go func() {
			time.Sleep(50 * time.Millisecond)
			close(a.api.RefreshGate)
		}()

		require.NoError(t, a.session.Logout(t.Context()))
		wg.Wait()

		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
		require.Equal(t, 0, a.creds.Len(), "late refresh must not re-populate credential")
		_, err := a.tokens.Current(t.Context())
		require.ErrorIs(t, err, apperrors.ErrNoCredential)
	})
}

func TestController_Expiry(t *testing.T) {
	a := newTestApp(t, android)
	a.login(t)
	ch, stop := a.session.Subscribe()
	defer stop()

	a.api.RejectAccess(true)
	err := a.gateway.DoJSON(t.Context(), http.MethodGet, "/api/protected", nil, nil)

	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	s := a.session.Current()
	require.Equal(t, models.StateLoggedOut, s.State)
	require.False(t, s.IsAuthenticated)
	require.Nil(t, s.Identity)

	states := collect(ch)
	require.Equal(t, []models.SessionState{
		models.StateRefreshing,
		models.StateLoggedIn,
		models.StateExpired,
		models.StateLoggedOut,
	}, states)
}

func TestController_Profile(t *testing.T) {
	t.Parallel()

	t.Run("update and refresh identity", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)

		name := "Олена Бухгалтер"
		group := "3"
		user, err := a.session.UpdateProfile(t.Context(), models.ProfileUpdate{FullName: &name, FOPGroup: &group})
		require.NoError(t, err)
		require.Equal(t, name, *user.FullName)

		user, err = a.session.RefreshIdentity(t.Context())
		require.NoError(t, err)
		require.Equal(t, group, *user.FOPGroup)
		require.Equal(t, group, *a.session.Current().Identity.FOPGroup)
	})

	t.Run("invalid update not sent", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)

		group := "9"
		_, err := a.session.UpdateProfile(t.Context(), models.ProfileUpdate{FOPGroup: &group})

		require.Error(t, err)
		require.Nil(t, a.session.Current().Identity.FOPGroup)
	})

	t.Run("not authenticated", func(t *testing.T) {
		a := newTestApp(t, android)

		_, err := a.session.RefreshIdentity(t.Context())

		require.ErrorIs(t, err, apperrors.ErrNotAuthenticated)
		require.Equal(t, int32(0), a.api.Counters.Me.Load())
	})

	t.Run("delete account", func(t *testing.T) {
		a := newTestApp(t, android)
		a.login(t)

		require.NoError(t, a.session.DeleteAccount(t.Context()))

		require.Equal(t, models.StateLoggedOut, a.session.Current().State)
		require.Equal(t, 0, a.creds.Len())
		assert.Equal(t, models.BindingAnonymousBound, a.binder.Current().State)

		_, err := a.session.Login(t.Context(), models.LoginCredentials{Email: email, Password: password})
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials, "account should be gone")
	})
}

func TestController_Subscribe(t *testing.T) {
	a := newTestApp(t, android)
	ch, stop := a.session.Subscribe()

	stop()
	stop()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")

	require.NotPanics(t, func() { a.login(t) })
}
