// Package fakeapi is an in-memory identity and push backend for tests
package fakeapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nkiryanov/glavbuh/internal/models"
)

const (
	DefaultActivationCode = "123456"
	DefaultAccessTTL      = 15 * time.Minute

	// Federated code accepted by the fake provider
	GoogleCode = "google-code"
)

type AccessClaims struct {
	jwt.RegisteredClaims
	Type string `json:"type"`
}

type user struct {
	identity models.Identity
	hash     []byte
	code     string
}

// Push token registration as seen by the backend
type PushRecord struct {
	Platform string
	DeviceID string
	OwnerID  *int64
}

// Counters of served requests
type Counters struct {
	Login     atomic.Int32
	Refresh   atomic.Int32
	Me        atomic.Int32
	Protected atomic.Int32

	RegisterAnonymous atomic.Int32
	Link              atomic.Int32
	RegisterPush      atomic.Int32
	RemovePush        atomic.Int32
}

type Server struct {
	*httptest.Server

	Counters Counters

	// Refresh exchange waits until the gate is closed (if set)
	RefreshGate chan struct{}

	mu        sync.Mutex
	secret    []byte
	accessTTL time.Duration
	nextID    int64
	users     map[string]*user // by email
	refresh   map[string]int64 // refresh token -> user id
	push      map[string]PushRecord
	failPush  map[string]int // path -> status

	rejectRefresh bool
	rejectAccess  bool
	failMe        int
	googleEmail   string
}

func New() *Server {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)

	s := &Server{
		secret:      secret,
		accessTTL:   DefaultAccessTTL,
		nextID:      1,
		users:       make(map[string]*user),
		refresh:     make(map[string]int64),
		push:        make(map[string]PushRecord),
		failPush:    make(map[string]int),
		googleEmail: "google@glavbuh.test",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/refresh", s.refreshToken)
	mux.HandleFunc("POST /api/auth/google", s.google)
	mux.HandleFunc("POST /api/auth/verify", s.verify)
	mux.HandleFunc("POST /api/auth/resend-code", s.resendCode)
	mux.HandleFunc("GET /api/auth/me", s.authenticated(s.me))
	mux.HandleFunc("PUT /api/profile/me", s.authenticated(s.updateProfile))
	mux.HandleFunc("DELETE /api/auth/account", s.authenticated(s.deleteAccount))
	mux.HandleFunc("GET /api/protected", s.authenticated(s.protected))
	mux.HandleFunc("POST /api/protected", s.authenticated(s.protected))
	mux.HandleFunc("POST /api/push/register-anonymous", s.registerAnonymous)
	mux.HandleFunc("POST /api/push/link-to-user", s.authenticated(s.linkToUser))
	mux.HandleFunc("POST /api/push/register", s.authenticated(s.registerPush))
	mux.HandleFunc("DELETE /api/push/token", s.authenticated(s.removePush))

	s.Server = httptest.NewServer(mux)
	return s
}

// AddUser creates verified user with password
func (s *Server) AddUser(email, password string) models.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.addUserLocked(email, password)
	u.identity.IsVerified = true
	return u.identity
}

// RejectRefresh makes every refresh exchange fail with 401
func (s *Server) RejectRefresh(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = v
}

// RejectAccess makes every authenticated endpoint answer 401 even for fresh tokens
func (s *Server) RejectAccess(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAccess = v
}

// FailPush makes push endpoint at path answer with status. Zero status clears the failure
func (s *Server) FailPush(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.failPush, path)
		return
	}
	s.failPush[path] = status
}

// FailIdentity makes identity endpoint answer with status. Zero status clears the failure
func (s *Server) FailIdentity(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMe = status
}

// ExpireAccess sets TTL of access tokens issued from now on
func (s *Server) ExpireAccess(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTTL = ttl
}

// RevokeAccess invalidates every issued access token by rotating the signing key
func (s *Server) RevokeAccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret := make([]byte, 32)
	_, _ = rand.Read(secret)
	s.secret = secret
}

// RevokeRefresh invalidates every issued refresh token
func (s *Server) RevokeRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.refresh)
}

// ActivationCode returns pending activation code of user
func (s *Server) ActivationCode(email string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[email]; ok {
		return u.code
	}
	return ""
}

// Push returns backend view of the push token
func (s *Server) Push(token string) (PushRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.push[token]
	return r, ok
}

// Bcrypt over sha256 sum, so long passwords are not truncated
func hashPassword(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	hash, _ := bcrypt.GenerateFromPassword(sum[:], bcrypt.MinCost)
	return hash
}

func comparePassword(hash []byte, password string) bool {
	sum := sha256.Sum256([]byte(password))
	return bcrypt.CompareHashAndPassword(hash, sum[:]) == nil
}

func (s *Server) addUserLocked(email, password string) *user {
	u := &user{
		identity: models.Identity{
			ID:        s.nextID,
			Email:     email,
			IsActive:  true,
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		},
		hash: hashPassword(password),
		code: DefaultActivationCode,
	}
	s.nextID++
	s.users[email] = u
	return u
}

func (s *Server) issueLocked(u *user) map[string]any {
	now := time.Now()
	access := jwt.NewWithClaims(jwt.SigningMethodHS256, AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   strconv.FormatInt(u.identity.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
		Type: "access",
	})
	signed, _ := access.SignedString(s.secret)

	b := make([]byte, 16)
	_, _ = rand.Read(b)
	refresh := hex.EncodeToString(b)
	s.refresh[refresh] = u.identity.ID

	return map[string]any{
		"access_token":  signed,
		"refresh_token": refresh,
		"token_type":    "bearer",
		"user":          u.identity,
	}
}

func (s *Server) userByIDLocked(id int64) *user {
	for _, u := range s.users {
		if u.identity.ID == id {
			return u
		}
	}
	return nil
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var in models.RegisterData
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[in.Email]; ok {
		detail(w, http.StatusBadRequest, "Email already registered")
		return
	}

	u := s.addUserLocked(in.Email, in.Password)
	if in.FullName != "" {
		u.identity.FullName = &in.FullName
	}

	writeJSON(w, http.StatusCreated, s.issueLocked(u))
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	s.Counters.Login.Add(1)

	var in models.LoginCredentials
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[in.Email]
	if !ok || !comparePassword(u.hash, in.Password) {
		detail(w, http.StatusUnauthorized, "Incorrect email or password")
		return
	}
	if !u.identity.IsActive {
		detail(w, http.StatusForbidden, "Inactive user")
		return
	}

	now := time.Now().UTC().Truncate(time.Second)
	u.identity.LastLogin = &now

	writeJSON(w, http.StatusOK, s.issueLocked(u))
}

func (s *Server) refreshToken(w http.ResponseWriter, r *http.Request) {
	s.Counters.Refresh.Add(1)

	var in struct {
		RefreshToken string `json:"refresh_token"`
	}
	if !decode(w, r, &in) {
		return
	}

	if gate := s.RefreshGate; gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.refresh[in.RefreshToken]
	if !ok || s.rejectRefresh {
		detail(w, http.StatusUnauthorized, "Invalid refresh token")
		return
	}
	// Refresh tokens are single use
	delete(s.refresh, in.RefreshToken)

	u := s.userByIDLocked(id)
	if u == nil {
		detail(w, http.StatusNotFound, "User not found")
		return
	}

	writeJSON(w, http.StatusOK, s.issueLocked(u))
}

func (s *Server) google(w http.ResponseWriter, r *http.Request) {
	var in models.FederatedCode
	if !decode(w, r, &in) {
		return
	}

	if in.Code != GoogleCode {
		detail(w, http.StatusUnauthorized, "Invalid authorization code")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[s.googleEmail]
	if !ok {
		u = s.addUserLocked(s.googleEmail, uuid.NewString())
		u.identity.IsVerified = true
	}

	writeJSON(w, http.StatusOK, s.issueLocked(u))
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	var in models.EmailVerification
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[in.Email]
	switch {
	case !ok:
		detail(w, http.StatusNotFound, "User not found")
	case u.identity.IsVerified:
		detail(w, http.StatusBadRequest, "Email already verified")
	case u.code != in.Code:
		detail(w, http.StatusBadRequest, "Invalid activation code")
	default:
		u.identity.IsVerified = true
		u.code = ""
		writeJSON(w, http.StatusOK, s.issueLocked(u))
	}
}

func (s *Server) resendCode(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email string `json:"email"`
	}
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.users[in.Email]; ok && !u.identity.IsVerified {
		u.code = DefaultActivationCode
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "If the email exists, a new code was sent"})
}

type userHandler func(w http.ResponseWriter, r *http.Request, u *user)

// Verifies bearer access token the same way any protected endpoint does
func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			detail(w, http.StatusUnauthorized, "Not authenticated")
			return
		}

		s.mu.Lock()
		secret := s.secret
		s.mu.Unlock()

		var claims AccessClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || claims.Type != "access" {
			msg := "Could not validate credentials"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "Token expired"
			}
			detail(w, http.StatusUnauthorized, msg)
			return
		}

		id, _ := strconv.ParseInt(claims.Subject, 10, 64)

		s.mu.Lock()
		u := s.userByIDLocked(id)
		reject := s.rejectAccess
		s.mu.Unlock()

		if u == nil || reject {
			detail(w, http.StatusUnauthorized, "Could not validate credentials")
			return
		}

		next(w, r, u)
	}
}

func (s *Server) me(w http.ResponseWriter, _ *http.Request, u *user) {
	s.Counters.Me.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failMe != 0 {
		detail(w, s.failMe, "Identity unavailable")
		return
	}
	writeJSON(w, http.StatusOK, u.identity)
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request, u *user) {
	var in models.ProfileUpdate
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.FullName != nil {
		u.identity.FullName = in.FullName
	}
	if in.UserType != nil {
		u.identity.UserType = in.UserType
	}
	if in.FOPGroup != nil {
		u.identity.FOPGroup = in.FOPGroup
	}
	if in.TaxSystem != nil {
		u.identity.TaxSystem = in.TaxSystem
	}
	writeJSON(w, http.StatusOK, u.identity)
}

func (s *Server) deleteAccount(w http.ResponseWriter, _ *http.Request, u *user) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.users, u.identity.Email)
	for token, id := range s.refresh {
		if id == u.identity.ID {
			delete(s.refresh, token)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// Echo endpoint to exercise authenticated requests with and without body
func (s *Server) protected(w http.ResponseWriter, r *http.Request, u *user) {
	s.Counters.Protected.Add(1)

	var body json.RawMessage
	if r.ContentLength != 0 {
		if !decode(w, r, &body) {
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": u.identity.ID, "body": body})
}

func (s *Server) pushFailure(w http.ResponseWriter, path string) bool {
	s.mu.Lock()
	status, ok := s.failPush[path]
	s.mu.Unlock()

	if ok {
		detail(w, status, "Push failure")
	}
	return ok
}

func (s *Server) registerAnonymous(w http.ResponseWriter, r *http.Request) {
	s.Counters.RegisterAnonymous.Add(1)
	if s.pushFailure(w, "/api/push/register-anonymous") {
		return
	}

	var in struct {
		Token    string `json:"token"`
		Platform string `json:"platform"`
		DeviceID string `json:"device_id"`
	}
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.push[in.Token] = PushRecord{Platform: in.Platform, DeviceID: in.DeviceID}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) linkToUser(w http.ResponseWriter, r *http.Request, u *user) {
	s.Counters.Link.Add(1)
	if s.pushFailure(w, "/api/push/link-to-user") {
		return
	}

	var in struct {
		AnonymousToken string `json:"anonymous_token"`
	}
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.push[in.AnonymousToken]
	switch {
	case !ok:
		detail(w, http.StatusNotFound, "Token not found")
	case rec.OwnerID != nil:
		detail(w, http.StatusConflict, "Token already linked")
	default:
		id := u.identity.ID
		rec.OwnerID = &id
		s.push[in.AnonymousToken] = rec
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (s *Server) registerPush(w http.ResponseWriter, r *http.Request, u *user) {
	s.Counters.RegisterPush.Add(1)
	if s.pushFailure(w, "/api/push/register") {
		return
	}

	var in struct {
		PushToken string `json:"push_token"`
	}
	if !decode(w, r, &in) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := u.identity.ID
	rec := s.push[in.PushToken]
	rec.OwnerID = &id
	s.push[in.PushToken] = rec

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "details": map[string]any{"user_id": id}})
}

func (s *Server) removePush(w http.ResponseWriter, _ *http.Request, u *user) {
	s.Counters.RemovePush.Add(1)
	if s.pushFailure(w, "/api/push/token") {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for token, rec := range s.push {
		if rec.OwnerID != nil && *rec.OwnerID == u.identity.ID {
			delete(s.push, token)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		detail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return false
	}
	return true
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
