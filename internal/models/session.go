package models

type SessionState string

const (
	StateLoggedOut  SessionState = "logged_out"
	StateLoggingIn  SessionState = "logging_in"
	StateLoggedIn   SessionState = "logged_in"
	StateRefreshing SessionState = "refreshing"
	StateExpired    SessionState = "expired"
)

// Read-only view of the session published to the rest of the application
type Snapshot struct {
	Identity        *Identity    `json:"identity"`
	IsAuthenticated bool         `json:"is_authenticated"`
	State           SessionState `json:"state"`
}
