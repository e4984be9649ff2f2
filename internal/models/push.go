package models

type BindingState string

const (
	BindingUnbound        BindingState = ""
	BindingAnonymousBound BindingState = "anonymous"
	BindingLinkPending    BindingState = "link_pending"
	BindingUserBound      BindingState = "user"
)

// Why push is permanently off for this install
type DisabledReason string

const (
	DisabledNone        DisabledReason = ""
	DisabledDenied      DisabledReason = "denied"
	DisabledUnsupported DisabledReason = "unsupported"
)

// Push identity of this installation
// The raw token is kept across logouts, obtaining a new one is rate-limited by the OS
type PushIdentity struct {
	Token       string         `json:"token"`
	State       BindingState   `json:"state"`
	OwnerUserID *int64         `json:"owner_user_id"`
	Disabled    DisabledReason `json:"disabled,omitempty"`
}

// Owner is set if and only if the token is bound to a user
func (p PushIdentity) Valid() bool {
	return (p.OwnerUserID != nil) == (p.State == BindingUserBound)
}
