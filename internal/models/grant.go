package models

// Grant is anything the identity endpoint exchanges for a credential
type Grant interface {
	grant()
}

type LoginCredentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type RegisterData struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6,max=100"`
	FullName string `json:"full_name,omitempty"`
}

// One-time code issued by the federated provider (not an ID token)
type FederatedCode struct {
	Code        string `json:"code" validate:"required"`
	RedirectURI string `json:"redirect_uri" validate:"required"`
	ClientID    string `json:"client_id,omitempty"`
}

// Email activation code. Verification issues a fresh credential
type EmailVerification struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

func (LoginCredentials) grant()  {}
func (RegisterData) grant()      {}
func (FederatedCode) grant()     {}
func (EmailVerification) grant() {}
