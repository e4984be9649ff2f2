package models

// Token pair identifying an authenticated session
// Tokens are opaque, the client never decodes them
type Credential struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
}

func (c Credential) IsZero() bool {
	return c.AccessToken == "" && c.RefreshToken == ""
}

// Complete credential has both tokens. Anything else must not be kept in storage
func (c Credential) IsComplete() bool {
	return c.AccessToken != "" && c.RefreshToken != ""
}
