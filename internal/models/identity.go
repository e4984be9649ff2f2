package models

import (
	"time"
)

// Authenticated user as returned by the identity endpoint
type Identity struct {
	ID            int64      `json:"id"`
	Email         string     `json:"email"`
	FullName      *string    `json:"full_name"`
	UserType      *string    `json:"user_type"`
	FOPGroup      *string    `json:"fop_group"`
	TaxSystem     *string    `json:"tax_system"`
	IsActive      bool       `json:"is_active"`
	IsVerified    bool       `json:"is_verified"`
	AcceptedTerms bool       `json:"accepted_terms"`
	CreatedAt     time.Time  `json:"created_at"`
	LastLogin     *time.Time `json:"last_login"`
}

// Profile fields the user may change. Nil fields are left untouched
type ProfileUpdate struct {
	FullName  *string `json:"full_name,omitempty"`
	UserType  *string `json:"user_type,omitempty" validate:"omitempty,oneof=fop legal_entity accountant individual"`
	FOPGroup  *string `json:"fop_group,omitempty" validate:"omitempty,oneof=1 2 3"`
	TaxSystem *string `json:"tax_system,omitempty"`
}
