package push

import (
	"context"
	"errors"
	"slices"

	"github.com/nkiryanov/glavbuh/internal/apperrors"
)

// Platforms able to deliver push notifications
var deliverable = []string{"ios", "android", "web"}

// Platform push permission and token issuance service
type Platform interface {
	Name() string
	Supported() bool
	RequestPermission(ctx context.Context) error
	Token(ctx context.Context) (string, error)
}

// Platform with a fixed token, e.g. configured for CLI or provided by the host application
type StaticPlatform struct {
	Platform  string
	PushToken string

	// User declined notifications
	Denied bool
}

func (p StaticPlatform) Name() string {
	return p.Platform
}

func (p StaticPlatform) Supported() bool {
	return slices.Contains(deliverable, p.Platform)
}

func (p StaticPlatform) RequestPermission(_ context.Context) error {
	if p.Denied {
		return apperrors.ErrPermissionDenied
	}
	return nil
}

func (p StaticPlatform) Token(_ context.Context) (string, error) {
	if p.PushToken == "" {
		return "", errors.New("platform issued no push token")
	}
	return p.PushToken, nil
}
