// Package auth defines the authentication collaborator consumed by the
// session controller. The thread layer only ever uses the resulting user
// id string; how the identity is established is opaque.
package auth

import (
	"context"
	"errors"
	"os"
)

// ErrNoIdentity indicates no identity could be established.
var ErrNoIdentity = errors.New("no identity available")

// Identity is an authenticated user.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Authenticator establishes the caller's identity.
type Authenticator interface {
	Authenticate(ctx context.Context) (Identity, error)
}

// EnvAuthenticator reads the identity from the process environment. It
// serves local single-user setups and tests; multi-user deployments plug
// in a real provider behind the same interface.
type EnvAuthenticator struct{}

func NewEnvAuthenticator() *EnvAuthenticator { return &EnvAuthenticator{} }

func (a *EnvAuthenticator) Authenticate(context.Context) (Identity, error) {
	userID := os.Getenv("LOOM_USER_ID")
	if userID == "" {
		return Identity{}, ErrNoIdentity
	}
	return Identity{
		UserID:      userID,
		DisplayName: os.Getenv("LOOM_USER_NAME"),
		Email:       os.Getenv("LOOM_USER_EMAIL"),
	}, nil
}

// StaticAuthenticator returns a fixed identity. Useful in tests and when
// the user id comes from a flag.
type StaticAuthenticator struct {
	Identity Identity
}

func (a *StaticAuthenticator) Authenticate(context.Context) (Identity, error) {
	if a.Identity.UserID == "" {
		return Identity{}, ErrNoIdentity
	}
	return a.Identity, nil
}
