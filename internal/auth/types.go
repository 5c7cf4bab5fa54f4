package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"KittyMarket-Chain/internal/primitives"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnsupportedGrant   = errors.New("unsupported grant type")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrSubjectRevoked     = errors.New("subject is disabled")
	ErrWeakSecret         = errors.New("jwt secret must be configured")
)

// Permissions understood by the API.
const (
	PermissionSubmit  = "extrinsics:submit"
	PermissionOperate = "market:operate"
)

// Store abstracts the catalogue of API callers and the accounts they act
// for. Implementations must be safe for concurrent use.
type Store interface {
	FindByName(ctx context.Context, name string) (*Credential, error)
	FindByToken(ctx context.Context, token string) (*Subject, error)
	LoadSubject(ctx context.Context, account primitives.AccountID) (*Subject, error)
}

// Credential is a password login bound to an account.
type Credential struct {
	Account      primitives.AccountID
	Name         string
	PasswordHash string
	Disabled     bool
}

// Subject is the authenticated caller. Extrinsics it submits are signed
// as Account; there is no signature verification.
type Subject struct {
	Account     primitives.AccountID
	Name        string
	Permissions []string
	Disabled    bool
}

// HasPermission matches permissions case-insensitively.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	permission = strings.TrimSpace(permission)
	return slices.ContainsFunc(s.Permissions, func(p string) bool {
		return strings.EqualFold(strings.TrimSpace(p), permission)
	})
}

// Authorize fails with ErrPermissionDenied naming the first missing
// permission. Empty entries are ignored.
func (s *Subject) Authorize(perms ...string) error {
	switch {
	case s == nil:
		return ErrInvalidToken
	case s.Disabled:
		return ErrSubjectRevoked
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Permissions = slices.Clone(s.Permissions)
	return &clone
}

// TokenRequest describes the payload accepted by the token endpoint.
type TokenRequest struct {
	GrantType string `json:"grant_type"`
	Name      string `json:"name"`
	Password  string `json:"password"`
}

// TokenPair is the response of the token endpoint. Only short lived access
// tokens are issued; callers log in again once ExpiresIn elapses.
type TokenPair struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	Account     string   `json:"account"`
	Subject     *Subject `json:"-"`
}

// Config configures the authentication service.
type Config struct {
	Mode  Mode
	JWT   JWTOptions
	Seeds []Seed
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	// ModeToken maps static bearer tokens to accounts.
	ModeToken Mode = "token"
	ModeJWT   Mode = "jwt"
)

// JWTOptions contains parameters for local JWT issuance. AccessTTL is in
// seconds and defaults to one hour.
type JWTOptions struct {
	Secret    string
	Issuer    string
	AccessTTL int64
}

// Seed defines a caller to bootstrap. Token is used in token mode and
// Password in jwt mode.
type Seed struct {
	Name        string
	Account     string
	Token       string
	Password    string
	Permissions []string
	Disabled    bool
}
