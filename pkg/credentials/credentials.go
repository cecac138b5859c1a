// Package credentials resolves broker credentials from a secrets backend.
// It wraps gocloud.dev/secrets so the same code path serves AWS KMS, GCP KMS,
// Azure Key Vault, HashiCorp Vault and local development keys.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrExpired is returned when the resolved credentials are past their
	// expiry.
	ErrExpired = errors.New("credentials expired")

	// ErrInvalid is returned when stored credentials are malformed.
	ErrInvalid = errors.New("invalid credentials")

	// ErrClosed is returned when the provider was closed.
	ErrClosed = errors.New("credentials provider closed")
)

// Type is the authentication scheme the credentials carry.
type Type string

const (
	// TypeToken is bearer token authentication.
	TypeToken Type = "token"

	// TypeUserPassword is username and password authentication.
	TypeUserPassword Type = "user_password"

	// TypeJWT is JWT authentication with an NKey seed for signing.
	TypeJWT Type = "jwt"
)

// Credentials is one set of broker credentials.
type Credentials struct {
	Type      Type       `json:"type"`
	Token     string     `json:"token,omitempty"`
	User      string     `json:"user,omitempty"`
	Password  string     `json:"password,omitempty"`
	JWT       string     `json:"jwt,omitempty"`
	Seed      string     `json:"seed,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Validate checks the fields required by the credential type are present.
func (c *Credentials) Validate() error {
	switch c.Type {
	case TypeToken:
		if c.Token == "" {
			return fmt.Errorf("%w: token is required", ErrInvalid)
		}
	case TypeUserPassword:
		if c.User == "" || c.Password == "" {
			return fmt.Errorf("%w: user and password are required", ErrInvalid)
		}
	case TypeJWT:
		if c.JWT == "" || c.Seed == "" {
			return fmt.Errorf("%w: jwt and seed are required", ErrInvalid)
		}
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalid)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, c.Type)
	}
	return nil
}

// Expired reports whether the credentials are past their expiry.
func (c *Credentials) Expired() bool {
	return c.ExpiresAt != nil && time.Now().After(*c.ExpiresAt)
}

// LogValue redacts secrets so credentials can be logged safely.
func (c *Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", string(c.Type)),
		slog.String("user", c.User),
	)
}

// Provider resolves the current credentials.
type Provider interface {
	// Credentials returns the current credentials, refreshed from the
	// backend when the cached copy aged out.
	Credentials(ctx context.Context) (*Credentials, error)

	// Close releases backend resources.
	Close() error
}

// StaticProvider serves fixed credentials. For development and tests.
type StaticProvider struct {
	creds *Credentials
}

// NewStaticProvider wraps fixed credentials in a Provider.
func NewStaticProvider(creds *Credentials) (*StaticProvider, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return &StaticProvider{creds: creds}, nil
}

// Credentials returns the fixed credentials.
func (p *StaticProvider) Credentials(_ context.Context) (*Credentials, error) {
	if p.creds.Expired() {
		return nil, ErrExpired
	}
	return p.creds, nil
}

// Close is a no-op.
func (p *StaticProvider) Close() error { return nil }
