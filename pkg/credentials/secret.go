package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"gocloud.dev/secrets"
	// Backend drivers are opt-in; blank-import the ones you deploy with:
	//  _ "gocloud.dev/secrets/awskms"
	//  _ "gocloud.dev/secrets/gcpkms"
	//  _ "gocloud.dev/secrets/azurekeyvault"
	//  _ "gocloud.dev/secrets/hashivault"
	//  _ "gocloud.dev/secrets/localsecrets"
)

const defaultCacheTTL = 5 * time.Minute

// secretEnvelope is the JSON document stored encrypted in the backend.
type secretEnvelope struct {
	Credentials *Credentials `json:"credentials"`
	Version     int          `json:"version"`
	CreatedAt   time.Time    `json:"created_at"`
}

// SecretProvider resolves credentials from an encrypted envelope, decrypted
// through a gocloud secrets keeper, and caches them for a TTL. The ciphertext
// comes from a file or fixed bytes; re-reading the file on each cache miss
// picks up rotations without a restart.
type SecretProvider struct {
	keeper         *secrets.Keeper
	cacheTTL       time.Duration
	ciphertext     []byte
	ciphertextFile string

	mu     sync.Mutex
	cached *Credentials
	expiry time.Time
	closed bool
}

// SecretOption configures a SecretProvider.
type SecretOption func(*SecretProvider)

// WithCacheTTL sets how long resolved credentials are served from cache.
// Default 5 minutes.
func WithCacheTTL(ttl time.Duration) SecretOption {
	return func(p *SecretProvider) {
		if ttl > 0 {
			p.cacheTTL = ttl
		}
	}
}

// WithCiphertext supplies the encrypted envelope as fixed bytes.
func WithCiphertext(ciphertext []byte) SecretOption {
	return func(p *SecretProvider) { p.ciphertext = ciphertext }
}

// WithCiphertextFile reads the encrypted envelope from a file on every cache
// miss, so rotating the file rotates the credentials.
func WithCiphertextFile(path string) SecretOption {
	return func(p *SecretProvider) { p.ciphertextFile = path }
}

// NewSecretProvider opens the keeper behind url and loads the initial
// credentials. URL schemes follow gocloud.dev/secrets, e.g.
// "base64key://..." for local development or "hashivault://..." in
// production.
func NewSecretProvider(ctx context.Context, url string, opts ...SecretOption) (*SecretProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("%w: secret URL is required", ErrInvalid)
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}

	p := &SecretProvider{keeper: keeper, cacheTTL: defaultCacheTTL}
	for _, opt := range opts {
		opt(p)
	}
	if p.ciphertext == nil && p.ciphertextFile == "" {
		keeper.Close()
		return nil, fmt.Errorf("%w: no ciphertext source configured", ErrInvalid)
	}

	if _, err := p.Credentials(ctx); err != nil {
		keeper.Close()
		return nil, fmt.Errorf("load initial credentials: %w", err)
	}

	return p, nil
}

// Credentials returns the cached credentials, reloading from the backend
// when the cache aged out.
func (p *SecretProvider) Credentials(ctx context.Context) (*Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	if p.cached == nil || time.Now().After(p.expiry) {
		creds, err := p.load(ctx)
		if err != nil {
			return nil, err
		}
		p.cached = creds
		p.expiry = time.Now().Add(p.cacheTTL)
	}

	if p.cached.Expired() {
		return nil, ErrExpired
	}
	return p.cached, nil
}

// Invalidate drops the cache so the next call hits the backend. Used after a
// rotation.
func (p *SecretProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.expiry = time.Time{}
	p.mu.Unlock()
}

// Close releases the keeper.
func (p *SecretProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.keeper.Close()
}

func (p *SecretProvider) load(ctx context.Context) (*Credentials, error) {
	ciphertext := p.ciphertext
	if p.ciphertextFile != "" {
		var err error
		ciphertext, err = os.ReadFile(p.ciphertextFile)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
	}

	plaintext, err := p.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}

	var envelope secretEnvelope
	if err := json.Unmarshal(plaintext, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal secret: %w", err)
	}
	if envelope.Credentials == nil {
		return nil, fmt.Errorf("%w: secret carries no credentials", ErrInvalid)
	}
	if err := envelope.Credentials.Validate(); err != nil {
		return nil, err
	}

	return envelope.Credentials, nil
}

// Store encrypts credentials into the backend behind url. Used by setup and
// rotation tooling.
func Store(ctx context.Context, url string, creds *Credentials) ([]byte, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	keeper, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open secret keeper: %w", err)
	}
	defer keeper.Close()

	plaintext, err := json.Marshal(secretEnvelope{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal secret: %w", err)
	}

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt secret: %w", err)
	}
	return ciphertext, nil
}
