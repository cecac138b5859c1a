package credentials_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/cognifyhq/aidomain/pkg/credentials"
)

// a fixed 32-byte key so ciphertexts decrypt across keeper instances
const keeperURL = "base64key://smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="

func storeCreds(t *testing.T, creds *credentials.Credentials) []byte {
	t.Helper()
	ciphertext, err := credentials.Store(context.Background(), keeperURL, creds)
	require.NoError(t, err)
	return ciphertext
}

func TestSecretProviderFromBytes(t *testing.T) {
	ctx := context.Background()

	ciphertext := storeCreds(t, &credentials.Credentials{
		Type:  credentials.TypeToken,
		Token: "s3cret",
	})

	provider, err := credentials.NewSecretProvider(ctx, keeperURL,
		credentials.WithCiphertext(ciphertext),
	)
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, credentials.TypeToken, creds.Type)
	assert.Equal(t, "s3cret", creds.Token)
}

func TestSecretProviderRequiresCiphertextSource(t *testing.T) {
	_, err := credentials.NewSecretProvider(context.Background(), keeperURL)
	assert.ErrorIs(t, err, credentials.ErrInvalid)
}

func TestSecretProviderRequiresURL(t *testing.T) {
	_, err := credentials.NewSecretProvider(context.Background(), "",
		credentials.WithCiphertext([]byte("x")))
	assert.ErrorIs(t, err, credentials.ErrInvalid)
}

func TestSecretProviderRejectsGarbageCiphertext(t *testing.T) {
	_, err := credentials.NewSecretProvider(context.Background(), keeperURL,
		credentials.WithCiphertext([]byte("not a ciphertext")),
	)
	require.Error(t, err)
}

func TestSecretProviderRejectsInvalidStoredCredentials(t *testing.T) {
	_, err := credentials.Store(context.Background(), keeperURL,
		&credentials.Credentials{Type: credentials.TypeToken})
	assert.ErrorIs(t, err, credentials.ErrInvalid)
}

func TestSecretProviderFileRotation(t *testing.T) {
	ctx := context.Background()
	secretFile := filepath.Join(t.TempDir(), "broker-creds")

	first := storeCreds(t, &credentials.Credentials{
		Type:  credentials.TypeToken,
		Token: "first-token",
	})
	require.NoError(t, os.WriteFile(secretFile, first, 0o600))

	provider, err := credentials.NewSecretProvider(ctx, keeperURL,
		credentials.WithCiphertextFile(secretFile),
		credentials.WithCacheTTL(time.Hour),
	)
	require.NoError(t, err)
	defer provider.Close()

	creds, err := provider.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first-token", creds.Token)

	// rotate the file; the cache keeps serving the old token until invalidated
	second := storeCreds(t, &credentials.Credentials{
		Type:  credentials.TypeToken,
		Token: "second-token",
	})
	require.NoError(t, os.WriteFile(secretFile, second, 0o600))

	creds, err = provider.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first-token", creds.Token)

	provider.Invalidate()
	creds, err = provider.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second-token", creds.Token)
}

func TestSecretProviderCaching(t *testing.T) {
	ctx := context.Background()
	secretFile := filepath.Join(t.TempDir(), "broker-creds")

	ciphertext := storeCreds(t, &credentials.Credentials{
		Type:  credentials.TypeToken,
		Token: "cached-token",
	})
	require.NoError(t, os.WriteFile(secretFile, ciphertext, 0o600))

	provider, err := credentials.NewSecretProvider(ctx, keeperURL,
		credentials.WithCiphertextFile(secretFile),
		credentials.WithCacheTTL(time.Hour),
	)
	require.NoError(t, err)
	defer provider.Close()

	// deleting the file proves reads are served from cache
	require.NoError(t, os.Remove(secretFile))

	creds, err := provider.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cached-token", creds.Token)

	provider.Invalidate()
	_, err = provider.Credentials(ctx)
	require.Error(t, err, "a cache miss with the file gone must surface the read error")
}

func TestSecretProviderClose(t *testing.T) {
	ctx := context.Background()

	ciphertext := storeCreds(t, &credentials.Credentials{
		Type:  credentials.TypeToken,
		Token: "s3cret",
	})
	provider, err := credentials.NewSecretProvider(ctx, keeperURL,
		credentials.WithCiphertext(ciphertext),
	)
	require.NoError(t, err)

	require.NoError(t, provider.Close())
	require.NoError(t, provider.Close())

	_, err = provider.Credentials(ctx)
	assert.ErrorIs(t, err, credentials.ErrClosed)
}

func TestSecretProviderExpiredCredentials(t *testing.T) {
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	ciphertext := storeCreds(t, &credentials.Credentials{
		Type:      credentials.TypeToken,
		Token:     "s3cret",
		ExpiresAt: &past,
	})

	_, err := credentials.NewSecretProvider(ctx, keeperURL,
		credentials.WithCiphertext(ciphertext),
	)
	assert.ErrorIs(t, err, credentials.ErrExpired)
}
