package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKeyFile(t *testing.T) string {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "age.key")
	require.NoError(t, os.WriteFile(path, []byte(identity.String()+"\n"), 0o600))
	return path
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	keyPath := generateKeyFile(t)
	keyring, err := LoadKeyring(keyPath)
	require.NoError(t, err)

	ciphertext, err := keyring.EncryptString("operator@pam!token=secret-value")
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)

	plaintext, err := keyring.DecryptString(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "operator@pam!token=secret-value", plaintext)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	keyring, err := LoadKeyring(generateKeyFile(t))
	require.NoError(t, err)
	ciphertext, err := keyring.EncryptString("root-password-123")
	require.NoError(t, err)

	other, err := LoadKeyring(generateKeyFile(t))
	require.NoError(t, err)
	_, err = other.DecryptString(ciphertext)
	assert.Error(t, err)
}

func TestLoadKeyringRejectsEmptyPath(t *testing.T) {
	_, err := LoadKeyring("")
	assert.Error(t, err)
}

func TestNewKeyringRejectsGarbage(t *testing.T) {
	_, err := NewKeyring([]byte("not an age identity\n"))
	assert.Error(t, err)
}
