// Package secrets provides at-rest encryption for prox-orchd's sensitive
// database columns: ProxmoxHost.CredentialsEnc and Application.RootPasswordEnc.
//
// ABOUTME: Grounded on the teacher's bundle.go age usage (decryptAge,
// parseAgeIdentities) but inverted: the teacher only ever decrypts bundles
// produced elsewhere, while prox-orchd both encrypts (on write, before a
// credential ever reaches the database) and decrypts (on read, just before a
// PVE call or SSH dial needs the plaintext). Same identity-file format, same
// age.X25519 primitives, generalized to a single-value Keyring instead of a
// named-bundle Store.
package secrets

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Keyring holds the age identity used to encrypt/decrypt at-rest fields. One
// recipient encrypts; the matching identity decrypts. Operators rotate by
// generating a new identity and re-encrypting every row; prox-orchctl has
// no subcommand for this.
type Keyring struct {
	identities []age.Identity
	recipient  age.Recipient
}

// LoadKeyring reads an age identity file (one `AGE-SECRET-KEY-1...` line,
// optionally preceded by a `# public key:` comment, the same format `age-keygen`
// produces) and derives the matching recipient for encryption.
func LoadKeyring(path string) (*Keyring, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("age key path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read age key %s: %w", path, err)
	}
	return NewKeyring(data)
}

// NewKeyring parses identity lines directly, for tests and in-memory keys.
func NewKeyring(identityData []byte) (*Keyring, error) {
	identities, err := parseAgeIdentities(identityData)
	if err != nil {
		return nil, err
	}
	x25519, ok := identities[0].(*age.X25519Identity)
	if !ok {
		return nil, errors.New("first age identity is not an X25519 identity")
	}
	return &Keyring{identities: identities, recipient: x25519.Recipient()}, nil
}

// Encrypt seals plaintext for storage in an *_enc database column.
func (k *Keyring) Encrypt(plaintext []byte) ([]byte, error) {
	if k == nil {
		return nil, errors.New("keyring is nil")
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write age payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close age writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt recovers the plaintext of a value previously sealed with Encrypt.
func (k *Keyring) Decrypt(ciphertext []byte) ([]byte, error) {
	if k == nil {
		return nil, errors.New("keyring is nil")
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), k.identities...)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read age payload: %w", err)
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper for credential strings (PVE API
// tokens, root passwords) before they are written to a *_enc column.
func (k *Keyring) EncryptString(plaintext string) ([]byte, error) {
	return k.Encrypt([]byte(plaintext))
}

// DecryptString is the inverse of EncryptString. An empty ciphertext (a
// column that was never written) decrypts to the empty string without
// consulting the keyring, so this also holds for a nil Keyring.
func (k *Keyring) DecryptString(ciphertext []byte) (string, error) {
	if len(ciphertext) == 0 {
		return "", nil
	}
	plaintext, err := k.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func parseAgeIdentities(data []byte) ([]age.Identity, error) {
	var identities []age.Identity
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-") {
			continue
		}
		identity, err := age.ParseX25519Identity(line)
		if err != nil {
			return nil, fmt.Errorf("parse age identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read age key: %w", err)
	}
	if len(identities) == 0 {
		return nil, errors.New("no age identities found")
	}
	return identities, nil
}
