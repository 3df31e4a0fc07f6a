// Package secrets seals sensitive values at rest with age (X25519).
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

const (
	sealPrefix = "ENC[age:"
	sealSuffix = "]"
)

// ErrNotSealed is returned by Open for a value without the ENC[age:...] envelope.
var ErrNotSealed = errors.New("value is not sealed")

// GenerateIdentity creates an X25519 key pair and writes it to path with 0o600.
// It is idempotent: if the file already exists, it does nothing and reports false.
func GenerateIdentity(path string) (created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return false, fmt.Errorf("generate age identity: %w", err)
	}

	content := fmt.Sprintf("# created by deskpilot keygen\n# public key: %s\n%s\n",
		identity.Recipient().String(), identity.String())

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return false, fmt.Errorf("write age key: %w", err)
	}
	return true, nil
}

// LoadIdentity reads the first X25519 identity from path.
func LoadIdentity(path string) (*age.X25519Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open age key: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parse age identities: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

// Sealer encrypts values for its own identity and decrypts them back.
type Sealer struct {
	identity *age.X25519Identity
}

// NewSealer wraps an identity.
func NewSealer(identity *age.X25519Identity) *Sealer {
	return &Sealer{identity: identity}
}

// LoadSealer builds a Sealer from the key file at path, generating the key first
// when it does not exist.
func LoadSealer(path string) (*Sealer, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if _, err := GenerateIdentity(path); err != nil {
			return nil, err
		}
	}
	id, err := LoadIdentity(path)
	if err != nil {
		return nil, err
	}
	return NewSealer(id), nil
}

// Recipient returns the public key values are sealed to.
func (s *Sealer) Recipient() string {
	return s.identity.Recipient().String()
}

// Seal encrypts plaintext and returns an ENC[age:...] envelope.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("age encrypt init: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("age encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("age encrypt close: %w", err)
	}
	return sealPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()) + sealSuffix, nil
}

// Open decrypts an envelope produced by Seal.
func (s *Sealer) Open(sealed string) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}

	ciphertext, err := base64.StdEncoding.DecodeString(sealed[len(sealPrefix) : len(sealed)-len(sealSuffix)])
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decrypted: %w", err)
	}
	return plain, nil
}

// IsSealed reports whether s has the ENC[age:...] envelope.
func IsSealed(s string) bool {
	return strings.HasPrefix(s, sealPrefix) && strings.HasSuffix(s, sealSuffix)
}
