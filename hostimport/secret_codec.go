package hostimport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/user"
	"strings"
)

const (
	secretKeyEnv = "PETALEXEC_SECRET_KEY"
	sealedPrefix = "sealed:v1:"
)

var errNotSealed = errors.New("hostimport: stored secret is not sealed")

// secretCodec seals secret values with AES-GCM. The namespaced secret name
// is the additional data, so a sealed value only opens under the
// env/tenant/name it was written for.
type secretCodec struct {
	aead cipher.AEAD
}

func newSecretCodec(scope string) (*secretCodec, error) {
	block, err := aes.NewCipher(secretKey(scope))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &secretCodec{aead: aead}, nil
}

// secretKey hashes PETALEXEC_SECRET_KEY (base64 or raw) when set, else
// material bound to the user, host and store scope.
func secretKey(scope string) []byte {
	material := []byte(strings.TrimSpace(os.Getenv(secretKeyEnv)))
	if len(material) > 0 {
		if decoded, err := base64.StdEncoding.DecodeString(string(material)); err == nil && len(decoded) > 0 {
			material = decoded
		}
	} else {
		username := "unknown"
		if u, err := user.Current(); err == nil && u != nil {
			username = u.Username
		}
		hostname, _ := os.Hostname()
		material = []byte("petalexec/secrets|" + username + "|" + hostname + "|" + strings.TrimSpace(scope))
	}
	sum := sha256.Sum256(material)
	return sum[:]
}

// Seal encrypts value for the namespaced secret name.
func (c *secretCodec) Seal(name, value string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("hostimport: secret nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(value), []byte(name))
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value written by Seal for the same name.
func (c *secretCodec) Open(name, stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return "", errNotSealed
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("hostimport: decode sealed secret: %w", err)
	}
	n := c.aead.NonceSize()
	if len(raw) < n+c.aead.Overhead() {
		return "", fmt.Errorf("hostimport: sealed secret is truncated")
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], []byte(name))
	if err != nil {
		return "", fmt.Errorf("hostimport: open sealed secret: %w", err)
	}
	return string(plain), nil
}
