// Package security provisions the server secret and implements the
// signed download-URL capability tokens.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"

	"keygate/internal/config"
)

// Secrets holds the per-purpose keys the engine uses. All three are
// derived from one master secret with HKDF, so only one value needs
// provisioning and rotating. Rotation invalidates stored key hashes and
// all outstanding download tokens.
type Secrets struct {
	KeySalt      []byte // HMAC salt for primary key hashes
	KeyVerify    []byte // HMAC secret for the secondary verification hash
	URLSigning   []byte // HMAC secret for download capability tokens
}

// LoadOrCreateMaster reads the master secret from path, or generates a
// fresh cryptographically random one and persists it 0600. Secret
// provisioning happens exactly once, at startup; failing here is fatal
// rather than deferred to the first request that needs a key.
func LoadOrCreateMaster(path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("secret file %s is corrupt: %w", path, err)
		}
		if len(decoded) < config.MasterSecretLen {
			return nil, fmt.Errorf("secret file %s holds %d bytes, need at least %d", path, len(decoded), config.MasterSecretLen)
		}
		return decoded, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read secret file %s: %w", path, err)
	}

	secret := make([]byte, config.MasterSecretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("failed to generate master secret: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(secret) + "\n"
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist master secret to %s: %w", path, err)
	}
	return secret, nil
}

// Derive expands the master secret into the per-purpose keys. Distinct
// info strings keep the keys cryptographically independent.
func Derive(master []byte) (*Secrets, error) {
	if len(master) < config.MasterSecretLen {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(master))
	}

	s := &Secrets{}
	for _, purpose := range []struct {
		info string
		dst  *[]byte
	}{
		{"keygate/key-salt/v1", &s.KeySalt},
		{"keygate/key-verify/v1", &s.KeyVerify},
		{"keygate/url-signing/v1", &s.URLSigning},
	} {
		key := make([]byte, 32)
		r := hkdf.New(sha256.New, master, nil, []byte(purpose.info))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", purpose.info, err)
		}
		*purpose.dst = key
	}
	return s, nil
}
