package license

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"keygate/internal/config"
)

var keyPattern = regexp.MustCompile(config.LicenseKeyPattern)

// KeyHashes is the pair of one-way digests persisted for a key. The
// verification hash is derived from the primary hash under a separate
// secret so a leaked hash column cannot be replayed against lookups.
type KeyHashes struct {
	Primary      string
	Verification string
}

// KeyService generates, formats, hashes and verifies license keys.
// It is stateless; uniqueness against stored hashes is the caller's
// concern (see the license service's creation path).
type KeyService struct {
	salt         []byte
	verifySecret []byte
}

// NewKeyService builds a key service from the derived secrets.
func NewKeyService(salt, verifySecret []byte) *KeyService {
	return &KeyService{salt: salt, verifySecret: verifySecret}
}

// GenerateKey produces one candidate plaintext key in the canonical
// XXXXXXXX-XXXXXXXX-XXXXXXXX-XXXXXXXX format. Random bytes are mixed
// with contextual entropy through SHA-256 so identical random output
// in two processes still yields distinct keys.
func (s *KeyService) GenerateKey(productID, ownerID string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random source: %w", err)
	}

	h := sha256.New()
	h.Write(buf)
	fmt.Fprintf(h, "%s|%s|%d", productID, ownerID, time.Now().UnixNano())
	digest := h.Sum(nil)

	return FormatKey(digest[:16]), nil
}

// FormatKey renders 16 raw bytes as four dash-separated groups of eight
// uppercase hex digits.
func FormatKey(raw []byte) string {
	hexed := strings.ToUpper(hex.EncodeToString(raw[:16]))
	groups := make([]string, 0, config.LicenseKeyGroups)
	for i := 0; i < config.LicenseKeyGroups; i++ {
		groups = append(groups, hexed[i*config.LicenseKeyGroupLen:(i+1)*config.LicenseKeyGroupLen])
	}
	return strings.Join(groups, "-")
}

// ValidKeyFormat reports whether s is a well-formed license key. This is
// checked before any storage access; malformed keys never hit the store.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(s)
}

// HashKey computes the persisted hash pair for a plaintext key.
// Deterministic for a given service configuration.
func (s *KeyService) HashKey(plaintext string) KeyHashes {
	primary := hmacHex(s.salt, []byte(plaintext))
	verification := hmacHex(s.verifySecret, []byte(primary))
	return KeyHashes{Primary: primary, Verification: verification}
}

// Verify recomputes the primary hash of plaintext and compares it to the
// stored hash in constant time. Callers must not report anything more
// specific than "not found" on failure.
func (s *KeyService) Verify(plaintext, storedPrimary string) bool {
	computed := hmacHex(s.salt, []byte(plaintext))
	return hmac.Equal([]byte(computed), []byte(storedPrimary))
}

// HashIdentifier one-way hashes a client identifier (IP, user agent)
// for storage. Privacy measure, not a secrecy one.
func (s *KeyService) HashIdentifier(value string) string {
	if value == "" {
		return ""
	}
	return hmacHex(s.salt, []byte(value))
}

func hmacHex(key, data []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}
