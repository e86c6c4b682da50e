package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// DownloadToken is a self-contained capability for one release download.
// Nothing is persisted server side; the token verifies purely by
// recomputation, and replay inside the TTL is accepted by design.
type DownloadToken struct {
	LicenseID string    `json:"license_id"`
	ReleaseID string    `json:"release_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
	URL       string    `json:"url"`
}

// TokenService issues and verifies signed download URLs.
type TokenService struct {
	secret  []byte
	baseURL string
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenService creates a token service. baseURL is the externally
// reachable server root, e.g. "https://updates.example.com".
func NewTokenService(secret []byte, baseURL string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret:  secret,
		baseURL: baseURL,
		ttl:     ttl,
		now:     time.Now,
	}
}

// WithClock overrides the service clock. Test hook.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// Issue mints a capability URL for (licenseID, releaseID) valid for the
// service TTL.
func (s *TokenService) Issue(licenseID, releaseID string) DownloadToken {
	expiresAt := s.now().Add(s.ttl).Truncate(time.Second)
	sig := s.sign(licenseID, releaseID, expiresAt.Unix())

	q := url.Values{}
	q.Set("license_id", licenseID)
	q.Set("expires", strconv.FormatInt(expiresAt.Unix(), 10))
	q.Set("signature", sig)

	return DownloadToken{
		LicenseID: licenseID,
		ReleaseID: releaseID,
		ExpiresAt: expiresAt,
		Signature: sig,
		URL:       fmt.Sprintf("%s/api/downloads/%s?%s", s.baseURL, url.PathEscape(releaseID), q.Encode()),
	}
}

// Verify checks a presented token. Expiry is checked before any
// cryptography; the signature compare is constant time. Callers get a
// bare bool and must not surface anything more specific.
func (s *TokenService) Verify(licenseID, releaseID string, expiresUnix int64, signature string) bool {
	if s.now().Unix() > expiresUnix {
		return false
	}
	expected := s.sign(licenseID, releaseID, expiresUnix)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// sign computes the HMAC over the canonical "license|release|expiry"
// string.
func (s *TokenService) sign(licenseID, releaseID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%d", licenseID, releaseID, expiresUnix)
	return hex.EncodeToString(mac.Sum(nil))
}
