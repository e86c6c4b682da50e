package license

import "time"

// Status is the stored, administrative status of a license. It reflects
// operator intent only; what a client experiences is the effective
// status computed by EffectiveStatus.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
)

// EffectiveState is the status a license has at a particular instant,
// derived from stored attributes and the clock. Never stored.
type EffectiveState string

const (
	StateActive   EffectiveState = "active"
	StateGrace    EffectiveState = "grace"
	StateExpired  EffectiveState = "expired"
	StateInactive EffectiveState = "inactive"
)

// Usable reports whether a license in this state may activate or
// validate successfully.
func (s EffectiveState) Usable() bool {
	return s == StateActive || s == StateGrace
}

// License identifies one entitlement grant. Only key hashes are held;
// the plaintext key exists in memory once, at creation.
type License struct {
	ID             string     `json:"id" db:"id"`
	OwnerID        string     `json:"owner_id" db:"owner_id"`
	ProductID      string     `json:"product_id" db:"product_id"`
	OrderRef       *string    `json:"order_ref,omitempty" db:"order_ref"`
	KeyHash        string     `json:"-" db:"key_hash"`
	KeyVerifyHash  string     `json:"-" db:"key_verify_hash"`
	Status         Status     `json:"status" db:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	GraceUntil     *time.Time `json:"grace_until,omitempty" db:"grace_until"`
	MaxActivations *int       `json:"max_activations,omitempty" db:"max_activations"`
	FailedAttempts int        `json:"failed_attempts" db:"failed_attempts"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// Unlimited reports whether the license has no activation cap.
func (l *License) Unlimited() bool {
	return l.MaxActivations == nil
}

// Activation is one (license, normalized domain) binding. The client IP
// and user agent are stored hashed only.
type Activation struct {
	ID               string     `json:"id" db:"id"`
	LicenseID        string     `json:"license_id" db:"license_id"`
	Domain           string     `json:"domain" db:"domain"`
	IPHash           string     `json:"-" db:"ip_hash"`
	UserAgentHash    string     `json:"-" db:"user_agent_hash"`
	IsExempt         bool       `json:"is_exempt" db:"is_exempt"`
	ActivatedAt      time.Time  `json:"activated_at" db:"activated_at"`
	LastSeenAt       time.Time  `json:"last_seen_at" db:"last_seen_at"`
	ValidationCount  int64      `json:"validation_count" db:"validation_count"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	DeactivatedAt    *time.Time `json:"deactivated_at,omitempty" db:"deactivated_at"`
	DeactivateReason string     `json:"deactivate_reason,omitempty" db:"deactivate_reason"`
}
