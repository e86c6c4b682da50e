// Package services implements the license engine: creation, the
// activation ledger, heartbeat validation and the download gate. It
// composes the pure domain primitives from internal/license with the
// stores and translates outcomes into explicit results, never panics or
// sentinel-free errors.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	apperrors "keygate/internal/errors"
	"keygate/internal/license"
	"keygate/internal/store"
)

// Failure reasons surfaced to callers. Deliberately coarse; in
// particular a wrong key and a missing license are indistinguishable.
const (
	ReasonNotFound           = "not_found"
	ReasonExpired            = "expired"
	ReasonInactive           = "inactive"
	ReasonActivationLimit    = "activation_limit"
	ReasonDomainNotActivated = "domain_not_activated"
)

// ActivationResult is the outcome of an activate or heartbeat call.
type ActivationResult struct {
	Success    bool                   `json:"success"`
	Reason     string                 `json:"reason,omitempty"`
	Status     license.EffectiveState `json:"status,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	GraceUntil *time.Time             `json:"grace_until,omitempty"`
	// Remaining is nil for unlimited licenses.
	Remaining *int `json:"remaining_activations,omitempty"`
}

// DeactivationResult is the outcome of a deactivate call.
type DeactivationResult struct {
	Success   bool `json:"success"`
	Remaining *int `json:"remaining_activations,omitempty"`
}

// CreateLicenseParams carries the order-fulfillment collaborator's input.
type CreateLicenseParams struct {
	OwnerID        string
	ProductID      string
	OrderRef       *string
	MaxActivations *int
	ExpiresAt      *time.Time
	GraceUntil     *time.Time
}

// CreatedLicense returns the new license id together with the plaintext
// key. The key exists only in this value; it is never stored or logged.
type CreatedLicense struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// StatusReport is the read-only status surface for operators.
type StatusReport struct {
	LicenseID      string                 `json:"license_id"`
	Status         license.EffectiveState `json:"status"`
	Administrative license.Status         `json:"administrative_status"`
	ExpiresAt      *time.Time             `json:"expires_at,omitempty"`
	GraceUntil     *time.Time             `json:"grace_until,omitempty"`
	Remaining      *int                   `json:"remaining_activations,omitempty"`
	ActiveDomains  int                    `json:"active_domains"`
	FailedAttempts int                    `json:"failed_attempts"`
}

// LicenseService is the engine facade the transport layer consumes.
type LicenseService interface {
	CreateLicense(ctx context.Context, params CreateLicenseParams) (*CreatedLicense, error)
	Activate(ctx context.Context, key, domain, clientIP, userAgent string) (*ActivationResult, error)
	ValidateHeartbeat(ctx context.Context, key, domain, clientIP string) (*ActivationResult, error)
	Deactivate(ctx context.Context, key, domain string) (*DeactivationResult, error)
	Status(ctx context.Context, key string) (*StatusReport, error)
}

// Options gathers the configuration a licenseService needs; all values
// come from the config struct at construction, never from globals.
type Options struct {
	ExemptPatterns    []string
	ExemptBypassGrace bool
	KeyRetries        int
}

type licenseService struct {
	store  store.Store
	keys   *license.KeyService
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// NewLicenseService wires the engine.
func NewLicenseService(st store.Store, keys *license.KeyService, opts Options, logger *slog.Logger) LicenseService {
	if opts.KeyRetries <= 0 {
		opts.KeyRetries = 10
	}
	return &licenseService{
		store:  st,
		keys:   keys,
		opts:   opts,
		logger: logger.With(slog.String("service", "license")),
		now:    time.Now,
	}
}

// NewLicenseServiceWithClock is the test constructor with an injected
// clock.
func NewLicenseServiceWithClock(st store.Store, keys *license.KeyService, opts Options, logger *slog.Logger, now func() time.Time) LicenseService {
	svc := NewLicenseService(st, keys, opts, logger).(*licenseService)
	svc.now = now
	return svc
}

// CreateLicense generates a unique key, stores only its hashes and
// returns the plaintext exactly once.
func (s *licenseService) CreateLicense(ctx context.Context, params CreateLicenseParams) (*CreatedLicense, error) {
	if params.OwnerID == "" || params.ProductID == "" {
		return nil, fmt.Errorf("%w: owner and product are required", apperrors.ErrInvalidParams)
	}
	if params.GraceUntil != nil && params.ExpiresAt != nil && params.GraceUntil.Before(*params.ExpiresAt) {
		return nil, fmt.Errorf("%w: grace_until must not precede expires_at", apperrors.ErrInvalidParams)
	}
	if params.MaxActivations != nil && *params.MaxActivations < 0 {
		return nil, fmt.Errorf("%w: max_activations must not be negative", apperrors.ErrInvalidParams)
	}
	// The admin layer treats 0 as "unlimited"; the engine's canonical
	// unlimited is nil.
	if params.MaxActivations != nil && *params.MaxActivations == 0 {
		params.MaxActivations = nil
	}

	var plaintext string
	var hashes license.KeyHashes
	found := false
	for attempt := 0; attempt < s.opts.KeyRetries; attempt++ {
		candidate, err := s.keys.GenerateKey(params.ProductID, params.OwnerID)
		if err != nil {
			return nil, fmt.Errorf("key generation failed: %w", err)
		}
		candidateHashes := s.keys.HashKey(candidate)
		exists, err := s.store.KeyHashExists(ctx, candidateHashes.Primary)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
		}
		if !exists {
			plaintext, hashes, found = candidate, candidateHashes, true
			break
		}
	}
	if !found {
		return nil, apperrors.ErrKeySpaceExhausted
	}

	now := s.now().UTC()
	lic := &license.License{
		ID:             uuid.NewString(),
		OwnerID:        params.OwnerID,
		ProductID:      params.ProductID,
		OrderRef:       params.OrderRef,
		KeyHash:        hashes.Primary,
		KeyVerifyHash:  hashes.Verification,
		Status:         license.StatusActive,
		ExpiresAt:      params.ExpiresAt,
		GraceUntil:     params.GraceUntil,
		MaxActivations: params.MaxActivations,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.InsertLicense(ctx, lic); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
	}

	s.logger.InfoContext(ctx, "license created",
		slog.String("license_id", lic.ID),
		slog.String("product_id", lic.ProductID),
		slog.Bool("unlimited", lic.Unlimited()))

	return &CreatedLicense{ID: lic.ID, Key: plaintext}, nil
}

// Activate binds a domain to a license, idempotently.
func (s *licenseService) Activate(ctx context.Context, key, domain, clientIP, userAgent string) (*ActivationResult, error) {
	lic, res, err := s.resolveUsable(ctx, key)
	if err != nil {
		return nil, err
	}
	if res != nil {
		activationsTotal.WithLabelValues(res.Reason).Inc()
		return res, nil
	}

	normalized, err := license.NormalizeDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidDomain, err)
	}
	exempt := license.IsExemptDomain(normalized, s.opts.ExemptPatterns)
	now := s.now().UTC()

	// Idempotent re-activation: an existing active row refreshes and
	// consumes no capacity.
	existing, err := s.store.ActiveActivation(ctx, lic.ID, normalized)
	switch {
	case err == nil:
		if err := s.withRetry(func() error { return s.store.TouchActivation(ctx, existing.ID, now) }); err != nil {
			return nil, err
		}
		return s.activationSuccess(ctx, lic, "reactivated", normalized)
	case errors.Is(err, store.ErrNotFound):
		// First activation for this domain, fall through to insert.
	default:
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
	}

	act := &license.Activation{
		ID:            uuid.NewString(),
		LicenseID:     lic.ID,
		Domain:        normalized,
		IPHash:        s.keys.HashIdentifier(clientIP),
		UserAgentHash: s.keys.HashIdentifier(userAgent),
		IsExempt:      exempt,
		ActivatedAt:   now,
		LastSeenAt:    now,
		IsActive:      true,
	}

	err = s.withRetry(func() error { return s.store.CreateActivation(ctx, act, lic.MaxActivations) })
	switch {
	case err == nil:
		return s.activationSuccess(ctx, lic, "activated", normalized)
	case errors.Is(err, store.ErrCapacityReached):
		s.recordFailedAttempt(ctx, lic.ID)
		activationsTotal.WithLabelValues(ReasonActivationLimit).Inc()
		zero := 0
		return &ActivationResult{
			Success:   false,
			Reason:    ReasonActivationLimit,
			Status:    license.EffectiveStatus(lic, now),
			ExpiresAt: lic.ExpiresAt,
			Remaining: &zero,
		}, nil
	case errors.Is(err, store.ErrDuplicateDomain):
		// Lost a race with an identical concurrent activation; that
		// winner's row makes ours an idempotent success.
		if row, lookupErr := s.store.ActiveActivation(ctx, lic.ID, normalized); lookupErr == nil {
			_ = s.store.TouchActivation(ctx, row.ID, now)
		}
		return s.activationSuccess(ctx, lic, "reactivated", normalized)
	default:
		return nil, err
	}
}

// ValidateHeartbeat refreshes the binding for an already-activated
// domain and reports current status.
func (s *licenseService) ValidateHeartbeat(ctx context.Context, key, domain, clientIP string) (*ActivationResult, error) {
	lic, notFound, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if notFound != nil {
		heartbeatsTotal.WithLabelValues(ReasonNotFound).Inc()
		return notFound, nil
	}

	normalized, err := license.NormalizeDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidDomain, err)
	}

	row, err := s.store.ActiveActivation(ctx, lic.ID, normalized)
	if errors.Is(err, store.ErrNotFound) {
		heartbeatsTotal.WithLabelValues(ReasonDomainNotActivated).Inc()
		return &ActivationResult{Success: false, Reason: ReasonDomainNotActivated}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
	}

	now := s.now().UTC()
	if err := s.withRetry(func() error { return s.store.TouchActivation(ctx, row.ID, now) }); err != nil {
		return nil, err
	}

	state := license.EffectiveStatus(lic, now)
	usable := state.Usable() || s.exemptOverride(state, row.IsExempt)
	result := &ActivationResult{
		Success:    usable,
		Status:     state,
		ExpiresAt:  lic.ExpiresAt,
		GraceUntil: lic.GraceUntil,
	}
	if !usable {
		result.Reason = s.unusableReason(state)
		heartbeatsTotal.WithLabelValues(result.Reason).Inc()
		return result, nil
	}
	heartbeatsTotal.WithLabelValues(resultSuccess).Inc()
	return result, nil
}

// Deactivate soft-releases a domain binding. Idempotent; deactivating a
// never-activated domain reports success=false without error.
func (s *licenseService) Deactivate(ctx context.Context, key, domain string) (*DeactivationResult, error) {
	lic, notFound, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if notFound != nil {
		deactivationsTotal.WithLabelValues(ReasonNotFound).Inc()
		return &DeactivationResult{Success: false}, nil
	}

	normalized, err := license.NormalizeDomain(domain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidDomain, err)
	}

	var released bool
	err = s.withRetry(func() error {
		var e error
		released, e = s.store.DeactivateActivation(ctx, lic.ID, normalized, "client request", s.now().UTC())
		return e
	})
	if err != nil {
		return nil, err
	}

	remaining, err := s.remaining(ctx, lic)
	if err != nil {
		return nil, err
	}
	if released {
		deactivationsTotal.WithLabelValues(resultSuccess).Inc()
		s.logger.InfoContext(ctx, "domain deactivated",
			slog.String("license_id", lic.ID),
			slog.String("domain", normalized))
	} else {
		deactivationsTotal.WithLabelValues(ReasonDomainNotActivated).Inc()
	}
	return &DeactivationResult{Success: released, Remaining: remaining}, nil
}

// Status reports the computed state of a license without mutating it.
func (s *licenseService) Status(ctx context.Context, key string) (*StatusReport, error) {
	lic, notFound, err := s.resolve(ctx, key)
	if err != nil {
		return nil, err
	}
	if notFound != nil {
		return nil, apperrors.ErrKeyNotFound
	}

	remaining, err := s.remaining(ctx, lic)
	if err != nil {
		return nil, err
	}
	// ActiveDomains counts every live binding, exempt ones included,
	// unlike the capacity math which skips exempt rows.
	rows, err := s.store.ListActivations(ctx, lic.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
	}
	active := 0
	for _, row := range rows {
		if row.IsActive {
			active++
		}
	}

	return &StatusReport{
		LicenseID:      lic.ID,
		Status:         license.EffectiveStatus(lic, s.now().UTC()),
		Administrative: lic.Status,
		ExpiresAt:      lic.ExpiresAt,
		GraceUntil:     lic.GraceUntil,
		Remaining:      remaining,
		ActiveDomains:  active,
		FailedAttempts: lic.FailedAttempts,
	}, nil
}

// resolve maps a plaintext key to its license, or an opaque not-found
// result. Malformed keys never reach the store; storage failures travel
// the error channel, not the result.
func (s *licenseService) resolve(ctx context.Context, key string) (*license.License, *ActivationResult, error) {
	if !license.ValidKeyFormat(key) {
		return nil, &ActivationResult{Success: false, Reason: ReasonNotFound}, nil
	}
	hashes := s.keys.HashKey(key)
	lic, err := s.store.LicenseByKeyHash(ctx, hashes.Primary)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ActivationResult{Success: false, Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
	}
	// Defense in depth: the stored verification hash must chain from
	// the primary. A mismatch means the hash column was tampered with.
	if !s.keys.Verify(key, lic.KeyHash) || hashes.Verification != lic.KeyVerifyHash {
		s.recordFailedAttempt(ctx, lic.ID)
		return nil, &ActivationResult{Success: false, Reason: ReasonNotFound}, nil
	}
	return lic, nil, nil
}

// resolveUsable additionally gates on effective status.
func (s *licenseService) resolveUsable(ctx context.Context, key string) (*license.License, *ActivationResult, error) {
	lic, notFound, err := s.resolve(ctx, key)
	if notFound != nil || err != nil {
		return nil, notFound, err
	}
	state := license.EffectiveStatus(lic, s.now().UTC())
	if !state.Usable() {
		s.recordFailedAttempt(ctx, lic.ID)
		return nil, &ActivationResult{
			Success:    false,
			Reason:     s.unusableReason(state),
			Status:     state,
			ExpiresAt:  lic.ExpiresAt,
			GraceUntil: lic.GraceUntil,
		}, nil
	}
	return lic, nil, nil
}

func (s *licenseService) unusableReason(state license.EffectiveState) string {
	if state == license.StateExpired {
		return ReasonExpired
	}
	return ReasonInactive
}

// exemptOverride implements the configurable policy for developer
// domains past the grace window.
func (s *licenseService) exemptOverride(state license.EffectiveState, exempt bool) bool {
	return s.opts.ExemptBypassGrace && exempt && state == license.StateExpired
}

func (s *licenseService) activationSuccess(ctx context.Context, lic *license.License, verb, domain string) (*ActivationResult, error) {
	remaining, err := s.remaining(ctx, lic)
	if err != nil {
		return nil, err
	}
	activationsTotal.WithLabelValues(resultSuccess).Inc()
	s.logger.InfoContext(ctx, "domain "+verb,
		slog.String("license_id", lic.ID),
		slog.String("domain", domain))

	return &ActivationResult{
		Success:    true,
		Status:     license.EffectiveStatus(lic, s.now().UTC()),
		ExpiresAt:  lic.ExpiresAt,
		GraceUntil: lic.GraceUntil,
		Remaining:  remaining,
	}, nil
}

// remaining computes max_activations minus active non-exempt rows,
// floored at zero; nil when unlimited.
func (s *licenseService) remaining(ctx context.Context, lic *license.License) (*int, error) {
	if lic.Unlimited() {
		return nil, nil
	}
	count, err := s.store.CountActive(ctx, lic.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
	}
	left := *lic.MaxActivations - count
	if left < 0 {
		left = 0
	}
	return &left, nil
}

// recordFailedAttempt bumps the license's failure counter, best effort.
func (s *licenseService) recordFailedAttempt(ctx context.Context, licenseID string) {
	if err := s.store.IncrementFailedAttempts(ctx, licenseID); err != nil {
		s.logger.DebugContext(ctx, "failed-attempt counter update failed",
			slog.String("license_id", licenseID),
			slog.String("error", err.Error()))
	}
}

// withRetry retries one transient storage failure before surfacing it.
// Business outcomes (not found, duplicate, capacity) pass through
// untouched.
func (s *licenseService) withRetry(fn func() error) error {
	err := fn()
	if err == nil || !isTransient(err) {
		return err
	}
	if err = fn(); err != nil {
		if !isTransient(err) {
			return err
		}
		return fmt.Errorf("%w: %v", apperrors.ErrTransientStorage, err)
	}
	return nil
}

func isTransient(err error) bool {
	return !errors.Is(err, store.ErrNotFound) &&
		!errors.Is(err, store.ErrDuplicateDomain) &&
		!errors.Is(err, store.ErrCapacityReached)
}
