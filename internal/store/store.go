// Package store persists licenses and activations. Two implementations
// exist: a process-local memory store for tests and single-node
// deployments, and a Postgres store for production. Both provide the
// same atomicity guarantee for first activation under a capacity limit.
package store

import (
	"context"
	"errors"
	"time"

	"keygate/internal/license"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateDomain is returned when an active activation already
	// exists for the (license, domain) pair.
	ErrDuplicateDomain = errors.New("store: domain already activated")
	// ErrCapacityReached is returned when the conditional insert found
	// the license at its activation cap.
	ErrCapacityReached = errors.New("store: activation capacity reached")
)

// LicenseStore is the durable home of license records.
type LicenseStore interface {
	InsertLicense(ctx context.Context, lic *license.License) error
	LicenseByID(ctx context.Context, id string) (*license.License, error)
	LicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error)
	KeyHashExists(ctx context.Context, keyHash string) (bool, error)
	UpdateLicenseStatus(ctx context.Context, id string, status license.Status) error
	IncrementFailedAttempts(ctx context.Context, id string) error
	DeleteLicense(ctx context.Context, id string) error
}

// ActivationStore is the activation ledger's backing table.
//
// CreateActivation is the engine's single serialization point: it must
// atomically verify that no active row exists for (license, domain),
// that the active non-exempt count is below limit (nil limit means
// unlimited, and exempt rows never count), and insert — or fail with
// ErrDuplicateDomain / ErrCapacityReached without side effects.
type ActivationStore interface {
	CreateActivation(ctx context.Context, act *license.Activation, limit *int) error
	ActiveActivation(ctx context.Context, licenseID, domain string) (*license.Activation, error)
	TouchActivation(ctx context.Context, id string, seenAt time.Time) error
	DeactivateActivation(ctx context.Context, licenseID, domain, reason string, at time.Time) (bool, error)
	CountActive(ctx context.Context, licenseID string) (int, error)
	ListActivations(ctx context.Context, licenseID string) ([]license.Activation, error)
	DeleteActivations(ctx context.Context, licenseID string) error
}

// Store bundles both tables plus a health probe.
type Store interface {
	LicenseStore
	ActivationStore
	Ping(ctx context.Context) error
}
