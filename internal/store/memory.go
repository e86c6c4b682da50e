package store

import (
	"context"
	"sync"
	"time"

	"keygate/internal/license"
)

// MemoryStore is an in-process Store. All mutations happen under one
// mutex, which trivially gives CreateActivation its required
// check-then-insert atomicity.
type MemoryStore struct {
	mu          sync.RWMutex
	licenses    map[string]*license.License      // by id
	byKeyHash   map[string]string                // key hash -> license id
	activations map[string][]*license.Activation // by license id, insertion order
}

// NewMemoryStore creates an empty memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		licenses:    make(map[string]*license.License),
		byKeyHash:   make(map[string]string),
		activations: make(map[string][]*license.Activation),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) InsertLicense(ctx context.Context, lic *license.License) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *lic
	s.licenses[cp.ID] = &cp
	s.byKeyHash[cp.KeyHash] = cp.ID
	return nil
}

func (s *MemoryStore) LicenseByID(ctx context.Context, id string) (*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.licenses[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *lic
	return &cp, nil
}

func (s *MemoryStore) LicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKeyHash[keyHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.licenses[id]
	return &cp, nil
}

func (s *MemoryStore) KeyHashExists(ctx context.Context, keyHash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.byKeyHash[keyHash]
	return ok, nil
}

func (s *MemoryStore) UpdateLicenseStatus(ctx context.Context, id string, status license.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[id]
	if !ok {
		return ErrNotFound
	}
	lic.Status = status
	lic.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) IncrementFailedAttempts(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[id]
	if !ok {
		return ErrNotFound
	}
	lic.FailedAttempts++
	return nil
}

// DeleteLicense removes a license and cascades to its activations.
func (s *MemoryStore) DeleteLicense(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lic, ok := s.licenses[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byKeyHash, lic.KeyHash)
	delete(s.licenses, id)
	delete(s.activations, id)
	return nil
}

func (s *MemoryStore) CreateActivation(ctx context.Context, act *license.Activation, limit *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.activations[act.LicenseID]
	active := 0
	for _, row := range rows {
		if !row.IsActive {
			continue
		}
		if row.Domain == act.Domain {
			return ErrDuplicateDomain
		}
		if !row.IsExempt {
			active++
		}
	}

	if limit != nil && !act.IsExempt && active >= *limit {
		return ErrCapacityReached
	}

	cp := *act
	s.activations[act.LicenseID] = append(rows, &cp)
	return nil
}

func (s *MemoryStore) ActiveActivation(ctx context.Context, licenseID, domain string) (*license.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, row := range s.activations[licenseID] {
		if row.IsActive && row.Domain == domain {
			cp := *row
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) TouchActivation(ctx context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rows := range s.activations {
		for _, row := range rows {
			if row.ID == id {
				row.LastSeenAt = seenAt
				row.ValidationCount++
				return nil
			}
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) DeactivateActivation(ctx context.Context, licenseID, domain, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.activations[licenseID] {
		if row.IsActive && row.Domain == domain {
			row.IsActive = false
			row.DeactivatedAt = &at
			row.DeactivateReason = reason
			return true, nil
		}
	}
	return false, nil
}

// CountActive counts active non-exempt rows for capacity accounting.
func (s *MemoryStore) CountActive(ctx context.Context, licenseID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, row := range s.activations[licenseID] {
		if row.IsActive && !row.IsExempt {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) ListActivations(ctx context.Context, licenseID string) ([]license.Activation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.activations[licenseID]
	out := make([]license.Activation, 0, len(rows))
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}

func (s *MemoryStore) DeleteActivations(ctx context.Context, licenseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activations, licenseID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
