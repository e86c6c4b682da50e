package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"keygate/internal/license"
)

// Schema for the two core tables. The partial unique index on active
// rows is what makes concurrent first activations of the same domain
// collapse to one winner; over-capacity across distinct domains is
// prevented by CreateActivation counting under the license row lock.
const Schema = `
CREATE TABLE IF NOT EXISTS licenses (
	id               text PRIMARY KEY,
	owner_id         text NOT NULL,
	product_id       text NOT NULL,
	order_ref        text,
	key_hash         text NOT NULL UNIQUE,
	key_verify_hash  text NOT NULL,
	status           text NOT NULL,
	expires_at       timestamptz,
	grace_until      timestamptz,
	max_activations  integer,
	failed_attempts  integer NOT NULL DEFAULT 0,
	created_at       timestamptz NOT NULL,
	updated_at       timestamptz NOT NULL
);

CREATE TABLE IF NOT EXISTS activations (
	id                text PRIMARY KEY,
	license_id        text NOT NULL REFERENCES licenses(id) ON DELETE CASCADE,
	domain            text NOT NULL,
	ip_hash           text NOT NULL DEFAULT '',
	user_agent_hash   text NOT NULL DEFAULT '',
	is_exempt         boolean NOT NULL DEFAULT false,
	activated_at      timestamptz NOT NULL,
	last_seen_at      timestamptz NOT NULL,
	validation_count  bigint NOT NULL DEFAULT 0,
	is_active         boolean NOT NULL DEFAULT true,
	deactivated_at    timestamptz,
	deactivate_reason text NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS activations_active_domain_idx
	ON activations (license_id, domain) WHERE is_active;
CREATE INDEX IF NOT EXISTS activations_license_idx ON activations (license_id);
`

// PostgresStore implements Store on a Postgres database via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects, verifies the connection and ensures the
// schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) InsertLicense(ctx context.Context, lic *license.License) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO licenses (id, owner_id, product_id, order_ref, key_hash, key_verify_hash,
			status, expires_at, grace_until, max_activations, failed_attempts, created_at, updated_at)
		VALUES (:id, :owner_id, :product_id, :order_ref, :key_hash, :key_verify_hash,
			:status, :expires_at, :grace_until, :max_activations, :failed_attempts, :created_at, :updated_at)`,
		lic)
	if err != nil {
		return fmt.Errorf("insert license: %w", err)
	}
	return nil
}

func (s *PostgresStore) LicenseByID(ctx context.Context, id string) (*license.License, error) {
	var lic license.License
	err := s.db.GetContext(ctx, &lic, `SELECT * FROM licenses WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select license: %w", err)
	}
	return &lic, nil
}

func (s *PostgresStore) LicenseByKeyHash(ctx context.Context, keyHash string) (*license.License, error) {
	var lic license.License
	err := s.db.GetContext(ctx, &lic, `SELECT * FROM licenses WHERE key_hash = $1`, keyHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select license by key hash: %w", err)
	}
	return &lic, nil
}

func (s *PostgresStore) KeyHashExists(ctx context.Context, keyHash string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM licenses WHERE key_hash = $1)`, keyHash)
	if err != nil {
		return false, fmt.Errorf("key hash lookup: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpdateLicenseStatus(ctx context.Context, id string, status license.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update license status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) IncrementFailedAttempts(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET failed_attempts = failed_attempts + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment failed attempts: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteLicense(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM licenses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete license: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateActivation runs check-then-insert in an explicit transaction.
// Locking the license row serializes concurrent activations of the same
// license; the count runs as its own statement after the lock is held,
// so under READ COMMITTED its snapshot includes rows committed by the
// transaction we waited on. A single-statement INSERT ... SELECT with a
// COUNT subquery does NOT give that guarantee: the subquery evaluates
// against the pre-wait snapshot and two waiters can both see the old
// count. The partial unique index turns a lost race on the same domain
// into a unique violation we classify as ErrDuplicateDomain.
func (s *PostgresStore) CreateActivation(ctx context.Context, act *license.Activation, limit *int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activation: %w", err)
	}
	defer tx.Rollback()

	var lockedID string
	err = tx.GetContext(ctx, &lockedID,
		`SELECT id FROM licenses WHERE id = $1 FOR UPDATE`, act.LicenseID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock license: %w", err)
	}

	if limit != nil && !act.IsExempt {
		var count int
		err = tx.GetContext(ctx, &count,
			`SELECT COUNT(*) FROM activations
			WHERE license_id = $1 AND is_active AND NOT is_exempt`, act.LicenseID)
		if err != nil {
			return fmt.Errorf("count activations: %w", err)
		}
		if count >= *limit {
			return ErrCapacityReached
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO activations (id, license_id, domain, ip_hash, user_agent_hash, is_exempt,
			activated_at, last_seen_at, validation_count, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, true)`,
		act.ID, act.LicenseID, act.Domain, act.IPHash, act.UserAgentHash, act.IsExempt,
		act.ActivatedAt, act.LastSeenAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateDomain
		}
		return fmt.Errorf("insert activation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activation: %w", err)
	}
	return nil
}

func (s *PostgresStore) ActiveActivation(ctx context.Context, licenseID, domain string) (*license.Activation, error) {
	var act license.Activation
	err := s.db.GetContext(ctx, &act,
		`SELECT * FROM activations WHERE license_id = $1 AND domain = $2 AND is_active`,
		licenseID, domain)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select activation: %w", err)
	}
	return &act, nil
}

func (s *PostgresStore) TouchActivation(ctx context.Context, id string, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE activations
		SET last_seen_at = $2, validation_count = validation_count + 1
		WHERE id = $1`, id, seenAt)
	if err != nil {
		return fmt.Errorf("touch activation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeactivateActivation(ctx context.Context, licenseID, domain, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE activations
		SET is_active = false, deactivated_at = $3, deactivate_reason = $4
		WHERE license_id = $1 AND domain = $2 AND is_active`,
		licenseID, domain, at, reason)
	if err != nil {
		return false, fmt.Errorf("deactivate activation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *PostgresStore) CountActive(ctx context.Context, licenseID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM activations WHERE license_id = $1 AND is_active AND NOT is_exempt`,
		licenseID)
	if err != nil {
		return 0, fmt.Errorf("count activations: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListActivations(ctx context.Context, licenseID string) ([]license.Activation, error) {
	var rows []license.Activation
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM activations WHERE license_id = $1 ORDER BY activated_at`, licenseID)
	if err != nil {
		return nil, fmt.Errorf("list activations: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) DeleteActivations(ctx context.Context, licenseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM activations WHERE license_id = $1`, licenseID)
	if err != nil {
		return fmt.Errorf("delete activations: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
