// Package ratelimit implements sliding-window request limiting with
// temporary blocking of repeat offenders. The window state lives behind
// the WindowStore interface so the limiter runs identically against
// process memory or a shared Redis.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var blocksTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "keygate",
	Name:      "ratelimit_blocks_total",
	Help:      "Identifiers blocked for breaching a rate policy.",
})

// WindowStore keeps per-identifier request timestamps and block marks.
// Implementations prune on read; they are best-effort shared state and
// may over-admit slightly under cross-node races.
type WindowStore interface {
	// CountInWindow returns how many hits identifier has inside the
	// trailing window ending at now.
	CountInWindow(ctx context.Context, identifier string, now time.Time, window time.Duration) (int, error)
	// RecordHit appends one hit at now.
	RecordHit(ctx context.Context, identifier string, now time.Time, window time.Duration) error
	// SetBlock marks identifier blocked until the given instant.
	SetBlock(ctx context.Context, identifier string, until time.Time) error
	// BlockedUntil returns the block expiry, if one is set and unexpired.
	BlockedUntil(ctx context.Context, identifier string, now time.Time) (time.Time, bool, error)
	// ClearBlock removes a block mark.
	ClearBlock(ctx context.Context, identifier string) error
}

// Limiter applies a sliding-window policy per identifier and blocks
// identifiers that breach it. The block duration is independent of the
// window, so an offender stays blocked after the window would have
// cleared naturally.
type Limiter struct {
	store         WindowStore
	blockDuration time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewLimiter creates a limiter over the given store.
func NewLimiter(store WindowStore, blockDuration time.Duration, logger *slog.Logger) *Limiter {
	return &Limiter{
		store:         store,
		blockDuration: blockDuration,
		logger:        logger.With(slog.String("component", "ratelimit")),
		now:           time.Now,
	}
}

// WithClock overrides the limiter's clock. Test hook.
func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow checks identifier against (limit, window). A denied identifier
// is additionally blocked for the configured block duration. The limiter
// fails open: a broken window store must never lock out legitimate
// traffic, it only costs us abuse protection until the store recovers.
func (l *Limiter) Allow(ctx context.Context, identifier string, limit int, window time.Duration) bool {
	now := l.now()

	if l.IsBlocked(ctx, identifier) {
		return false
	}

	count, err := l.store.CountInWindow(ctx, identifier, now, window)
	if err != nil {
		l.logger.WarnContext(ctx, "window store unavailable, failing open",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
		return true
	}

	if count >= limit {
		until := now.Add(l.blockDuration)
		if err := l.store.SetBlock(ctx, identifier, until); err != nil {
			l.logger.WarnContext(ctx, "failed to record block",
				slog.String("identifier", identifier),
				slog.String("error", err.Error()))
		}
		blocksTotal.Inc()
		l.logger.WarnContext(ctx, "rate limit breached, identifier blocked",
			slog.String("identifier", identifier),
			slog.Int("limit", limit),
			slog.Duration("window", window),
			slog.Time("blocked_until", until))
		return false
	}

	if err := l.store.RecordHit(ctx, identifier, now, window); err != nil {
		l.logger.WarnContext(ctx, "failed to record hit, failing open",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
	}
	return true
}

// IsBlocked reports whether identifier is under an explicit block. This
// is checked before any window counting so known-bad actors short-circuit
// cheaply.
func (l *Limiter) IsBlocked(ctx context.Context, identifier string) bool {
	_, blocked, err := l.store.BlockedUntil(ctx, identifier, l.now())
	if err != nil {
		l.logger.WarnContext(ctx, "block lookup failed, failing open",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
		return false
	}
	return blocked
}

// Block explicitly blocks an identifier for the given duration.
func (l *Limiter) Block(ctx context.Context, identifier string, duration time.Duration) {
	if err := l.store.SetBlock(ctx, identifier, l.now().Add(duration)); err != nil {
		l.logger.WarnContext(ctx, "failed to set block",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
	}
}

// Unblock removes an identifier's block mark.
func (l *Limiter) Unblock(ctx context.Context, identifier string) {
	if err := l.store.ClearBlock(ctx, identifier); err != nil {
		l.logger.WarnContext(ctx, "failed to clear block",
			slog.String("identifier", identifier),
			slog.String("error", err.Error()))
	}
}
