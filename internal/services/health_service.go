package services

import (
	"context"
	"log/slog"
	"time"

	"keygate/internal/config"
	"keygate/internal/store"
)

// HealthReport describes the reachability of the engine's dependencies.
// The rate limiter is deliberately absent: its store failing degrades
// abuse protection, not service health, because the limiter fails open.
type HealthReport struct {
	Status    string            `json:"status"` // "healthy" or "degraded"
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	CheckedAt time.Time         `json:"checked_at"`
}

// HealthService probes dependencies with a bounded timeout.
type HealthService struct {
	store  store.Store
	logger *slog.Logger
}

// NewHealthService creates a health service.
func NewHealthService(st store.Store, logger *slog.Logger) *HealthService {
	return &HealthService{store: st, logger: logger.With(slog.String("service", "health"))}
}

// Check pings the stores and aggregates a report.
func (s *HealthService) Check(ctx context.Context) *HealthReport {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	report := &HealthReport{
		Status:    "healthy",
		Version:   config.AppVersion,
		Checks:    map[string]string{},
		CheckedAt: time.Now().UTC(),
	}

	if err := s.store.Ping(ctx); err != nil {
		report.Status = "degraded"
		report.Checks["store"] = err.Error()
		s.logger.WarnContext(ctx, "store health check failed",
			slog.String("error", err.Error()))
	} else {
		report.Checks["store"] = "ok"
	}

	return report
}
