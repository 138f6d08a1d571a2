package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"vapulse/internal/store"
)

// HealthStatus is the payload of the health endpoints.
type HealthStatus struct {
	Status    string    `json:"status"`
	Storage   string    `json:"storage"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthService answers liveness and readiness checks.
type HealthService struct {
	store  store.Store
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewHealthService creates a health service over the given store.
func NewHealthService(s store.Store, clock clockwork.Clock, logger *slog.Logger) *HealthService {
	return &HealthService{
		store:  s,
		clock:  clock,
		logger: logger.With(slog.String("component", "health_service")),
	}
}

// Check pings the store; the service is healthy only when storage answers.
func (hs *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "healthy",
		Storage:   "up",
		Timestamp: hs.clock.Now().UTC(),
	}
	if err := hs.store.Ping(ctx); err != nil {
		hs.logger.WarnContext(ctx, "storage ping failed", slog.String("error", err.Error()))
		status.Status = "unhealthy"
		status.Storage = "down"
	}
	return status
}

// Live reports process liveness without touching storage.
func (hs *HealthService) Live() HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Storage:   "unknown",
		Timestamp: hs.clock.Now().UTC(),
	}
}
