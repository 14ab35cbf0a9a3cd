package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/coachpo/execgate/internal/app/registry"
)

// Janitor evicts terminal records from memory once they age past MaxAge.
type Janitor struct {
	registry *registry.Registry
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger
}

// NewJanitor constructs a retention janitor.
func NewJanitor(reg *registry.Registry, interval, maxAge time.Duration, logger *slog.Logger) *Janitor {
	if interval <= 0 {
		interval = time.Minute
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{registry: reg, interval: interval, maxAge: maxAge, logger: logger}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := j.Sweep(); n > 0 {
				j.logger.Debug("retention sweep", slog.Int("removed", n))
			}
		}
	}
}

// Sweep removes expired terminal records once.
func (j *Janitor) Sweep() int {
	return j.registry.CleanupOldOrders(j.maxAge)
}
