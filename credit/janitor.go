package credit

import (
	"context"
	"log/slog"
	"time"
)

// Janitor recovers reservations left behind by a crashed process. A live
// request always settles or releases its own reservation; anything still held
// past the grace period has no owner and is dropped back into balance.
type Janitor struct {
	store    *Store
	grace    time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewJanitor builds a janitor over store. grace is how long a reservation may
// sit untouched before recovery; the sweep runs at half the grace period.
func NewJanitor(store *Store, grace time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return &Janitor{
		store:    store,
		grace:    grace,
		interval: grace / 2,
		logger:   logger,
	}
}

// Run sweeps until the context ends.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep recovers every orphaned reservation older than the grace period.
func (j *Janitor) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-j.grace)
	orphans, err := j.store.OrphanedReservations(ctx, cutoff)
	if err != nil {
		j.logger.Error("orphan scan failed", slog.String("error", err.Error()))
		return
	}
	for _, cred := range orphans {
		if err := j.store.RecoverReservation(ctx, cred.Fingerprint, cred.ReservedMsat); err != nil {
			j.logger.Error("reservation recovery failed",
				slog.String("fingerprint", cred.Fingerprint[:min(12, len(cred.Fingerprint))]),
				slog.String("error", err.Error()))
			continue
		}
		j.logger.Warn("recovered orphaned reservation",
			slog.String("fingerprint", cred.Fingerprint[:min(12, len(cred.Fingerprint))]),
			slog.Int64("reserved_msat", cred.ReservedMsat))
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
