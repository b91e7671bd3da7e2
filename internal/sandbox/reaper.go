package sandbox

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper walks the registry on a fixed cadence, tears down sandboxes idle
// past the inactivity threshold, prunes expired published files and drops
// rows whose containers vanished out-of-band. It never surfaces errors;
// failures are logged and retried next tick.
type Reaper struct {
	coord    *Coordinator
	interval time.Duration
	idle     time.Duration
}

// NewReaper wires a Reaper onto coord.
func NewReaper(coord *Coordinator, interval, idle time.Duration) *Reaper {
	return &Reaper{coord: coord, interval: interval, idle: idle}
}

// Run ticks until ctx is canceled. Blocking; start it in its own goroutine.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", r.interval).Dur("inactivity_threshold", r.idle).Msg("Reaper started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Reaper stopped")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick performs one reaper pass.
func (r *Reaper) Tick(ctx context.Context) {
	now := time.Now().UTC()

	rows, err := r.coord.store.ListSandboxes()
	if err != nil {
		log.Error().Err(err).Msg("Reaper could not snapshot registry")
		return
	}

	for _, sb := range rows {
		switch {
		case now.Sub(sb.LastUsedAt) > r.idle:
			log.Info().Str("sandbox_id", sb.ID).Time("last_used_at", sb.LastUsedAt).Msg("Reaping idle sandbox")
			r.reap(ctx, sb.ID)
		default:
			// Registry rows must point at addressable containers; collect
			// the ones the runtime lost out-of-band.
			exists, err := r.coord.drv.Exists(ctx, sb.ContainerID)
			if err != nil {
				log.Warn().Err(err).Str("sandbox_id", sb.ID).Msg("Reaper could not inspect container")
				continue
			}
			if !exists {
				log.Warn().Str("sandbox_id", sb.ID).Msg("Reaping sandbox whose container vanished")
				r.reap(ctx, sb.ID)
			}
		}
	}

	r.coord.pub.Prune(now)
}

// reap tears one sandbox down under its lock. An already-deleted row or an
// already-gone container both count as success.
func (r *Reaper) reap(ctx context.Context, sandboxID string) {
	release := r.coord.locks.acquire(sandboxID)
	defer release()

	sb, err := r.coord.store.GetSandbox(sandboxID)
	if err != nil {
		return
	}
	if err := r.coord.teardownLocked(ctx, sb); err != nil {
		log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("Reap failed, will retry next tick")
	}
}
