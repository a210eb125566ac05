package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"livecast/internal/platform/metrics"
)

// ReaperConfig carries the sweep policy. Zero values fall back to defaults in
// NewReaper.
type ReaperConfig struct {
	Interval    time.Duration // keep-alive sweep period
	IdleTimeout time.Duration // staleness threshold before forced teardown
	OrphanSweep time.Duration // coarser orphaned-process reconciliation period
}

// Reaper periodically tears down sessions whose keep-alive has gone stale and
// publishes status snapshots to sessions that still have viewers. A second,
// coarser sweep reconciles transcoder processes whose session entry is gone.
type Reaper struct {
	registry Registry
	sup      *Supervisor
	hub      Broadcaster
	cfg      ReaperConfig
	log      *slog.Logger
	metrics  *metrics.Metrics
}

// NewReaper returns a Reaper over the given registry, supervisor, and hub.
// m may be nil to disable metric recording.
func NewReaper(reg Registry, sup *Supervisor, hub Broadcaster, cfg ReaperConfig, log *slog.Logger, m *metrics.Metrics) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.OrphanSweep <= 0 {
		cfg.OrphanSweep = time.Minute
	}
	return &Reaper{
		registry: reg,
		sup:      sup,
		hub:      hub,
		cfg:      cfg,
		log:      log,
		metrics:  m,
	}
}

// Run blocks, sweeping on the configured periods, until ctx is cancelled.
func (rp *Reaper) Run(ctx context.Context) {
	sweep := time.NewTicker(rp.cfg.Interval)
	defer sweep.Stop()
	orphans := time.NewTicker(rp.cfg.OrphanSweep)
	defer orphans.Stop()

	rp.log.Info("reaper running",
		slog.Duration("interval", rp.cfg.Interval),
		slog.Duration("idle_timeout", rp.cfg.IdleTimeout))

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			rp.sweep()
		case <-orphans.C:
			rp.sweepOrphans()
		}
	}
}

// sweep evaluates every session: stale keep-alive means forced teardown, idle
// timeout taking precedence over connected viewers; otherwise sessions with
// viewers get a status snapshot.
func (rp *Reaper) sweep() {
	now := time.Now().UTC()
	for _, sess := range rp.registry.List() {
		viewers := rp.hub.ViewerCount(sess.ID)

		if now.Sub(sess.KeepAlive) > rp.cfg.IdleTimeout {
			rp.log.Info("reaping idle session",
				slog.String("stream_id", string(sess.ID)),
				slog.Duration("idle", now.Sub(sess.KeepAlive)),
				slog.Int("viewers", viewers))
			rp.sup.Stop(sess.ID)
			if rp.metrics != nil {
				rp.metrics.IncSessionsReaped()
			}
			continue
		}

		if viewers > 0 {
			rp.hub.Publish(sess.ID, StatusEvent{
				Success: true,
				Type:    TypeInfo,
				Stream:  sess.ID,
				State:   sess.State,
				Viewers: viewers,
			})
		}
	}
}

// sweepOrphans force-stops any transcoder whose session no longer exists.
// Every teardown path removes both together, so a hit here means something
// went wrong and is worth a warning.
func (rp *Reaper) sweepOrphans() {
	for _, id := range rp.sup.Running() {
		if _, ok := rp.registry.Get(id); !ok {
			rp.log.Warn("stopping orphaned transcoder", slog.String("stream_id", string(id)))
			rp.sup.Stop(id)
		}
	}
}
