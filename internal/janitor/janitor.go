// Package janitor deletes artifacts past the retention window on a fixed
// interval. It shares no lock with request handling: a transform racing a
// sweep sees its source vanish and reports it as missing.
package janitor

import (
	"context"
	"iter"
	"time"

	"github.com/rs/zerolog/log"

	"imageforge/internal/events"
	"imageforge/internal/metrics"
)

type Store interface {
	ListOlderThan(age time.Duration) iter.Seq[string]
	Delete(id string) error
}

const defaultPublishTimeout = 2 * time.Second

type Options struct {
	Retention time.Duration
	Interval  time.Duration
	// PublishTimeout bounds each swept event so an unreachable broker
	// cannot stretch a sweep past its interval.
	PublishTimeout time.Duration
	Metrics        metrics.Metrics
	Events         events.Publisher
}

type Janitor struct {
	store     Store
	retention      time.Duration
	interval       time.Duration
	publishTimeout time.Duration
	metrics        metrics.Metrics
	events         events.Publisher
}

func New(store Store, opts Options) *Janitor {
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Events == nil {
		opts.Events = events.Noop{}
	}
	return &Janitor{
		store:          store,
		retention:      opts.Retention,
		interval:       opts.Interval,
		publishTimeout: opts.PublishTimeout,
		metrics:        opts.Metrics,
		events:         opts.Events,
	}
}

// Run sweeps once immediately, then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	log.Info().Dur("retention", j.retention).Dur("interval", j.interval).Msg("janitor started")
	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep deletes every artifact older than the retention window and returns
// how many were removed. Failures are logged and skipped.
func (j *Janitor) Sweep(ctx context.Context) int {
	deleted := 0
	for id := range j.store.ListOlderThan(j.retention) {
		if ctx.Err() != nil {
			break
		}
		if err := j.store.Delete(id); err != nil {
			log.Warn().Err(err).Str("artifact_id", id).Msg("janitor delete failed")
			continue
		}
		deleted++
		j.publishSwept(ctx, id)
	}
	j.metrics.AddSwept(deleted)
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Msg("janitor sweep")
	}
	return deleted
}

func (j *Janitor) publishSwept(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(ctx, j.publishTimeout)
	defer cancel()
	if err := j.events.Publish(ctx, events.Event{Type: events.ArtifactSwept, ArtifactID: id}); err != nil {
		log.Warn().Err(err).Str("artifact_id", id).Msg("publish sweep event")
	}
}
