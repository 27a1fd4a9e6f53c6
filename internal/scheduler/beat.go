// Package scheduler implements the beat process: a single clock loop that
// enqueues periodic jobs into the broker on their schedule boundaries. It
// never executes tasks itself.
//
// Deployment invariant: run exactly one beat instance. Two concurrent
// instances double-fire every periodic job; the broker does not deduplicate.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"taskrelay/internal/broker"
	"taskrelay/internal/domain"
)

type entry struct {
	job      domain.PeriodicJob
	schedule cron.Schedule
}

// Beat drives a static set of periodic jobs. The job set is fixed at
// construction; only LastFired advances, and only from the beat loop.
type Beat struct {
	broker  broker.Broker
	entries []*entry
	tick    time.Duration
	stop    chan struct{}
}

// New parses every job's schedule spec (standard cron or "@every <dur>").
// Jobs with a zero LastFired start counting from now: the first firing is
// the first boundary after construction.
func New(b broker.Broker, tick time.Duration, jobs []domain.PeriodicJob) (*Beat, error) {
	if tick <= 0 {
		tick = time.Second
	}
	now := time.Now()
	entries := make([]*entry, 0, len(jobs))
	for _, job := range jobs {
		schedule, err := cron.ParseStandard(job.Spec)
		if err != nil {
			return nil, fmt.Errorf("periodic job %q: invalid schedule %q: %w", job.Name, job.Spec, err)
		}
		if job.LastFired.IsZero() {
			job.LastFired = now
		}
		entries = append(entries, &entry{job: job, schedule: schedule})
	}
	return &Beat{broker: b, entries: entries, tick: tick, stop: make(chan struct{})}, nil
}

// Run loops until ctx is canceled or Stop is called.
func (b *Beat) Run(ctx context.Context) {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	log.Info().
		Dur("tick", b.tick).
		Int("jobs", len(b.entries)).
		Msg("beat starting")

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.Tick(ctx, now)
		}
	}
}

// Stop terminates the beat loop.
func (b *Beat) Stop() {
	close(b.stop)
}

// Tick fires every job boundary that has elapsed since the job last fired.
// LastFired advances boundary by boundary, never to wall-clock now, so a
// paused beat catches up deterministically: a pause of 3 intervals yields
// exactly 3 firings on resume. Enqueue failures leave LastFired in place and
// are retried on the next tick.
func (b *Beat) Tick(ctx context.Context, now time.Time) {
	for _, e := range b.entries {
		for {
			next := e.schedule.Next(e.job.LastFired)
			if next.After(now) {
				break
			}
			id, err := b.broker.Enqueue(ctx, e.job.TaskName, "", e.job.Payload, 0)
			if err != nil {
				log.Error().Err(err).
					Str("job", e.job.Name).
					Str("task", e.job.TaskName).
					Msg("failed to enqueue periodic job, will retry next tick")
				break
			}
			e.job.LastFired = next
			log.Info().
				Str("job", e.job.Name).
				Str("task", e.job.TaskName).
				Str("invocation_id", id).
				Time("boundary", next).
				Msg("periodic job fired")
		}
	}
}
