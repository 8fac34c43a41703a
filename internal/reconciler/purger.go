package reconciler

import (
	"context"
	"log"
	"time"

	"github.com/carpentries/mailsched/internal/cron"
)

// PurgeStore deletes terminal tasks past retention.
type PurgeStore interface {
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)
}

// PurgeMetricsSink records purge metrics.
type PurgeMetricsSink interface {
	TasksPurged(count int64)
}

// Purger deletes succeeded and cancelled tasks older than the retention
// window, on a cron schedule. Scheduled and failed tasks are never
// purged; they stay until a user resolves them.
type Purger struct {
	store     PurgeStore
	schedule  cron.Schedule
	retention time.Duration
	metrics   PurgeMetricsSink // optional, nil = disabled
	clock     func() time.Time
}

func NewPurger(st PurgeStore, schedule cron.Schedule, retention time.Duration) *Purger {
	return &Purger{
		store:     st,
		schedule:  schedule,
		retention: retention,
		clock:     time.Now,
	}
}

// WithMetrics attaches a metrics sink.
func (p *Purger) WithMetrics(sink PurgeMetricsSink) *Purger {
	p.metrics = sink
	return p
}

// WithClock replaces the wall clock, for tests.
func (p *Purger) WithClock(clock func() time.Time) *Purger {
	p.clock = clock
	return p
}

// Run sleeps until the next scheduled purge, runs it, and repeats until
// ctx is cancelled.
func (p *Purger) Run(ctx context.Context) {
	log.Printf("purger: started (retention=%s)", p.retention)

	for {
		now := p.clock()
		next := p.schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))

		select {
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			log.Println("purger: stopped")
			return
		case <-timer.C:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce executes one purge cycle.
func (p *Purger) RunOnce(ctx context.Context) {
	threshold := p.clock().UTC().Add(-p.retention)

	purged, err := p.store.PurgeTerminal(ctx, threshold)
	if err != nil {
		log.Printf("purger: purge failed: %v", err)
		return
	}

	if p.metrics != nil {
		p.metrics.TasksPurged(purged)
	}
	if purged > 0 {
		log.Printf("purger: deleted %d terminal tasks older than %s", purged, threshold.Format(time.RFC3339))
	}
}
