package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"device-control/internal/firmware"
	"device-control/internal/models"
	"device-control/internal/telemetry"
)

// Source yields job ids waiting for a poller.
type Source interface {
	Dequeue(ctx context.Context) (models.JobID, error)
	Depth(ctx context.Context) (int64, error)
}

// Dispatcher drives the worker loop: it takes ids off the dispatch queue and
// starts a local poller for each.
type Dispatcher struct {
	source    Source
	scheduler firmware.Scheduler
	interval  time.Duration
	log       logrus.FieldLogger
}

func NewDispatcher(src Source, sched firmware.Scheduler, interval time.Duration, log logrus.FieldLogger) *Dispatcher {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Dispatcher{source: src, scheduler: sched, interval: interval, log: log}
}

const maxDequeueBackoff = 30 * time.Second

// Run starts the main worker loop until context cancellation. Consecutive
// dequeue failures back off exponentially from the poll interval.
func (d *Dispatcher) Run(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if depth, err := d.source.Depth(ctx); err == nil {
			telemetry.DispatchQueueDepth.Set(float64(depth))
		}

		id, err := d.source.Dequeue(ctx)
		if err != nil {
			failures++
			if ctx.Err() == nil {
				d.log.WithError(err).WithField("attempt", failures).Warn("dequeue firmware job")
			}
			if !sleep(ctx, backoffWithJitter(d.interval, maxDequeueBackoff, failures)) {
				return ctx.Err()
			}
			continue
		}
		failures = 0
		if id == "" {
			if !sleep(ctx, d.interval) {
				return ctx.Err()
			}
			continue
		}

		err = d.scheduler.Schedule(ctx, id)
		switch {
		case errors.Is(err, firmware.ErrAlreadyScheduled):
			d.log.WithField("job_id", id).Debug("poller already running")
		case err != nil:
			d.log.WithError(err).WithField("job_id", id).Error("start firmware poller")
		default:
			d.log.WithField("job_id", id).Info("firmware poller started")
		}
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(max) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
