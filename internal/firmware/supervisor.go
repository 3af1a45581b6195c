package firmware

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"device-control/internal/models"
	"device-control/internal/telemetry"
)

// Scheduler starts background polling for a job without blocking the caller.
type Scheduler interface {
	Schedule(ctx context.Context, id models.JobID) error
}

// Aborter is implemented by schedulers that can stop a running poller.
type Aborter interface {
	Abort(id models.JobID) bool
}

type jobRunner interface {
	Run(ctx context.Context, id models.JobID) models.JobState
}

// Supervisor runs one poller goroutine per job id, each bounded by a
// deadline and cancellable through Abort.
type Supervisor struct {
	base    context.Context
	runner  jobRunner
	timeout time.Duration
	log     logrus.FieldLogger

	mu      sync.Mutex
	running map[models.JobID]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// NewSupervisor ties poller lifetimes to base; cancelling base stops every
// poller without marking its job terminal. A zero timeout means no deadline.
func NewSupervisor(base context.Context, runner jobRunner, timeout time.Duration, log logrus.FieldLogger) *Supervisor {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Supervisor{
		base:    base,
		runner:  runner,
		timeout: timeout,
		log:     log,
		running: make(map[models.JobID]context.CancelCauseFunc),
	}
}

// Schedule starts a poller for id. The request context is not used: the
// poller outlives the request that triggered it.
func (s *Supervisor) Schedule(_ context.Context, id models.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.base.Err(); err != nil {
		return err
	}
	if _, ok := s.running[id]; ok {
		return ErrAlreadyScheduled
	}

	ctx, cancel := context.WithCancelCause(s.base)
	s.running[id] = cancel

	s.wg.Add(1)
	telemetry.ActivePollers.Inc()
	go s.run(ctx, cancel, id)
	return nil
}

func (s *Supervisor) run(ctx context.Context, cancel context.CancelCauseFunc, id models.JobID) {
	defer s.wg.Done()
	defer telemetry.ActivePollers.Dec()
	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
		cancel(nil)
	}()

	if s.timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, s.timeout)
		defer stop()
	}
	state := s.runner.Run(ctx, id)
	s.log.WithFields(logrus.Fields{"job_id": id, "state": state}).Info("poller exited")
}

// Abort cancels the poller for id, if one is running here.
func (s *Supervisor) Abort(id models.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.running[id]
	if ok {
		cancel(ErrAborted)
	}
	return ok
}

// Running reports whether a poller for id is active.
func (s *Supervisor) Running(id models.JobID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// Wait blocks until every poller has exited.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
