package firmware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"device-control/internal/models"
	"device-control/internal/telemetry"
)

// Tracker keeps the local record of each build.
type Tracker interface {
	CreateJob(ctx context.Context, id models.JobID, req models.BuildRequest) error
	UpdateJob(ctx context.Context, id models.JobID, upd models.JobUpdate) error
	GetJob(ctx context.Context, id models.JobID) (models.JobRecord, error)
	ListActiveJobs(ctx context.Context) ([]models.JobRecord, error)
	AppendAudit(ctx context.Context, id models.JobID, event, detail string) error
	ListAudit(ctx context.Context, id models.JobID) ([]models.AuditLog, error)
	// ClaimJob takes or renews owner's lease on id and reports false while
	// another owner's lease is still valid.
	ClaimJob(ctx context.Context, id models.JobID, owner string, ttl time.Duration) (bool, error)
	ReleaseJob(ctx context.Context, id models.JobID, owner string) error
}

// PollerOptions configures the poll loop.
type PollerOptions struct {
	Interval time.Duration
	// MaxFailures ends the job as unreachable after this many consecutive
	// failed status calls. Zero retries forever.
	MaxFailures int
	// Owner names this poller in job leases. It must be unique per process;
	// a random one is generated when empty.
	Owner string
	// LeaseTTL is how long a claim on a job stays valid without renewal.
	// It is raised to at least three poll intervals.
	LeaseTTL time.Duration
	Logger   logrus.FieldLogger
}

// Poller drives one build from its first status query to a terminal state.
type Poller struct {
	gateway     Gateway
	sink        Sink
	tracker     Tracker
	interval    time.Duration
	maxFailures int
	owner       string
	leaseTTL    time.Duration
	log         logrus.FieldLogger
}

func NewPoller(gw Gateway, sink Sink, tracker Tracker, opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	owner := opts.Owner
	if owner == "" {
		owner = uuid.NewString()
	}
	ttl := opts.LeaseTTL
	if ttl == 0 {
		ttl = 2 * time.Minute
	}
	if ttl < 3*interval {
		ttl = 3 * interval
	}
	return &Poller{
		gateway:     gw,
		sink:        sink,
		tracker:     tracker,
		interval:    interval,
		maxFailures: opts.MaxFailures,
		owner:       owner,
		leaseTTL:    ttl,
		log:         log.WithField("owner", owner),
	}
}

// Run polls until the build reaches a terminal state, the context deadline
// passes or the build is aborted, and returns the resulting local state.
// Polls are issued one at a time with Interval between them. If ctx is
// cancelled for any other reason the record is left untouched so the job
// can be resumed.
//
// A job whose record is already terminal is not polled again, and a job
// leased by another poller is left to it.
func (p *Poller) Run(ctx context.Context, id models.JobID) models.JobState {
	log := p.log.WithField("job_id", id)
	failures := 0

	current := models.StatePending
	if rec, err := p.tracker.GetJob(ctx, id); err == nil {
		if rec.State.Terminal() {
			log.WithField("state", rec.State).Info("firmware job already finished")
			return rec.State
		}
		current = rec.State
	}
	if !p.claim(ctx, id, log) {
		log.Info("firmware job is polled by another worker")
		return current
	}
	defer p.release(ctx, id, log)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return p.interrupted(ctx, id, models.StatePending, log)
		case <-timer.C:
		}

		if !p.claim(ctx, id, log) {
			log.Warn("lost firmware job lease")
			return current
		}
		if p.abortRequested(ctx, id) {
			log.Info("firmware build aborted")
			telemetry.JobsFinished.WithLabelValues(string(models.StateAborted)).Inc()
			return models.StateAborted
		}

		status, err := p.gateway.Status(ctx, id)
		telemetry.StatusPolls.Inc()
		if err != nil {
			if ctx.Err() != nil {
				return p.interrupted(ctx, id, models.StatePending, log)
			}
			failures++
			log.WithError(err).WithField("failures", failures).Warn("poll firmware status")
			msg := err.Error()
			p.update(ctx, id, models.JobUpdate{LastError: &msg, CountPoll: true}, log)
			if p.maxFailures > 0 && failures >= p.maxFailures {
				return p.finish(ctx, id, models.StateUnreachable, fmt.Sprintf("%d consecutive status failures: %v", failures, err), "", log)
			}
			timer.Reset(p.interval)
			continue
		}

		failures = 0
		p.update(ctx, id, models.JobUpdate{UpstreamStatus: &status, CountPoll: true}, log)
		if status.Terminal() {
			if status.Failed() {
				log.Error("firmware build failed")
				return p.finish(ctx, id, models.StateBuildFailed, "gateway reported build failure", "", log)
			}
			log.Info("firmware build succeeded")
			return p.deliver(ctx, id, log)
		}
		log.WithField("status", int(status)).Debug("firmware build in progress")
		timer.Reset(p.interval)
	}
}

// deliver downloads and stores the artifact of a succeeded build.
func (p *Poller) deliver(ctx context.Context, id models.JobID, log logrus.FieldLogger) models.JobState {
	downloading := models.StateDownloading
	p.update(ctx, id, models.JobUpdate{State: &downloading}, log)

	data, err := p.gateway.Download(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(ctx, id, models.StateDownloading, log)
		}
		log.WithError(err).Error("download firmware")
		return p.finish(ctx, id, models.StateDownloadFailed, err.Error(), "", log)
	}

	if ctx.Err() != nil {
		return p.interrupted(ctx, id, models.StateDownloading, log)
	}

	artifact := models.FirmwareArtifact{JobID: id, Data: data}
	path, err := p.sink.Persist(ctx, artifact.JobID, artifact.Data)
	if err != nil {
		if ctx.Err() != nil {
			return p.interrupted(ctx, id, models.StateDownloading, log)
		}
		log.WithError(err).Error("persist firmware")
		return p.finish(ctx, id, models.StatePersistFailed, err.Error(), "", log)
	}
	log.WithFields(logrus.Fields{"path": path, "bytes": len(data)}).Info("firmware saved")
	return p.finish(ctx, id, models.StatePersisted, "", path, log)
}

// interrupted classifies a done context: abort and deadline are terminal,
// anything else (process shutdown) leaves the job resumable in state.
func (p *Poller) interrupted(ctx context.Context, id models.JobID, state models.JobState, log logrus.FieldLogger) models.JobState {
	switch {
	case errors.Is(context.Cause(ctx), ErrAborted):
		log.Info("firmware build aborted")
		return p.finish(ctx, id, models.StateAborted, ErrAborted.Error(), "", log)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		log.Error("firmware build timed out")
		return p.finish(ctx, id, models.StateTimedOut, "no terminal status before deadline", "", log)
	}
	log.Info("poller stopped before completion")
	return state
}

// claim takes or renews the job lease. A job without a record has nothing
// to coordinate on, and tracker failures never stop the poll loop.
func (p *Poller) claim(ctx context.Context, id models.JobID, log logrus.FieldLogger) bool {
	ok, err := p.tracker.ClaimJob(ctx, id, p.owner, p.leaseTTL)
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		return true
	case err != nil:
		log.WithError(err).Warn("renew firmware job lease")
		return true
	}
	return ok
}

func (p *Poller) release(ctx context.Context, id models.JobID, log logrus.FieldLogger) {
	wctx, cancel := detachedContext(ctx)
	defer cancel()
	if err := p.tracker.ReleaseJob(wctx, id, p.owner); err != nil {
		log.WithError(err).Warn("release firmware job lease")
	}
}

func (p *Poller) abortRequested(ctx context.Context, id models.JobID) bool {
	rec, err := p.tracker.GetJob(ctx, id)
	return err == nil && rec.State == models.StateAborted
}

func (p *Poller) finish(ctx context.Context, id models.JobID, state models.JobState, errMsg, path string, log logrus.FieldLogger) models.JobState {
	upd := models.JobUpdate{State: &state}
	if errMsg != "" {
		upd.LastError = &errMsg
	}
	if path != "" {
		upd.ArtifactPath = &path
	}
	p.update(ctx, id, upd, log)

	detail := errMsg
	if path != "" {
		detail = path
	}
	wctx, cancel := detachedContext(ctx)
	defer cancel()
	if err := p.tracker.AppendAudit(wctx, id, string(state), detail); err != nil {
		log.WithError(err).Warn("append audit")
	}
	telemetry.JobsFinished.WithLabelValues(string(state)).Inc()
	return state
}

// update records progress. Tracker failures never stop the poll loop.
func (p *Poller) update(ctx context.Context, id models.JobID, upd models.JobUpdate, log logrus.FieldLogger) {
	wctx, cancel := detachedContext(ctx)
	defer cancel()
	if err := p.tracker.UpdateJob(wctx, id, upd); err != nil {
		log.WithError(err).Warn("update firmware job record")
	}
}

// detachedContext outlives ctx so that terminal writes still happen after
// a deadline or abort.
func detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}
