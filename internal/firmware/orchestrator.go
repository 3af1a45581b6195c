package firmware

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"device-control/internal/models"
	"device-control/internal/telemetry"
)

// Orchestrator is the entry point of the firmware build workflow.
type Orchestrator struct {
	gateway   Gateway
	scheduler Scheduler
	tracker   Tracker
	log       logrus.FieldLogger
}

func NewOrchestrator(gw Gateway, sched Scheduler, tracker Tracker, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{gateway: gw, scheduler: sched, tracker: tracker, log: log}
}

// Trigger starts a remote build and schedules its poller. It returns as soon
// as the gateway has issued a job id. When the create call fails no id is
// returned and nothing is scheduled.
func (o *Orchestrator) Trigger(ctx context.Context, req models.BuildRequest) (models.JobID, error) {
	id, err := o.gateway.Create(ctx, req)
	if err != nil {
		o.log.WithError(err).Error("create firmware build")
		return "", fmt.Errorf("trigger firmware build: %w", err)
	}
	telemetry.BuildsTriggered.Inc()
	log := o.log.WithField("job_id", id)

	if err := o.tracker.CreateJob(ctx, id, req); err != nil {
		log.WithError(err).Warn("record firmware job")
	} else if err := o.tracker.AppendAudit(ctx, id, "triggered", "wake_keyword="+req.WakeKeyword); err != nil {
		log.WithError(err).Warn("append audit")
	}

	// A job that could not be scheduled stays pending and is picked up by Resume.
	if err := o.scheduler.Schedule(ctx, id); err != nil {
		log.WithError(err).Error("schedule firmware poller")
		return id, nil
	}
	log.Info("firmware build triggered")
	return id, nil
}

// QueryStatus asks the gateway for the job's current status. It does not
// consult the background poller.
func (o *Orchestrator) QueryStatus(ctx context.Context, id models.JobID) (models.JobStatus, error) {
	status, err := o.gateway.Status(ctx, id)
	if err != nil {
		return 0, fmt.Errorf("query firmware status: %w", err)
	}
	return status, nil
}

// JobView merges the local record with a fresh upstream status and the
// job's audit trail.
type JobView struct {
	Job           models.JobRecord  `json:"job"`
	Upstream      *models.JobStatus `json:"upstream"`
	UpstreamError string            `json:"upstreamError,omitempty"`
	Audit         []models.AuditLog `json:"audit,omitempty"`
}

// Describe returns the local record of id together with the gateway's
// current status. A gateway failure is reported inside the view.
func (o *Orchestrator) Describe(ctx context.Context, id models.JobID) (JobView, error) {
	rec, err := o.tracker.GetJob(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	view := JobView{Job: rec}
	if view.Audit, err = o.tracker.ListAudit(ctx, id); err != nil {
		o.log.WithError(err).WithField("job_id", id).Warn("list audit")
	}
	status, err := o.gateway.Status(ctx, id)
	if err != nil {
		view.UpstreamError = err.Error()
		return view, nil
	}
	view.Upstream = &status
	return view, nil
}

// Abort stops a build that is still waiting on the gateway.
func (o *Orchestrator) Abort(ctx context.Context, id models.JobID) error {
	rec, err := o.tracker.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if rec.State != models.StatePending {
		return fmt.Errorf("abort %s in state %s: %w", id, rec.State, ErrNotAbortable)
	}

	aborted := models.StateAborted
	reason := "aborted by request"
	if err := o.tracker.UpdateJob(ctx, id, models.JobUpdate{State: &aborted, LastError: &reason}); err != nil {
		return fmt.Errorf("mark job aborted: %w", err)
	}
	if err := o.tracker.AppendAudit(ctx, id, "abort_requested", reason); err != nil {
		o.log.WithError(err).WithField("job_id", id).Warn("append audit")
	}
	if a, ok := o.scheduler.(Aborter); ok {
		a.Abort(id)
	}
	return nil
}

// Resume schedules pollers for every job left unfinished by an earlier run.
// Jobs another worker holds a live lease on are not returned by the tracker,
// and the poller's own claim settles any race with a concurrent worker.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	recs, err := o.tracker.ListActiveJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active jobs: %w", err)
	}
	n := 0
	for _, rec := range recs {
		err := o.scheduler.Schedule(ctx, rec.ID)
		if errors.Is(err, ErrAlreadyScheduled) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("resume %s: %w", rec.ID, err)
		}
		n++
	}
	return n, nil
}
