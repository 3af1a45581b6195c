package firmware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-control/internal/models"
)

const testInterval = 2 * time.Millisecond

func newTestPoller(gw Gateway, sink Sink, tr Tracker, maxFailures int) *Poller {
	logger, _ := test.NewNullLogger()
	return NewPoller(gw, sink, tr, PollerOptions{Interval: testInterval, MaxFailures: maxFailures, Logger: logger})
}

func newOwnedPoller(gw Gateway, sink Sink, tr Tracker, owner string) *Poller {
	logger, _ := test.NewNullLogger()
	return NewPoller(gw, sink, tr, PollerOptions{Interval: testInterval, Owner: owner, Logger: logger})
}

func seed(t *testing.T, tr *memoryTracker, id models.JobID) {
	t.Helper()
	require.NoError(t, tr.CreateJob(context.Background(), id, models.BuildRequest{WakeKeyword: "hello"}))
}

func TestPollerDownloadsOnceAfterSuccess(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(1, 1, 1, 2), payload: []byte("firmware")}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")

	start := time.Now()
	state := newTestPoller(gw, sink, tr, 0).Run(context.Background(), "job-1")

	assert.Equal(t, models.StatePersisted, state)
	statusCalls, downloads := gw.counts()
	assert.Equal(t, 4, statusCalls)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, 1, sink.count("job-1"))
	assert.GreaterOrEqual(t, time.Since(start), 4*testInterval)

	rec, err := tr.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "/firmware/job-1.bin", rec.ArtifactPath)
	assert.Equal(t, 4, rec.Polls)
	require.NotNil(t, rec.UpstreamStatus)
	assert.Equal(t, models.StatusSucceeded, *rec.UpstreamStatus)
}

func TestPollerKeepsCadenceBetweenPolls(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(0, 1, 2)}
	tr := newMemoryTracker()
	seed(t, tr, "job-1")

	newTestPoller(gw, newRecordingSink(), tr, 0).Run(context.Background(), "job-1")

	require.Len(t, gw.statusTimes, 3)
	for i := 1; i < len(gw.statusTimes); i++ {
		assert.GreaterOrEqual(t, gw.statusTimes[i].Sub(gw.statusTimes[i-1]), testInterval)
	}
}

func TestPollerStopsOnFailure(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(1, 3)}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")

	state := newTestPoller(gw, sink, tr, 0).Run(context.Background(), "job-1")

	assert.Equal(t, models.StateBuildFailed, state)
	statusCalls, downloads := gw.counts()
	assert.Equal(t, 2, statusCalls)
	assert.Equal(t, 0, downloads)
	assert.Equal(t, 0, sink.count("job-1"))
	assert.Equal(t, models.StateBuildFailed, tr.state("job-1"))
}

func TestPollerGivesUpAfterConsecutiveFailures(t *testing.T) {
	outage := &TransportError{Op: "status", StatusCode: 503, Err: errBoom}
	gw := &scriptedGateway{steps: []step{{err: outage}}}
	tr := newMemoryTracker()
	seed(t, tr, "job-1")

	state := newTestPoller(gw, newRecordingSink(), tr, 3).Run(context.Background(), "job-1")

	assert.Equal(t, models.StateUnreachable, state)
	statusCalls, downloads := gw.counts()
	assert.Equal(t, 3, statusCalls)
	assert.Equal(t, 0, downloads)
	rec, _ := tr.GetJob(context.Background(), "job-1")
	require.NotNil(t, rec.LastError)
	assert.Contains(t, *rec.LastError, "3 consecutive status failures")
}

func TestPollerResetsFailureCountOnAnswer(t *testing.T) {
	outage := &TransportError{Op: "status", Err: errBoom}
	gw := &scriptedGateway{
		steps:   []step{{err: outage}, {err: outage}, {status: 1}, {err: outage}, {err: outage}, {status: 2}},
		payload: []byte("fw"),
	}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")

	state := newTestPoller(gw, sink, tr, 3).Run(context.Background(), "job-1")

	assert.Equal(t, models.StatePersisted, state)
	assert.Equal(t, 1, sink.count("job-1"))
}

func TestPollerRecordsDownloadFailure(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(2), dlErr: &TransportError{Op: "download", StatusCode: 500, Err: errBoom}}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")

	state := newTestPoller(gw, sink, tr, 0).Run(context.Background(), "job-1")

	assert.Equal(t, models.StateDownloadFailed, state)
	assert.Equal(t, 0, sink.count("job-1"))
	_, downloads := gw.counts()
	assert.Equal(t, 1, downloads)
}

func TestPollerRecordsPersistFailure(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(2), payload: []byte("fw")}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	sink.err = &PersistError{Path: "/ro/job-1.bin", Err: errBoom}
	seed(t, tr, "job-1")

	state := newTestPoller(gw, sink, tr, 0).Run(context.Background(), "job-1")

	assert.Equal(t, models.StatePersistFailed, state)
	statusCalls, downloads := gw.counts()
	assert.Equal(t, 1, statusCalls)
	assert.Equal(t, 1, downloads)
	assert.Equal(t, models.StatePersistFailed, tr.state("job-1"))
}

func TestPollerTimesOutAtDeadline(t *testing.T) {
	gw := &scriptedGateway{}
	tr := newMemoryTracker()
	seed(t, tr, "job-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	state := newTestPoller(gw, newRecordingSink(), tr, 0).Run(ctx, "job-1")

	assert.Equal(t, models.StateTimedOut, state)
	assert.Equal(t, models.StateTimedOut, tr.state("job-1"))
	_, downloads := gw.counts()
	assert.Equal(t, 0, downloads)
}

func TestPollerLeavesJobResumableOnShutdown(t *testing.T) {
	gw := &scriptedGateway{}
	tr := newMemoryTracker()
	seed(t, tr, "job-1")

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	state := newTestPoller(gw, newRecordingSink(), tr, 0).Run(ctx, "job-1")

	assert.Equal(t, models.StatePending, state)
	assert.Equal(t, models.StatePending, tr.state("job-1"))
}

func TestPollerHonoursAbortCause(t *testing.T) {
	gw := &scriptedGateway{}
	tr := newMemoryTracker()
	seed(t, tr, "job-1")

	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(10*time.Millisecond, func() { cancel(ErrAborted) })
	state := newTestPoller(gw, newRecordingSink(), tr, 0).Run(ctx, "job-1")

	assert.Equal(t, models.StateAborted, state)
	assert.Equal(t, models.StateAborted, tr.state("job-1"))
}

func TestPollerSeesAbortedRecord(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(1, 1, 2)}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")
	aborted := models.StateAborted
	require.NoError(t, tr.UpdateJob(context.Background(), "job-1", models.JobUpdate{State: &aborted}))

	state := newTestPoller(gw, sink, tr, 0).Run(context.Background(), "job-1")

	assert.Equal(t, models.StateAborted, state)
	statusCalls, _ := gw.counts()
	assert.Equal(t, 0, statusCalls)
	assert.Equal(t, 0, sink.count("job-1"))
}

func TestPollerSkipsFinishedJob(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(2), payload: []byte("fw")}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")
	persisted := models.StatePersisted
	require.NoError(t, tr.UpdateJob(context.Background(), "job-1", models.JobUpdate{State: &persisted}))

	state := newTestPoller(gw, sink, tr, 0).Run(context.Background(), "job-1")

	assert.Equal(t, models.StatePersisted, state)
	statusCalls, downloads := gw.counts()
	assert.Equal(t, 0, statusCalls)
	assert.Equal(t, 0, downloads)
	assert.Equal(t, 0, sink.count("job-1"))
}

func TestPollerLeavesLeasedJobAlone(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(2), payload: []byte("fw")}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")
	claimed, err := tr.ClaimJob(context.Background(), "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	state := newOwnedPoller(gw, sink, tr, "worker-b").Run(context.Background(), "job-1")

	assert.Equal(t, models.StatePending, state)
	statusCalls, _ := gw.counts()
	assert.Equal(t, 0, statusCalls)
	assert.Equal(t, 0, sink.count("job-1"))
	assert.Equal(t, "worker-a", tr.owner("job-1"))
}

func TestPollerTakesOverExpiredLease(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(2), payload: []byte("fw")}
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")
	_, err := tr.ClaimJob(context.Background(), "job-1", "crashed", -time.Second)
	require.NoError(t, err)

	state := newOwnedPoller(gw, sink, tr, "worker-b").Run(context.Background(), "job-1")

	assert.Equal(t, models.StatePersisted, state)
	assert.Equal(t, 1, sink.count("job-1"))
	assert.Empty(t, tr.owner("job-1"), "lease released on exit")
}

func TestPollerAbortDuringDownloadSkipsPersist(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	gw := &scriptedGateway{steps: statuses(2), payload: []byte("fw")}
	gw.onDownload = func() { cancel(ErrAborted) }
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")

	state := newTestPoller(gw, sink, tr, 0).Run(ctx, "job-1")

	assert.Equal(t, models.StateAborted, state)
	assert.Equal(t, models.StateAborted, tr.state("job-1"))
	assert.Equal(t, 0, sink.count("job-1"))
}

func TestPollerShutdownDuringDownloadStaysResumable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gw := &scriptedGateway{steps: statuses(2), payload: []byte("fw")}
	gw.onDownload = cancel
	tr := newMemoryTracker()
	sink := newRecordingSink()
	seed(t, tr, "job-1")

	state := newTestPoller(gw, sink, tr, 0).Run(ctx, "job-1")

	assert.Equal(t, models.StateDownloading, state)
	assert.Equal(t, models.StateDownloading, tr.state("job-1"))
	assert.Equal(t, 0, sink.count("job-1"))
}

func TestPollerSurvivesTrackerWithoutRecord(t *testing.T) {
	gw := &scriptedGateway{steps: statuses(2), payload: []byte("fw")}
	sink := newRecordingSink()

	state := newTestPoller(gw, sink, newMemoryTracker(), 0).Run(context.Background(), "unknown")

	assert.Equal(t, models.StatePersisted, state)
	assert.Equal(t, 1, sink.count("unknown"))
}

func TestTransportErrorMatchesGatewayUnavailable(t *testing.T) {
	err := error(&TransportError{Op: "create", StatusCode: 502, Err: errBoom})
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
	assert.True(t, errors.Is(err, errBoom))
	assert.False(t, errors.Is(&PersistError{Err: errBoom}, ErrGatewayUnavailable))
}
