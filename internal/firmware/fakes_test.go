package firmware

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"device-control/internal/models"
)

type step struct {
	status models.JobStatus
	err    error
}

func statuses(codes ...int) []step {
	out := make([]step, 0, len(codes))
	for _, c := range codes {
		out = append(out, step{status: models.JobStatus(c)})
	}
	return out
}

// scriptedGateway replays status steps in order and repeats the last one.
type scriptedGateway struct {
	mu sync.Mutex

	createID  models.JobID
	createErr error
	steps     []step
	payload   []byte
	dlErr     error

	// onDownload runs inside Download, before it returns.
	onDownload func()

	createCalls   int
	statusCalls   int
	downloadCalls int
	statusTimes   []time.Time
}

func (g *scriptedGateway) Create(_ context.Context, _ models.BuildRequest) (models.JobID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createErr != nil {
		return "", g.createErr
	}
	return g.createID, nil
}

func (g *scriptedGateway) Status(ctx context.Context, _ models.JobID) (models.JobStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return 0, &TransportError{Op: "status", Err: err}
	}
	g.statusTimes = append(g.statusTimes, time.Now())
	idx := g.statusCalls
	g.statusCalls++
	if len(g.steps) == 0 {
		return models.StatusRunning, nil
	}
	if idx >= len(g.steps) {
		idx = len(g.steps) - 1
	}
	s := g.steps[idx]
	return s.status, s.err
}

func (g *scriptedGateway) Download(_ context.Context, _ models.JobID) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.downloadCalls++
	if g.onDownload != nil {
		g.onDownload()
	}
	if g.dlErr != nil {
		return nil, g.dlErr
	}
	return g.payload, nil
}

func (g *scriptedGateway) counts() (status, download int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.statusCalls, g.downloadCalls
}

type memoryTracker struct {
	mu     sync.Mutex
	jobs   map[models.JobID]*models.JobRecord
	leases map[models.JobID]time.Time
	audits []models.AuditLog
}

func newMemoryTracker() *memoryTracker {
	return &memoryTracker{
		jobs:   make(map[models.JobID]*models.JobRecord),
		leases: make(map[models.JobID]time.Time),
	}
}

func (m *memoryTracker) CreateJob(_ context.Context, id models.JobID, req models.BuildRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.jobs[id] = &models.JobRecord{ID: id, WakeKeyword: req.WakeKeyword, State: models.StatePending, CreatedAt: now, UpdatedAt: now}
	return nil
}

func (m *memoryTracker) UpdateJob(_ context.Context, id models.JobID, upd models.JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return models.ErrJobNotFound
	}
	if upd.State != nil {
		rec.State = *upd.State
	}
	if upd.UpstreamStatus != nil {
		s := *upd.UpstreamStatus
		rec.UpstreamStatus = &s
	}
	if upd.ArtifactPath != nil {
		rec.ArtifactPath = *upd.ArtifactPath
	}
	if upd.LastError != nil {
		e := *upd.LastError
		rec.LastError = &e
	}
	if upd.CountPoll {
		rec.Polls++
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (m *memoryTracker) GetJob(_ context.Context, id models.JobID) (models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return models.JobRecord{}, models.ErrJobNotFound
	}
	return *rec, nil
}

func (m *memoryTracker) ListActiveJobs(_ context.Context) ([]models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobRecord
	now := time.Now()
	for _, rec := range m.jobs {
		if rec.State.Terminal() {
			continue
		}
		if rec.Owner != "" && now.Before(m.leases[rec.ID]) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryTracker) AppendAudit(_ context.Context, id models.JobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, models.AuditLog{JobID: id, Event: event, Detail: detail, Recorded: time.Now()})
	return nil
}

func (m *memoryTracker) ListAudit(_ context.Context, id models.JobID) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, a := range m.audits {
		if a.JobID == id {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memoryTracker) ClaimJob(_ context.Context, id models.JobID, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.jobs[id]
	if !ok {
		return false, models.ErrJobNotFound
	}
	now := time.Now()
	if rec.Owner != "" && rec.Owner != owner && now.Before(m.leases[id]) {
		return false, nil
	}
	rec.Owner = owner
	m.leases[id] = now.Add(ttl)
	return true, nil
}

func (m *memoryTracker) ReleaseJob(_ context.Context, id models.JobID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.jobs[id]; ok && rec.Owner == owner {
		rec.Owner = ""
		delete(m.leases, id)
	}
	return nil
}

func (m *memoryTracker) owner(id models.JobID) string {
	rec, err := m.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return rec.Owner
}

func (m *memoryTracker) state(id models.JobID) models.JobState {
	rec, err := m.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return rec.State
}

type recordingSink struct {
	mu     sync.Mutex
	writes map[models.JobID][][]byte
	err    error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{writes: make(map[models.JobID][][]byte)}
}

func (s *recordingSink) Persist(_ context.Context, id models.JobID, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.writes[id] = append(s.writes[id], data)
	return "/firmware/" + ArtifactName(id), nil
}

func (s *recordingSink) count(id models.JobID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes[id])
}

// countingScheduler records scheduled ids without running anything.
type countingScheduler struct {
	mu        sync.Mutex
	scheduled []models.JobID
	aborted   []models.JobID
	err       error
}

func (c *countingScheduler) Schedule(_ context.Context, id models.JobID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	for _, s := range c.scheduled {
		if s == id {
			return ErrAlreadyScheduled
		}
	}
	c.scheduled = append(c.scheduled, id)
	return nil
}

func (c *countingScheduler) Abort(id models.JobID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborted = append(c.aborted, id)
	return true
}

var errBoom = errors.New("boom")
