package models

import (
	"errors"
	"time"
)

// ErrJobNotFound is returned when no local record exists for a job id.
var ErrJobNotFound = errors.New("firmware job not found")

// JobID is the opaque build identifier issued by the remote build gateway.
type JobID string

// BuildRequest is the wake-word configuration submitted for a firmware build.
type BuildRequest struct {
	WakeKeyword string `json:"wakeKeyword"`
}

// JobStatus is the gateway's integer-coded build state.
type JobStatus int

const (
	StatusPending   JobStatus = 0
	StatusRunning   JobStatus = 1
	StatusSucceeded JobStatus = 2
	StatusFailed    JobStatus = 3
)

func (s JobStatus) Succeeded() bool { return s == StatusSucceeded }
func (s JobStatus) Failed() bool    { return s == StatusFailed }

// Terminal reports whether no further polling is needed. Every value other
// than Succeeded and Failed counts as in progress.
func (s JobStatus) Terminal() bool { return s.Succeeded() || s.Failed() }

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "in_progress"
	}
}

// JobState is the local lifecycle of a build, tracked separately from the
// upstream JobStatus so that download and persist failures stay visible.
type JobState string

const (
	StatePending        JobState = "pending"
	StateDownloading    JobState = "downloading"
	StatePersisted      JobState = "persisted"
	StateBuildFailed    JobState = "build_failed"
	StateDownloadFailed JobState = "download_failed"
	StatePersistFailed  JobState = "persist_failed"
	StateTimedOut       JobState = "timed_out"
	StateUnreachable    JobState = "unreachable"
	StateAborted        JobState = "aborted"
)

// Terminal reports whether the poller for this job has finished for good.
func (s JobState) Terminal() bool {
	return s != StatePending && s != StateDownloading
}

// JobRecord is the locally persisted view of one build.
type JobRecord struct {
	ID             JobID      `json:"id"`
	WakeKeyword    string     `json:"wakeKeyword"`
	State          JobState   `json:"state"`
	UpstreamStatus *JobStatus `json:"upstreamStatus,omitempty"`
	ArtifactPath   string     `json:"artifactPath,omitempty"`
	LastError      *string    `json:"lastError,omitempty"`
	Polls          int        `json:"polls"`
	Owner          string     `json:"owner,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// JobUpdate is a partial change to a JobRecord. Nil fields are left as is.
type JobUpdate struct {
	State          *JobState
	UpstreamStatus *JobStatus
	ArtifactPath   *string
	LastError      *string
	CountPoll      bool
}

// FirmwareArtifact is a downloaded build output on its way to storage.
type FirmwareArtifact struct {
	JobID JobID
	Data  []byte
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    JobID     `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
