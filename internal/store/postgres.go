package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/pgtype"

	"device-control/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob records a freshly triggered build as pending. A record that
// already exists for id is left alone.
func (s *Store) CreateJob(ctx context.Context, id models.JobID, req models.BuildRequest) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO firmware_jobs (id, wake_keyword, state, polls, created_at, updated_at)
		VALUES ($1, $2, $3, 0, $4, $4)
		ON CONFLICT (id) DO NOTHING
	`, string(id), req.WakeKeyword, string(models.StatePending), now)
	if err != nil {
		return fmt.Errorf("insert firmware job: %w", err)
	}
	return nil
}

// UpdateJob applies the non-nil fields of upd.
func (s *Store) UpdateJob(ctx context.Context, id models.JobID, upd models.JobUpdate) error {
	var state *string
	if upd.State != nil {
		v := string(*upd.State)
		state = &v
	}
	var upstream *int32
	if upd.UpstreamStatus != nil {
		v := int32(*upd.UpstreamStatus)
		upstream = &v
	}
	polls := 0
	if upd.CountPoll {
		polls = 1
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE firmware_jobs
		SET state = COALESCE($2, state),
		    upstream_status = COALESCE($3, upstream_status),
		    artifact_path = COALESCE($4, artifact_path),
		    last_error = COALESCE($5, last_error),
		    polls = polls + $6,
		    updated_at = NOW()
		WHERE id = $1
	`, string(id), state, upstream, upd.ArtifactPath, upd.LastError, polls)
	if err != nil {
		return fmt.Errorf("update firmware job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", id, models.ErrJobNotFound)
	}
	return nil
}

const jobColumns = `id, wake_keyword, state, upstream_status, artifact_path, last_error, polls, owner, created_at, updated_at`

// GetJob fetches a job record by id.
func (s *Store) GetJob(ctx context.Context, id models.JobID) (models.JobRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM firmware_jobs WHERE id = $1`, string(id))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.JobRecord{}, fmt.Errorf("get %s: %w", id, models.ErrJobNotFound)
	}
	return job, err
}

// ListActiveJobs returns unfinished jobs that no live poller holds a lease on.
func (s *Store) ListActiveJobs(ctx context.Context) ([]models.JobRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM firmware_jobs
		WHERE state = ANY($1)
		  AND (owner IS NULL OR lease_until < NOW())
		ORDER BY created_at
	`, []string{string(models.StatePending), string(models.StateDownloading)})
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var out []models.JobRecord
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (models.JobRecord, error) {
	var (
		job      models.JobRecord
		id       string
		state    string
		upstream pgtype.Int4
		path     pgtype.Text
		lastErr  pgtype.Text
		owner    pgtype.Text
	)
	if err := row.Scan(&id, &job.WakeKeyword, &state, &upstream, &path, &lastErr, &job.Polls, &owner, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.JobRecord{}, err
		}
		return models.JobRecord{}, fmt.Errorf("scan firmware job: %w", err)
	}
	job.ID = models.JobID(id)
	job.State = models.JobState(state)
	if upstream.Valid {
		st := models.JobStatus(upstream.Int32)
		job.UpstreamStatus = &st
	}
	if path.Valid {
		job.ArtifactPath = path.String
	}
	job.LastError = textPtr(lastErr)
	job.Owner = owner.String
	return job, nil
}

// ClaimJob takes or renews the polling lease on id for owner. It reports
// false while another owner holds an unexpired lease.
func (s *Store) ClaimJob(ctx context.Context, id models.JobID, owner string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE firmware_jobs
		SET owner = $2,
		    lease_until = NOW() + make_interval(secs => $3)
		WHERE id = $1
		  AND (owner IS NULL OR owner = $2 OR lease_until < NOW())
	`, string(id), owner, ttl.Seconds())
	if err != nil {
		return false, fmt.Errorf("claim firmware job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM firmware_jobs WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return false, fmt.Errorf("check firmware job: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("claim %s: %w", id, models.ErrJobNotFound)
	}
	return false, nil
}

// ReleaseJob drops owner's lease on id so another worker may resume it.
func (s *Store) ReleaseJob(ctx context.Context, id models.JobID, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE firmware_jobs SET owner = NULL, lease_until = NULL
		WHERE id = $1 AND owner = $2
	`, string(id), owner)
	if err != nil {
		return fmt.Errorf("release firmware job: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID models.JobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, string(jobID), event, detail)
	return err
}

// ListAudit returns the audit trail of one job, oldest first.
func (s *Store) ListAudit(ctx context.Context, jobID models.JobID) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM audit_logs WHERE job_id = $1 ORDER BY id
	`, string(jobID))
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var id string
		if err := rows.Scan(&id, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.JobID = models.JobID(id)
		out = append(out, a)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
