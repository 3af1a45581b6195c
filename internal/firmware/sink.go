package firmware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"device-control/internal/models"
	"device-control/internal/telemetry"
)

// Sink stores a downloaded firmware artifact and returns where it landed.
type Sink interface {
	Persist(ctx context.Context, id models.JobID, data []byte) (string, error)
}

// ArtifactName is the file name a job's firmware is stored under.
func ArtifactName(id models.JobID) string {
	return string(id) + ".bin"
}

// FileSink writes artifacts to {root}/{jobId}.bin.
type FileSink struct {
	root string
}

func NewFileSink(root string) *FileSink {
	return &FileSink{root: root}
}

// Path returns the deterministic location of id's artifact.
func (s *FileSink) Path(id models.JobID) string {
	return filepath.Join(s.root, ArtifactName(id))
}

// Persist writes data atomically, replacing any earlier artifact for id.
func (s *FileSink) Persist(ctx context.Context, id models.JobID, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateJobID(id); err != nil {
		return "", &PersistError{Path: s.root, Err: err}
	}
	path := s.Path(id)
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", &PersistError{Path: path, Err: fmt.Errorf("create root: %w", err)}
	}

	tmp, err := os.CreateTemp(s.root, "."+ArtifactName(id)+".*")
	if err != nil {
		return "", &PersistError{Path: path, Err: fmt.Errorf("create temp file: %w", err)}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", &PersistError{Path: path, Err: fmt.Errorf("write: %w", err)}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", &PersistError{Path: path, Err: fmt.Errorf("close: %w", err)}
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return "", &PersistError{Path: path, Err: fmt.Errorf("chmod: %w", err)}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", &PersistError{Path: path, Err: fmt.Errorf("rename: %w", err)}
	}
	telemetry.ArtifactBytes.Add(float64(len(data)))
	return path, nil
}

func validateJobID(id models.JobID) error {
	s := string(id)
	if s == "" {
		return errors.New("empty job id")
	}
	if s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("job id %q is not a valid file name", s)
	}
	return nil
}

type objectUploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// MirroredSink persists to a primary sink and then copies the artifact to an
// object store. Mirror failures are logged and do not fail the persist.
type MirroredSink struct {
	primary Sink
	mirror  objectUploader
	prefix  string
	log     logrus.FieldLogger
}

func NewMirroredSink(primary Sink, mirror objectUploader, prefix string, log logrus.FieldLogger) *MirroredSink {
	return &MirroredSink{primary: primary, mirror: mirror, prefix: prefix, log: log}
}

func (m *MirroredSink) Persist(ctx context.Context, id models.JobID, data []byte) (string, error) {
	path, err := m.primary.Persist(ctx, id, data)
	if err != nil {
		return "", err
	}
	location, err := m.mirror.Upload(ctx, m.prefix+ArtifactName(id), data, "application/octet-stream")
	if err != nil {
		m.log.WithError(err).WithField("job_id", id).Warn("mirror firmware artifact")
		return path, nil
	}
	m.log.WithFields(logrus.Fields{"job_id": id, "location": location}).Info("mirrored firmware artifact")
	return path, nil
}
