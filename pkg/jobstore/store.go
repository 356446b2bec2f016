// Package jobstore persists the pending queue and the in-flight job to a
// single JSON snapshot so a restart resumes where the process left off.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/audioq/pkg/job"
)

// FormatVersion is the queue file schema version.
const FormatVersion = 1

// DefaultFileName is the queue file name under the data dir.
const DefaultFileName = "queue.json"

// snapshot is the on-disk document.
//
// NOTE: this is a stable on-disk contract; extend additively.
type snapshot struct {
	Version    int               `json:"version"`
	SavedEpoch int64             `json:"saved_epoch"`
	NextJobID  int64             `json:"next_job_id"`
	Jobs       []json.RawMessage `json:"jobs"`
}

// Store reads and writes the queue snapshot at a fixed path.
type Store struct {
	path   string
	logger *zap.Logger
	now    func() time.Time
}

// NewStore returns a store for path. A nil logger discards diagnostics.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   strings.TrimSpace(path),
		logger: logger,
		now:    time.Now,
	}
}

func (s *Store) Path() string {
	return s.path
}

// Save writes the full queue state. The active job, when present, is written
// first so that Load puts it back at the head of the queue.
//
// The write goes to a temp file in the same directory followed by a rename, so
// a crash mid-write leaves the previous snapshot intact.
func (s *Store) Save(active *job.Job, pending []job.Job, nextID int64) error {
	if s.path == "" {
		return fmt.Errorf("queue file path is empty")
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create queue dir: %w", err)
	}

	jobs := make([]json.RawMessage, 0, len(pending)+1)
	appendJob := func(j job.Job) error {
		b, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("marshal job %d: %w", j.ID, err)
		}
		jobs = append(jobs, b)
		return nil
	}
	if active != nil {
		if err := appendJob(*active); err != nil {
			return err
		}
	}
	for _, j := range pending {
		if err := appendJob(j); err != nil {
			return err
		}
	}

	b, err := json.MarshalIndent(snapshot{
		Version:    FormatVersion,
		SavedEpoch: s.now().Unix(),
		NextJobID:  nextID,
		Jobs:       jobs,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp queue file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp queue file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp queue file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename queue file: %w", err)
	}
	return nil
}

// Load returns the pending queue and the next id to assign.
//
// A job saved as active comes back as the first pending job. Jobs that can no
// longer run are dropped individually. An unreadable file is moved aside and
// treated as an empty queue. The returned error is reserved for I/O failures
// other than a missing file.
func (s *Store) Load() ([]job.Job, int64, error) {
	if s.path == "" {
		return nil, 1, fmt.Errorf("queue file path is empty")
	}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 1, nil
		}
		return nil, 1, fmt.Errorf("read queue file: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		s.discard(fmt.Errorf("parse queue file: %w", err))
		return nil, 1, nil
	}
	if snap.Version > FormatVersion {
		s.discard(fmt.Errorf("unsupported queue file version %d", snap.Version))
		return nil, 1, nil
	}

	pending := make([]job.Job, 0, len(snap.Jobs))
	var maxID int64
	for i, raw := range snap.Jobs {
		var j job.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			s.logger.Warn("Dropping unreadable queued job", zap.Int("index", i), zap.Error(err))
			continue
		}
		// Ids of dropped jobs still count; they were handed out once.
		if j.ID > maxID {
			maxID = j.ID
		}
		if err := j.Runnable(); err != nil {
			s.logger.Warn("Dropping unrunnable queued job", zap.Int64("job_id", j.ID), zap.Error(err))
			continue
		}
		j.Status = job.StatusPending
		pending = append(pending, j)
	}

	return pending, NextID(snap.NextJobID, maxID), nil
}

// NextID is max(persisted, maxID+1, 1).
func NextID(persisted, maxID int64) int64 {
	next := persisted
	if maxID+1 > next {
		next = maxID + 1
	}
	if next < 1 {
		next = 1
	}
	return next
}

func (s *Store) discard(cause error) {
	aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, aside); err != nil {
		s.logger.Warn("Queue file is unreadable; starting with an empty queue",
			zap.String("path", s.path), zap.NamedError("cause", cause), zap.Error(err))
		_ = os.Remove(s.path)
		return
	}
	s.logger.Warn("Queue file is unreadable; moved aside and starting with an empty queue",
		zap.String("path", s.path), zap.String("moved_to", aside), zap.Error(cause))
}
