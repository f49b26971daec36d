package state

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rowjay/backup-export/internal/metadata"
	"github.com/rowjay/backup-export/internal/storage"
)

// Phase names one node of the export state machine.
type Phase string

const (
	PhaseRestoring         Phase = "RESTORING"
	PhaseAwaitingAvailable Phase = "AWAITING_AVAILABLE"
	PhaseDispatched        Phase = "DISPATCHED"
	PhaseCleaningUp        Phase = "CLEANING_UP"
	PhaseExporting         Phase = "EXPORTING"
	PhasePolling           Phase = "POLLING"
	PhaseSucceeded         Phase = "SUCCEEDED"
	PhaseFailed            Phase = "FAILED"
)

// Terminal reports whether p ends the workflow.
func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Checkpoint is the durable run state of one job. It is persisted before
// every wait so an interrupted run resumes at its last suspend point instead
// of restarting the export.
type Checkpoint struct {
	JobID       string            `json:"job_id"`
	Phase       Phase             `json:"phase"`
	Snapshot    metadata.Snapshot `json:"snapshot"`
	VolumeID    string            `json:"volume_id,omitempty"`
	WorkerJobID string            `json:"worker_job_id,omitempty"`
	TaskID      string            `json:"task_id,omitempty"`
	PollErrors  int               `json:"poll_errors,omitempty"`
	Failure     string            `json:"failure,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Fail records a failure without clobbering the first one: the original
// fault is what the terminal report must carry.
func (c *Checkpoint) Fail(err error) {
	if c.Failure == "" && err != nil {
		c.Failure = err.Error()
	}
}

// Store persists checkpoints through the storage backend as JSON documents.
type Store struct {
	Backend storage.Storage
	Prefix  string
}

func NewStore(backend storage.Storage, prefix string) *Store {
	if prefix == "" {
		prefix = "checkpoints"
	}
	return &Store{Backend: backend, Prefix: prefix}
}

func (s *Store) key(jobID string) string {
	return path.Join(strings.Trim(s.Prefix, "/"), jobID+".json")
}

func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	payload, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	return s.Backend.Put(ctx, s.key(cp.JobID), strings.NewReader(string(payload)), int64(len(payload)), map[string]string{"bex-checkpoint": "true"})
}

func (s *Store) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	reader, err := s.Backend.Get(ctx, s.key(jobID))
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", jobID, err)
	}
	defer reader.Close()
	var cp Checkpoint
	if err := json.NewDecoder(reader).Decode(&cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint for %s: %w", jobID, err)
	}
	return &cp, nil
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	return s.Backend.Delete(ctx, s.key(jobID))
}
