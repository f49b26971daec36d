// Package workflow drives the export state machine for one backup job. The
// declarative wait/choice/retry graph of the source design is expressed as
// explicit phases with a durable checkpoint written before every suspend
// point, so a run can be resumed after arbitrarily long waits.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/rowjay/backup-export/internal/config"
	"github.com/rowjay/backup-export/internal/dispatch"
	"github.com/rowjay/backup-export/internal/event"
	"github.com/rowjay/backup-export/internal/faults"
	"github.com/rowjay/backup-export/internal/metadata"
	"github.com/rowjay/backup-export/internal/notify"
	"github.com/rowjay/backup-export/internal/state"
)

// Engine executes export workflows. One call to Run handles exactly one job;
// jobs share no mutable state, so a process may run many engines or one
// engine many times without coordination.
type Engine struct {
	Volumes     VolumeAPI
	RDS         RDSExportAPI
	Dynamo      DynamoExportAPI
	Recovery    RecoveryPointAPI
	Dispatcher  dispatch.Dispatcher
	Checkpoints *state.Store
	Notifier    notify.Notifier
	Log         zerolog.Logger
	Cfg         config.ExportConfig

	// Sleep is injectable so tests run poll loops without wall-clock waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Run routes a resolved snapshot into its export protocol and drives it to a
// terminal phase. The resource-type switch is the closed dispatch point: an
// unhandled type fails loudly rather than being skipped.
func (e *Engine) Run(ctx context.Context, snap *metadata.Snapshot) error {
	cp := &state.Checkpoint{JobID: snap.JobID, Snapshot: *snap}

	switch snap.ResourceType {
	case event.ResourceEBS:
		cp.Phase = state.PhaseRestoring
	case event.ResourceRDS, event.ResourceAurora:
		cp.Phase = state.PhaseExporting
	case event.ResourceDynamoDB:
		cp.Phase = state.PhaseExporting
	default:
		return &faults.UnsupportedResourceTypeError{Type: string(snap.ResourceType)}
	}

	if err := e.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("persist initial checkpoint: %w", err)
	}
	return e.drive(ctx, cp)
}

// Resume reloads a persisted checkpoint and continues from its last phase.
func (e *Engine) Resume(ctx context.Context, jobID string) error {
	cp, err := e.Checkpoints.Load(ctx, jobID)
	if err != nil {
		return err
	}
	if cp.Phase.Terminal() {
		return fmt.Errorf("job %s already reached %s", jobID, cp.Phase)
	}
	return e.drive(ctx, cp)
}

// drive advances the state machine until a terminal phase, then finalizes.
// Transitions within a job are strictly sequential.
func (e *Engine) drive(ctx context.Context, cp *state.Checkpoint) error {
	start := time.Now()
	var runErr error
	defer func() {
		e.report(cp, start, runErr)
	}()

	for !cp.Phase.Terminal() {
		e.Log.Info().Str("job", cp.JobID).Str("phase", string(cp.Phase)).Msg("workflow phase")
		var err error
		switch cp.Phase {
		case state.PhaseRestoring, state.PhaseAwaitingAvailable, state.PhaseDispatched, state.PhaseCleaningUp:
			err = e.stepEBS(ctx, cp)
		case state.PhaseExporting, state.PhasePolling:
			err = e.stepManaged(ctx, cp)
		default:
			err = fmt.Errorf("unknown phase %s for job %s", cp.Phase, cp.JobID)
		}
		if err != nil {
			// Only infrastructure errors (checkpoint store, context) land
			// here; provider failures are recorded on the checkpoint and
			// routed through cleanup by the step itself.
			runErr = err
			return runErr
		}
	}

	runErr = e.finalize(ctx, cp)
	return runErr
}

func (e *Engine) report(cp *state.Checkpoint, start time.Time, runErr error) {
	if e.Notifier == nil {
		return
	}
	ev := notify.Event{
		Type:         "export",
		JobID:        cp.JobID,
		ResourceType: string(cp.Snapshot.ResourceType),
		Message:      fmt.Sprintf("export %s (%s)", cp.JobID, cp.Snapshot.ResourceType),
		Status:       statusFromErr(runErr),
		S3Path:       fmt.Sprintf("s3://%s/%s", cp.Snapshot.S3BucketName, cp.Snapshot.S3Prefix),
		StartedAt:    start,
		EndedAt:      time.Now(),
		Duration:     time.Since(start).String(),
	}
	if runErr != nil {
		ev.Error = runErr.Error()
	}
	_ = e.Notifier.Notify(context.Background(), ev)
}

// checkpoint persists cp and is required before every wait.
func (e *Engine) checkpoint(ctx context.Context, cp *state.Checkpoint) error {
	if err := e.Checkpoints.Save(ctx, cp); err != nil {
		return fmt.Errorf("persist checkpoint for %s: %w", cp.JobID, err)
	}
	return nil
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminalError turns a failed checkpoint into the job's reported error.
func terminalError(cp *state.Checkpoint) error {
	if cp.Phase == state.PhaseFailed {
		return fmt.Errorf("job %s failed: %s", cp.JobID, cp.Failure)
	}
	return nil
}

func statusFromErr(err error) string {
	if err == nil {
		return "success"
	}
	return "failed"
}

// providerErrorCode extracts the provider's error code, if any.
func providerErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}

// exportTaskID derives a provider-safe export task identifier from a job id.
func exportTaskID(jobID string) string {
	var b strings.Builder
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return "bex-" + strings.Trim(b.String(), "-")
}
