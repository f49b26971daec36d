package workflow

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/rowjay/backup-export/internal/dispatch"
	"github.com/rowjay/backup-export/internal/faults"
	"github.com/rowjay/backup-export/internal/state"
	"github.com/rowjay/backup-export/internal/util"
)

// stepEBS advances the EBS protocol one phase:
//
//	Restoring -> AwaitingAvailable -> Dispatched -> CleaningUp -> terminal
//
// Every path converges on CleaningUp; the restored volume is never left
// behind. Failures are recorded on the checkpoint and carried through
// cleanup to the terminal report.
func (e *Engine) stepEBS(ctx context.Context, cp *state.Checkpoint) error {
	switch cp.Phase {
	case state.PhaseRestoring:
		return e.ebsRestore(ctx, cp)
	case state.PhaseAwaitingAvailable:
		return e.ebsAwaitAvailable(ctx, cp)
	case state.PhaseDispatched:
		return e.ebsDispatch(ctx, cp)
	case state.PhaseCleaningUp:
		return e.ebsCleanup(ctx, cp)
	default:
		return fmt.Errorf("phase %s is not part of the EBS protocol", cp.Phase)
	}
}

// ebsRestore creates a volume from the snapshot in the job's chosen zone.
// Transient provider errors are retried within the configured budget; the
// volume must land in the same zone as the worker queue that will attach it.
func (e *Engine) ebsRestore(ctx context.Context, cp *state.Checkpoint) error {
	var volumeID string
	err := util.RetryIf(ctx, e.Cfg.RetryCount, e.Cfg.RetryBackoff, faults.Transient, func() error {
		out, cerr := e.Volumes.CreateVolume(ctx, &ec2.CreateVolumeInput{
			SnapshotId:       aws.String(cp.Snapshot.SnapshotID),
			AvailabilityZone: aws.String(cp.Snapshot.AvailabilityZone),
			TagSpecifications: []ec2types.TagSpecification{
				{
					ResourceType: ec2types.ResourceTypeVolume,
					Tags: []ec2types.Tag{
						{Key: aws.String("bex:job"), Value: aws.String(cp.JobID)},
					},
				},
			},
		})
		if cerr != nil {
			return &faults.TransientProviderError{Op: "ec2 create-volume", Err: cerr}
		}
		volumeID = aws.ToString(out.VolumeId)
		return nil
	})
	if err != nil {
		// Nothing was restored, so there is nothing to clean up.
		cp.Fail(err)
		cp.Phase = state.PhaseFailed
		return e.checkpoint(ctx, cp)
	}
	cp.VolumeID = volumeID
	cp.Phase = state.PhaseAwaitingAvailable
	return e.checkpoint(ctx, cp)
}

// ebsAwaitAvailable polls the restored volume until it leaves "creating".
// A failed status read is not a failed restore; it is re-polled until the
// consecutive-error budget runs out.
func (e *Engine) ebsAwaitAvailable(ctx context.Context, cp *state.Checkpoint) error {
	out, err := e.Volumes.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{cp.VolumeID},
	})
	if err != nil {
		cp.PollErrors++
		if cp.PollErrors > e.Cfg.RetryCount {
			cp.Fail(&faults.TransientProviderError{Op: "ec2 describe-volumes", Err: err})
			cp.Phase = state.PhaseCleaningUp
			return e.checkpoint(ctx, cp)
		}
		e.Log.Warn().Err(err).Str("job", cp.JobID).Msg("volume status poll failed")
		if cerr := e.checkpoint(ctx, cp); cerr != nil {
			return cerr
		}
		return e.sleep(ctx, e.Cfg.VolumePollInterval)
	}
	cp.PollErrors = 0
	if len(out.Volumes) == 0 {
		cp.Fail(&faults.TerminalProviderFailure{Op: "ec2 describe-volumes", Status: "MISSING", Reason: "volume " + cp.VolumeID + " not found"})
		cp.Phase = state.PhaseCleaningUp
		return e.checkpoint(ctx, cp)
	}

	switch out.Volumes[0].State {
	case ec2types.VolumeStateAvailable:
		cp.Phase = state.PhaseDispatched
		return e.checkpoint(ctx, cp)
	case ec2types.VolumeStateCreating:
		if err := e.checkpoint(ctx, cp); err != nil {
			return err
		}
		return e.sleep(ctx, e.Cfg.VolumePollInterval)
	default:
		cp.Fail(&faults.TerminalProviderFailure{
			Op:     "volume " + cp.VolumeID,
			Status: string(out.Volumes[0].State),
		})
		cp.Phase = state.PhaseCleaningUp
		return e.checkpoint(ctx, cp)
	}
}

// ebsDispatch submits the archival task to the worker pool in the volume's
// zone and waits for its terminal outcome. The submit and the wait straddle
// a checkpoint so a resumed run does not re-submit.
func (e *Engine) ebsDispatch(ctx context.Context, cp *state.Checkpoint) error {
	if cp.WorkerJobID == "" {
		id, err := e.Dispatcher.Submit(ctx, dispatch.Task{
			Volume: cp.VolumeID,
			S3Path: fmt.Sprintf("s3://%s/%s", cp.Snapshot.S3BucketName, cp.Snapshot.S3Prefix),
			Zone:   cp.Snapshot.AvailabilityZone,
		})
		if err != nil {
			cp.Fail(err)
			cp.Phase = state.PhaseCleaningUp
			return e.checkpoint(ctx, cp)
		}
		cp.WorkerJobID = id
		if err := e.checkpoint(ctx, cp); err != nil {
			return err
		}
	}

	if err := e.Dispatcher.Await(ctx, cp.WorkerJobID); err != nil {
		if ctx.Err() != nil {
			return err
		}
		cp.Fail(err)
	}
	cp.Phase = state.PhaseCleaningUp
	return e.checkpoint(ctx, cp)
}

// ebsCleanup deletes the restored volume. Runs identically on success and
// failure paths. A delete rejected because the volume is still attached
// triggers a force-detach, a fixed wait, and a bounded retry.
func (e *Engine) ebsCleanup(ctx context.Context, cp *state.Checkpoint) error {
	if err := e.deleteVolume(ctx, cp.VolumeID); err != nil {
		cp.Fail(err)
	}
	if cp.Failure == "" {
		cp.Phase = state.PhaseSucceeded
	} else {
		cp.Phase = state.PhaseFailed
	}
	return e.checkpoint(ctx, cp)
}

func (e *Engine) deleteVolume(ctx context.Context, volumeID string) error {
	if volumeID == "" {
		return nil
	}
	attempts := e.Cfg.DeleteRetries
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, err := e.Volumes.DeleteVolume(ctx, &ec2.DeleteVolumeInput{VolumeId: aws.String(volumeID)})
		if err == nil {
			return nil
		}
		lastErr = err
		if providerErrorCode(err) == "VolumeInUse" {
			lastErr = &faults.ResourceBusyError{Resource: volumeID, Err: err}
			_, _ = e.Volumes.DetachVolume(ctx, &ec2.DetachVolumeInput{
				VolumeId: aws.String(volumeID),
				Force:    aws.Bool(true),
			})
			if serr := e.sleep(ctx, e.Cfg.DetachWait); serr != nil {
				return serr
			}
			continue
		}
		if serr := e.sleep(ctx, e.Cfg.RetryBackoff); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("delete volume %s: %w", volumeID, lastErr)
}
