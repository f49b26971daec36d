package workflow

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/backup"

	"github.com/rowjay/backup-export/internal/state"
	"github.com/rowjay/backup-export/internal/util"
)

// finalize closes out a terminal run. The recovery point is deleted only
// when the whole job succeeded and auto-delete is enabled; on any failure it
// is deliberately left intact so backup retention stays the safety net.
func (e *Engine) finalize(ctx context.Context, cp *state.Checkpoint) error {
	if cp.Phase == state.PhaseFailed {
		return terminalError(cp)
	}

	if !e.Cfg.AutoDelete {
		e.Log.Info().Str("job", cp.JobID).Msg("export complete, recovery point retained")
		_ = e.Checkpoints.Delete(ctx, cp.JobID)
		return nil
	}

	err := util.Retry(ctx, e.Cfg.RetryCount, e.Cfg.RetryBackoff, func() error {
		_, derr := e.Recovery.DeleteRecoveryPoint(ctx, &backup.DeleteRecoveryPointInput{
			BackupVaultName:  aws.String(cp.Snapshot.BackupVaultName),
			RecoveryPointArn: aws.String(cp.Snapshot.SnapshotArn),
		})
		return derr
	})
	if err != nil {
		cp.Fail(fmt.Errorf("delete recovery point: %w", err))
		cp.Phase = state.PhaseFailed
		if cerr := e.checkpoint(ctx, cp); cerr != nil {
			return cerr
		}
		return terminalError(cp)
	}

	e.Log.Info().Str("job", cp.JobID).Str("vault", cp.Snapshot.BackupVaultName).Msg("export complete, recovery point deleted")
	_ = e.Checkpoints.Delete(ctx, cp.JobID)
	return nil
}
