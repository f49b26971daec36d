package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/rowjay/backup-export/internal/event"
	"github.com/rowjay/backup-export/internal/faults"
	"github.com/rowjay/backup-export/internal/state"
	"github.com/rowjay/backup-export/internal/util"
)

// The managed protocol covers RDS/Aurora and DynamoDB: the provider exports
// straight from the snapshot into object storage, so there is no restored
// copy to clean up. Exporting starts the provider task; Polling waits it out.
func (e *Engine) stepManaged(ctx context.Context, cp *state.Checkpoint) error {
	switch cp.Phase {
	case state.PhaseExporting:
		return e.managedStart(ctx, cp)
	case state.PhasePolling:
		return e.managedPoll(ctx, cp)
	default:
		return fmt.Errorf("phase %s is not part of the managed protocol", cp.Phase)
	}
}

func (e *Engine) managedStart(ctx context.Context, cp *state.Checkpoint) error {
	var taskID string
	err := util.RetryIf(ctx, e.Cfg.RetryCount, e.Cfg.RetryBackoff, faults.Transient, func() error {
		var serr error
		switch cp.Snapshot.ResourceType {
		case event.ResourceRDS, event.ResourceAurora:
			taskID, serr = e.startRDSExport(ctx, cp)
		case event.ResourceDynamoDB:
			taskID, serr = e.startDynamoExport(ctx, cp)
		default:
			return &faults.UnsupportedResourceTypeError{Type: string(cp.Snapshot.ResourceType)}
		}
		return serr
	})
	if err != nil {
		cp.Fail(err)
		cp.Phase = state.PhaseFailed
		return e.checkpoint(ctx, cp)
	}
	cp.TaskID = taskID
	cp.Phase = state.PhasePolling
	return e.checkpoint(ctx, cp)
}

func (e *Engine) managedPoll(ctx context.Context, cp *state.Checkpoint) error {
	var status string
	var reason string
	var err error
	switch cp.Snapshot.ResourceType {
	case event.ResourceRDS, event.ResourceAurora:
		status, reason, err = e.rdsExportStatus(ctx, cp.TaskID)
	case event.ResourceDynamoDB:
		status, reason, err = e.dynamoExportStatus(ctx, cp.TaskID)
	default:
		return &faults.UnsupportedResourceTypeError{Type: string(cp.Snapshot.ResourceType)}
	}
	if err != nil {
		// A failed status read is not a failed export; keep waiting until
		// the consecutive-error budget runs out.
		cp.PollErrors++
		if cp.PollErrors > e.Cfg.RetryCount {
			cp.Fail(err)
			cp.Phase = state.PhaseFailed
			return e.checkpoint(ctx, cp)
		}
		e.Log.Warn().Err(err).Str("job", cp.JobID).Msg("export status poll failed")
		if cerr := e.checkpoint(ctx, cp); cerr != nil {
			return cerr
		}
		return e.sleep(ctx, e.Cfg.ExportPollInterval)
	}
	cp.PollErrors = 0

	var outcome pollOutcome
	switch cp.Snapshot.ResourceType {
	case event.ResourceDynamoDB:
		outcome = classifyDynamoExport(status)
	default:
		outcome = classifyRDSExport(status)
	}

	switch outcome {
	case pollSucceeded:
		cp.Phase = state.PhaseSucceeded
		return e.checkpoint(ctx, cp)
	case pollFailed:
		cp.Fail(&faults.TerminalProviderFailure{Op: "export task " + cp.TaskID, Status: status, Reason: reason})
		cp.Phase = state.PhaseFailed
		return e.checkpoint(ctx, cp)
	default:
		if cerr := e.checkpoint(ctx, cp); cerr != nil {
			return cerr
		}
		return e.sleep(ctx, e.Cfg.ExportPollInterval)
	}
}

func (e *Engine) startRDSExport(ctx context.Context, cp *state.Checkpoint) (string, error) {
	out, err := e.RDS.StartExportTask(ctx, &rds.StartExportTaskInput{
		ExportTaskIdentifier: aws.String(exportTaskID(cp.JobID)),
		SourceArn:            aws.String(cp.Snapshot.SnapshotArn),
		S3BucketName:         aws.String(cp.Snapshot.S3BucketName),
		S3Prefix:             aws.String(cp.Snapshot.S3Prefix),
		IamRoleArn:           aws.String(e.Cfg.ExportRoleArn),
		KmsKeyId:             aws.String(e.Cfg.KMSKeyID),
	})
	if err != nil {
		return "", &faults.TransientProviderError{Op: "rds start-export-task", Err: err}
	}
	return aws.ToString(out.ExportTaskIdentifier), nil
}

func (e *Engine) rdsExportStatus(ctx context.Context, taskID string) (string, string, error) {
	out, err := e.RDS.DescribeExportTasks(ctx, &rds.DescribeExportTasksInput{
		ExportTaskIdentifier: aws.String(taskID),
	})
	if err != nil {
		return "", "", &faults.TransientProviderError{Op: "rds describe-export-tasks", Err: err}
	}
	if len(out.ExportTasks) == 0 {
		return "", "", fmt.Errorf("export task %s not found", taskID)
	}
	task := out.ExportTasks[0]
	return aws.ToString(task.Status), aws.ToString(task.FailureCause), nil
}

func (e *Engine) startDynamoExport(ctx context.Context, cp *state.Checkpoint) (string, error) {
	created, err := time.Parse(time.RFC3339, cp.Snapshot.CreationDate)
	if err != nil {
		return "", fmt.Errorf("parse creation date %q: %w", cp.Snapshot.CreationDate, err)
	}
	input := &dynamodb.ExportTableToPointInTimeInput{
		TableArn:   aws.String(cp.Snapshot.ResourceArn),
		S3Bucket:   aws.String(cp.Snapshot.S3BucketName),
		S3Prefix:   aws.String(cp.Snapshot.S3Prefix),
		ExportTime: aws.Time(created),
	}
	if e.Cfg.KMSKeyID != "" {
		input.S3SseAlgorithm = ddbtypes.S3SseAlgorithmKms
		input.S3SseKmsKeyId = aws.String(e.Cfg.KMSKeyID)
	}
	out, err := e.Dynamo.ExportTableToPointInTime(ctx, input)
	if err != nil {
		return "", &faults.TransientProviderError{Op: "dynamodb export-table-to-point-in-time", Err: err}
	}
	return aws.ToString(out.ExportDescription.ExportArn), nil
}

func (e *Engine) dynamoExportStatus(ctx context.Context, exportArn string) (string, string, error) {
	out, err := e.Dynamo.DescribeExport(ctx, &dynamodb.DescribeExportInput{
		ExportArn: aws.String(exportArn),
	})
	if err != nil {
		return "", "", &faults.TransientProviderError{Op: "dynamodb describe-export", Err: err}
	}
	desc := out.ExportDescription
	if desc == nil {
		return "", "", fmt.Errorf("export %s has no description", exportArn)
	}
	return string(desc.ExportStatus), aws.ToString(desc.FailureMessage), nil
}
