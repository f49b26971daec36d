// Package dispatch hands archival tasks to the worker pool. The pool itself
// (capacity, container placement) is a managed collaborator; this package
// only submits tasks to the queue serving the right availability zone and
// waits for a terminal outcome.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/rowjay/backup-export/internal/faults"
)

// Task is the worker payload for one restored volume.
type Task struct {
	Volume string // restored volume id
	S3Path string // s3://<bucket>/<prefix>
	Zone   string // availability zone the volume lives in
}

// Dispatcher submits an archival task and waits for it to finish. Submit and
// Await are split so the workflow can checkpoint between them.
type Dispatcher interface {
	Submit(ctx context.Context, task Task) (string, error)
	Await(ctx context.Context, id string) error
}

type batchAPI interface {
	SubmitJob(ctx context.Context, input *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobs(ctx context.Context, input *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error)
}

// Batch dispatches to AWS Batch. Queues maps an availability zone to the
// job queue whose compute environment runs in that zone; block storage is
// zone-local, so a task must land on a host that can attach the volume.
type Batch struct {
	Client        batchAPI
	Queues        map[string]string
	JobDefinition string
	PollInterval  time.Duration
	Sleep         func(ctx context.Context, d time.Duration) error
}

func (b *Batch) Submit(ctx context.Context, task Task) (string, error) {
	queue, ok := b.Queues[task.Zone]
	if !ok {
		return "", fmt.Errorf("no worker queue configured for zone %s", task.Zone)
	}
	out, err := b.Client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String("bex-archive-" + task.Volume),
		JobQueue:      aws.String(queue),
		JobDefinition: aws.String(b.JobDefinition),
		Parameters: map[string]string{
			"volume": task.Volume,
			"s3path": task.S3Path,
		},
	})
	if err != nil {
		return "", &faults.TransientProviderError{Op: "batch submit-job", Err: err}
	}
	return aws.ToString(out.JobId), nil
}

func (b *Batch) Await(ctx context.Context, id string) error {
	sleep := b.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	for {
		out, err := b.Client.DescribeJobs(ctx, &batch.DescribeJobsInput{Jobs: []string{id}})
		if err != nil {
			return &faults.TransientProviderError{Op: "batch describe-jobs", Err: err}
		}
		if len(out.Jobs) == 0 {
			return &faults.TerminalProviderFailure{Op: "batch describe-jobs", Status: "MISSING", Reason: "job " + id + " not found"}
		}
		job := out.Jobs[0]
		switch job.Status {
		case batchtypes.JobStatusSucceeded:
			return nil
		case batchtypes.JobStatusFailed:
			return &faults.TerminalProviderFailure{
				Op:     "archival job " + id,
				Status: string(job.Status),
				Reason: aws.ToString(job.StatusReason),
			}
		}
		if err := sleep(ctx, b.PollInterval); err != nil {
			return err
		}
	}
}

// Local runs the archival task in-process, for single-host deployments and
// end-to-end testing without a worker pool.
type Local struct {
	Run func(ctx context.Context, task Task) error

	results map[string]chan error
}

func (l *Local) Submit(ctx context.Context, task Task) (string, error) {
	if l.results == nil {
		l.results = make(map[string]chan error)
	}
	id := "local-" + task.Volume
	done := make(chan error, 1)
	l.results[id] = done
	go func() {
		done <- l.Run(ctx, task)
	}()
	return id, nil
}

func (l *Local) Await(ctx context.Context, id string) error {
	done, ok := l.results[id]
	if !ok {
		return fmt.Errorf("unknown local task %s", id)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
