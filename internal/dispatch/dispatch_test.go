package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	batchtypes "github.com/aws/aws-sdk-go-v2/service/batch/types"

	"github.com/rowjay/backup-export/internal/faults"
)

type fakeBatch struct {
	submitInput *batch.SubmitJobInput
	statuses    []batchtypes.JobStatus
	reason      string
	describes   int
}

func (f *fakeBatch) SubmitJob(ctx context.Context, input *batch.SubmitJobInput, opts ...func(*batch.Options)) (*batch.SubmitJobOutput, error) {
	f.submitInput = input
	return &batch.SubmitJobOutput{JobId: aws.String("batch-1")}, nil
}

func (f *fakeBatch) DescribeJobs(ctx context.Context, input *batch.DescribeJobsInput, opts ...func(*batch.Options)) (*batch.DescribeJobsOutput, error) {
	st := f.statuses[len(f.statuses)-1]
	if f.describes < len(f.statuses) {
		st = f.statuses[f.describes]
	}
	f.describes++
	return &batch.DescribeJobsOutput{
		Jobs: []batchtypes.JobDetail{{
			JobId:        aws.String(input.Jobs[0]),
			Status:       st,
			StatusReason: aws.String(f.reason),
		}},
	}, nil
}

func testBatch(client *fakeBatch) *Batch {
	return &Batch{
		Client:        client,
		Queues:        map[string]string{"eu-west-1a": "bex-queue-a", "eu-west-1b": "bex-queue-b"},
		JobDefinition: "bex-archive",
		PollInterval:  time.Minute,
		Sleep:         func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func TestBatchSubmitRoutesByZone(t *testing.T) {
	client := &fakeBatch{statuses: []batchtypes.JobStatus{batchtypes.JobStatusSucceeded}}
	b := testBatch(client)

	id, err := b.Submit(context.Background(), Task{Volume: "vol-1", S3Path: "s3://exports/p", Zone: "eu-west-1b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "batch-1" {
		t.Fatalf("unexpected id %q", id)
	}
	in := client.submitInput
	if aws.ToString(in.JobQueue) != "bex-queue-b" {
		t.Fatalf("task must land on the zone's queue, got %s", aws.ToString(in.JobQueue))
	}
	if aws.ToString(in.JobName) != "bex-archive-vol-1" {
		t.Fatalf("unexpected job name %s", aws.ToString(in.JobName))
	}
	if in.Parameters["volume"] != "vol-1" || in.Parameters["s3path"] != "s3://exports/p" {
		t.Fatalf("unexpected parameters: %v", in.Parameters)
	}
}

func TestBatchSubmitUnmappedZone(t *testing.T) {
	b := testBatch(&fakeBatch{statuses: []batchtypes.JobStatus{batchtypes.JobStatusSucceeded}})

	_, err := b.Submit(context.Background(), Task{Volume: "vol-1", Zone: "eu-west-1c"})
	if err == nil || !strings.Contains(err.Error(), "eu-west-1c") {
		t.Fatalf("expected an error naming the zone, got %v", err)
	}
}

func TestBatchAwaitPollsToSuccess(t *testing.T) {
	client := &fakeBatch{statuses: []batchtypes.JobStatus{
		batchtypes.JobStatusRunnable,
		batchtypes.JobStatusRunning,
		batchtypes.JobStatusSucceeded,
	}}
	b := testBatch(client)

	if err := b.Await(context.Background(), "batch-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.describes != 3 {
		t.Fatalf("expected three polls, got %d", client.describes)
	}
}

func TestBatchAwaitFailure(t *testing.T) {
	client := &fakeBatch{
		statuses: []batchtypes.JobStatus{batchtypes.JobStatusFailed},
		reason:   "container exited 1",
	}
	b := testBatch(client)

	err := b.Await(context.Background(), "batch-1")
	var terr *faults.TerminalProviderFailure
	if !errors.As(err, &terr) {
		t.Fatalf("expected TerminalProviderFailure, got %v", err)
	}
	if !strings.Contains(terr.Reason, "container exited 1") {
		t.Fatalf("status reason must be carried, got %q", terr.Reason)
	}
}

func TestLocalRunsInProcess(t *testing.T) {
	var got Task
	l := &Local{Run: func(ctx context.Context, task Task) error {
		got = task
		return nil
	}}

	id, err := l.Submit(context.Background(), Task{Volume: "vol-9", S3Path: "s3://exports/p", Zone: "eu-west-1a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Await(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Volume != "vol-9" {
		t.Fatalf("task was not handed to the runner: %+v", got)
	}
}

func TestLocalPropagatesFailure(t *testing.T) {
	l := &Local{Run: func(ctx context.Context, task Task) error {
		return errors.New("mount failed")
	}}
	id, _ := l.Submit(context.Background(), Task{Volume: "vol-9"})
	if err := l.Await(context.Background(), id); err == nil || !strings.Contains(err.Error(), "mount failed") {
		t.Fatalf("expected the runner error, got %v", err)
	}
}

func TestLocalUnknownID(t *testing.T) {
	l := &Local{}
	if err := l.Await(context.Background(), "local-missing"); err == nil {
		t.Fatal("expected an error for an unknown task id")
	}
}
