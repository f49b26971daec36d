package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/backup-export/internal/event"
	"github.com/rowjay/backup-export/internal/faults"
)

// Tag is a resource tag carried into the export descriptor.
type Tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// Snapshot is the enriched export descriptor derived 1:1 from a BackupJob.
type Snapshot struct {
	AvailabilityZone string             `json:"AvailabilityZone"`
	SnapshotArn      string             `json:"SnapshotArn"`
	SnapshotID       string             `json:"SnapshotId"`
	ResourceType     event.ResourceType `json:"ResourceType"`
	BackupVaultName  string             `json:"BackupVaultName"`
	ResourceArn      string             `json:"ResourceArn"`
	S3BucketName     string             `json:"S3BucketName"`
	S3Prefix         string             `json:"S3Prefix"`
	CreationDate     string             `json:"CreationDate"`
	Tags             []Tag              `json:"Tags"`
	Engine           string             `json:"Engine,omitempty"`
	JobID            string             `json:"JobId"`
}

type ec2Tags interface {
	DescribeTags(ctx context.Context, input *ec2.DescribeTagsInput, opts ...func(*ec2.Options)) (*ec2.DescribeTagsOutput, error)
}

type rdsSnapshots interface {
	DescribeDBSnapshots(ctx context.Context, input *rds.DescribeDBSnapshotsInput, opts ...func(*rds.Options)) (*rds.DescribeDBSnapshotsOutput, error)
	DescribeDBClusterSnapshots(ctx context.Context, input *rds.DescribeDBClusterSnapshotsInput, opts ...func(*rds.Options)) (*rds.DescribeDBClusterSnapshotsOutput, error)
	ListTagsForResource(ctx context.Context, input *rds.ListTagsForResourceInput, opts ...func(*rds.Options)) (*rds.ListTagsForResourceOutput, error)
}

type dynamoTags interface {
	ListTagsOfResource(ctx context.Context, input *dynamodb.ListTagsOfResourceInput, opts ...func(*dynamodb.Options)) (*dynamodb.ListTagsOfResourceOutput, error)
}

// IntSource yields bounded random ints; *rand.Rand satisfies it. Injected so
// tests can drive a deterministic sequence.
type IntSource interface {
	Intn(n int) int
}

// Resolver enriches a validated job into a Snapshot descriptor.
type Resolver struct {
	EC2    ec2Tags
	RDS    rdsSnapshots
	Dynamo dynamoTags

	Bucket string
	Zones  []string
	Rand   IntSource
}

// Resolve dispatches on resource type, fetches tags (and the engine for
// RDS/Aurora), picks an availability zone, and computes the storage path.
func (r *Resolver) Resolve(ctx context.Context, job *event.BackupJob) (*Snapshot, error) {
	if len(r.Zones) == 0 {
		return nil, fmt.Errorf("no availability zones configured")
	}

	snap := &Snapshot{
		AvailabilityZone: r.Zones[r.Rand.Intn(len(r.Zones))],
		SnapshotArn:      job.RecoveryPointArn,
		SnapshotID:       SnapshotID(job.RecoveryPointArn),
		ResourceType:     job.ResourceType,
		BackupVaultName:  job.VaultName,
		ResourceArn:      job.ResourceArn,
		S3BucketName:     r.Bucket,
		S3Prefix:         ObjectPrefix(job.ResourceArn, job.CreatedAt, job.JobID),
		CreationDate:     job.CreatedAt.UTC().Format(time.RFC3339),
		JobID:            job.JobID,
	}

	switch job.ResourceType {
	case event.ResourceEBS:
		tags, err := r.ebsTags(ctx, job.ResourceArn)
		if err != nil {
			return nil, err
		}
		snap.Tags = tags
	case event.ResourceRDS, event.ResourceAurora:
		engine, tags, err := r.rdsEngineAndTags(ctx, job)
		if err != nil {
			return nil, err
		}
		snap.Engine = engine
		snap.Tags = tags
	case event.ResourceDynamoDB:
		tags, err := r.dynamoTags(ctx, job.ResourceArn)
		if err != nil {
			return nil, err
		}
		snap.Tags = tags
	default:
		return nil, &faults.UnsupportedResourceTypeError{Type: string(job.ResourceType)}
	}
	return snap, nil
}

func (r *Resolver) ebsTags(ctx context.Context, resourceArn string) ([]Tag, error) {
	out, err := r.EC2.DescribeTags(ctx, &ec2.DescribeTagsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("resource-id"), Values: []string{resourceID(resourceArn)}},
		},
	})
	if err != nil {
		return nil, &faults.TransientProviderError{Op: "ec2 describe-tags", Err: err}
	}
	tags := make([]Tag, 0, len(out.Tags))
	for _, t := range out.Tags {
		tags = append(tags, Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return tags, nil
}

// rdsEngineAndTags fetches the snapshot descriptor and the tag list
// concurrently; both must succeed.
func (r *Resolver) rdsEngineAndTags(ctx context.Context, job *event.BackupJob) (string, []Tag, error) {
	var engine string
	var tags []Tag

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		if job.ResourceType == event.ResourceAurora {
			engine, err = r.clusterEngine(egCtx, job.RecoveryPointArn)
		} else {
			engine, err = r.instanceEngine(egCtx, job.RecoveryPointArn)
		}
		return err
	})
	eg.Go(func() error {
		out, err := r.RDS.ListTagsForResource(egCtx, &rds.ListTagsForResourceInput{
			ResourceName: aws.String(job.ResourceArn),
		})
		if err != nil {
			return &faults.TransientProviderError{Op: "rds list-tags-for-resource", Err: err}
		}
		tags = make([]Tag, 0, len(out.TagList))
		for _, t := range out.TagList {
			tags = append(tags, Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
		}
		return nil
	})
	if err := eg.Wait(); err != nil {
		return "", nil, err
	}
	return engine, tags, nil
}

func (r *Resolver) instanceEngine(ctx context.Context, snapshotArn string) (string, error) {
	out, err := r.RDS.DescribeDBSnapshots(ctx, &rds.DescribeDBSnapshotsInput{
		DBSnapshotIdentifier: aws.String(snapshotArn),
	})
	if err != nil {
		return "", &faults.TransientProviderError{Op: "rds describe-db-snapshots", Err: err}
	}
	if len(out.DBSnapshots) == 0 {
		return "", fmt.Errorf("no snapshot found for %s", snapshotArn)
	}
	return aws.ToString(out.DBSnapshots[0].Engine), nil
}

func (r *Resolver) clusterEngine(ctx context.Context, snapshotArn string) (string, error) {
	out, err := r.RDS.DescribeDBClusterSnapshots(ctx, &rds.DescribeDBClusterSnapshotsInput{
		DBClusterSnapshotIdentifier: aws.String(snapshotArn),
	})
	if err != nil {
		return "", &faults.TransientProviderError{Op: "rds describe-db-cluster-snapshots", Err: err}
	}
	if len(out.DBClusterSnapshots) == 0 {
		return "", fmt.Errorf("no cluster snapshot found for %s", snapshotArn)
	}
	return aws.ToString(out.DBClusterSnapshots[0].Engine), nil
}

func (r *Resolver) dynamoTags(ctx context.Context, resourceArn string) ([]Tag, error) {
	out, err := r.Dynamo.ListTagsOfResource(ctx, &dynamodb.ListTagsOfResourceInput{
		ResourceArn: aws.String(resourceArn),
	})
	if err != nil {
		return nil, &faults.TransientProviderError{Op: "dynamodb list-tags-of-resource", Err: err}
	}
	tags := make([]Tag, 0, len(out.Tags))
	for _, t := range out.Tags {
		tags = append(tags, Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return tags, nil
}
