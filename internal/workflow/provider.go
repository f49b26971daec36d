package workflow

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/backup"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
)

// Narrow provider surfaces so tests can fake exactly the calls the engine
// makes. The concrete SDK clients satisfy these.

type VolumeAPI interface {
	CreateVolume(ctx context.Context, input *ec2.CreateVolumeInput, opts ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	DescribeVolumes(ctx context.Context, input *ec2.DescribeVolumesInput, opts ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DeleteVolume(ctx context.Context, input *ec2.DeleteVolumeInput, opts ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	DetachVolume(ctx context.Context, input *ec2.DetachVolumeInput, opts ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
}

type RDSExportAPI interface {
	StartExportTask(ctx context.Context, input *rds.StartExportTaskInput, opts ...func(*rds.Options)) (*rds.StartExportTaskOutput, error)
	DescribeExportTasks(ctx context.Context, input *rds.DescribeExportTasksInput, opts ...func(*rds.Options)) (*rds.DescribeExportTasksOutput, error)
}

type DynamoExportAPI interface {
	ExportTableToPointInTime(ctx context.Context, input *dynamodb.ExportTableToPointInTimeInput, opts ...func(*dynamodb.Options)) (*dynamodb.ExportTableToPointInTimeOutput, error)
	DescribeExport(ctx context.Context, input *dynamodb.DescribeExportInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeExportOutput, error)
}

type RecoveryPointAPI interface {
	DeleteRecoveryPoint(ctx context.Context, input *backup.DeleteRecoveryPointInput, opts ...func(*backup.Options)) (*backup.DeleteRecoveryPointOutput, error)
}
