package event

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/rowjay/backup-export/internal/faults"
)

type bucketHeader interface {
	HeadBucket(ctx context.Context, input *s3.HeadBucketInput, opts ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type callerIdentity interface {
	GetCallerIdentity(ctx context.Context, input *sts.GetCallerIdentityInput, opts ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// VerifyBucketOwnership confirms the destination bucket belongs to the
// calling account before anything is exported into it. A bucket squatted in
// another account under the expected name makes HeadBucket fail when the
// expected owner is pinned.
func VerifyBucketOwnership(ctx context.Context, s3c bucketHeader, stsc callerIdentity, bucket string) error {
	ident, err := stsc.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return &faults.TransientProviderError{Op: "sts get-caller-identity", Err: err}
	}
	account := aws.ToString(ident.Account)
	if account == "" {
		return fmt.Errorf("caller identity has no account id")
	}
	_, err = s3c.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket:              aws.String(bucket),
		ExpectedBucketOwner: aws.String(account),
	})
	if err != nil {
		return &faults.OwnershipError{Bucket: bucket, Account: account}
	}
	return nil
}
