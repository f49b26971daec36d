package event

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rowjay/backup-export/internal/faults"
)

func validPayload() string {
	return `{
		"backupJobId": "job-42",
		"backupVaultName": "Default",
		"resourceType": "EBS",
		"resourceArn": "arn:aws:ec2:us-east-1:123456789012:volume/vol-0123",
		"recoveryPointArn": "arn:aws:ec2:us-east-1:123456789012:snapshot/snap-0123",
		"state": "COMPLETED",
		"creationDate": {"seconds": 1700000000, "nanos": 0}
	}`
}

func TestParseValid(t *testing.T) {
	job, err := Parse([]byte(validPayload()))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.JobID != "job-42" {
		t.Fatalf("unexpected job id: %s", job.JobID)
	}
	if job.ResourceType != ResourceEBS {
		t.Fatalf("unexpected resource type: %s", job.ResourceType)
	}
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	if !job.CreatedAt.Equal(want) {
		t.Fatalf("unexpected creation time: %s", job.CreatedAt)
	}
	if job.CreatedAt.Location() != time.UTC {
		t.Fatalf("creation time not UTC: %s", job.CreatedAt.Location())
	}
}

func TestParseRejectsNonCompleted(t *testing.T) {
	payload := strings.Replace(validPayload(), "COMPLETED", "RUNNING", 1)
	_, err := Parse([]byte(payload))
	var verr *faults.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Error(), "job-42") || !strings.Contains(verr.Error(), "RUNNING") {
		t.Fatalf("error should name the job and the actual state: %v", verr)
	}
}

func TestParseRejectsBadVaultName(t *testing.T) {
	for _, vault := range []string{"", "a", "has space", strings.Repeat("x", 51), "semi;colon"} {
		payload := strings.Replace(validPayload(), `"Default"`, `"`+vault+`"`, 1)
		_, err := Parse([]byte(payload))
		var verr *faults.ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("vault %q: expected ValidationError, got %v", vault, err)
		}
	}
}

func TestParseRejectsBadArn(t *testing.T) {
	payload := strings.Replace(validPayload(), "arn:aws:ec2:us-east-1:123456789012:volume/vol-0123", "not-an-arn", 1)
	_, err := Parse([]byte(payload))
	var verr *faults.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestParseRejectsNonNumericTimestamp(t *testing.T) {
	payload := strings.Replace(validPayload(), `"seconds": 1700000000`, `"seconds": 1700000000.5`, 1)
	_, err := Parse([]byte(payload))
	var verr *faults.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestParseRejectsUnknownResourceType(t *testing.T) {
	payload := strings.Replace(validPayload(), `"EBS"`, `"Unknown"`, 1)
	_, err := Parse([]byte(payload))
	var uerr *faults.UnsupportedResourceTypeError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnsupportedResourceTypeError, got %v", err)
	}
	if !strings.Contains(uerr.Error(), "Unknown") {
		t.Fatalf("error should name the invalid type: %v", uerr)
	}
}

func TestParseResourceTypeClosedSet(t *testing.T) {
	for _, s := range []string{"EBS", "Aurora", "RDS", "DynamoDB"} {
		if _, err := ParseResourceType(s); err != nil {
			t.Fatalf("%s should be accepted: %v", s, err)
		}
	}
	if _, err := ParseResourceType("EFS"); err == nil {
		t.Fatalf("expected rejection of EFS")
	}
}
