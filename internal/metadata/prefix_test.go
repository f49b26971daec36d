package metadata

import (
	"testing"
	"time"
)

func TestObjectPrefixScenario(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	prefix := ObjectPrefix("arn:aws:ec2:us-east-1:123456789012:volume/vol-0123", created, "job-42")
	want := "arn:aws:ec2:us-east-1:123456789012:volume:vol-0123/Y=2023/M=11/D=14/job-42"
	if prefix != want {
		t.Fatalf("unexpected prefix:\n got %s\nwant %s", prefix, want)
	}
}

func TestObjectPrefixDeterministic(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	a := ObjectPrefix("arn:aws:ec2:eu-west-1:1:volume/vol-a", created, "job-1")
	b := ObjectPrefix("arn:aws:ec2:eu-west-1:1:volume/vol-a", created, "job-1")
	if a != b {
		t.Fatalf("identical inputs produced different prefixes: %s vs %s", a, b)
	}
}

func TestObjectPrefixUniquePerJob(t *testing.T) {
	created := time.Unix(1700000000, 0).UTC()
	seen := map[string]bool{}
	for _, jobID := range []string{"job-1", "job-2", "job-3"} {
		p := ObjectPrefix("arn:aws:ec2:eu-west-1:1:volume/vol-a", created, jobID)
		if seen[p] {
			t.Fatalf("prefix collision for %s: %s", jobID, p)
		}
		seen[p] = true
	}
	other := ObjectPrefix("arn:aws:ec2:eu-west-1:1:volume/vol-b", created, "job-1")
	if seen[other] {
		t.Fatalf("prefix collision across resources: %s", other)
	}
}

func TestSnapshotID(t *testing.T) {
	cases := []struct {
		arn  string
		want string
	}{
		{"arn:aws:ec2:us-east-1:123456789012:snapshot/snap-0123", "snap-0123"},
		{"arn:aws:rds:us-east-1:123456789012:snapshot:awsbackup:job-7", "job-7"},
		{"plain-id", "plain-id"},
	}
	for _, tc := range cases {
		if got := SnapshotID(tc.arn); got != tc.want {
			t.Fatalf("SnapshotID(%s) = %s, want %s", tc.arn, got, tc.want)
		}
	}
}
