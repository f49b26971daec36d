package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rowjay/backup-export/internal/faults"
)

// ResourceType is the closed set of resources the exporter handles. Adding a
// value here is a compile-step checklist: the router and an export protocol
// must learn about it too.
type ResourceType string

const (
	ResourceEBS      ResourceType = "EBS"
	ResourceAurora   ResourceType = "Aurora"
	ResourceRDS      ResourceType = "RDS"
	ResourceDynamoDB ResourceType = "DynamoDB"
)

const stateCompleted = "COMPLETED"

var vaultNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{2,50}$`)

// Payload is the raw backup-completion notification.
type Payload struct {
	BackupJobID      string    `json:"backupJobId"`
	BackupVaultName  string    `json:"backupVaultName"`
	ResourceType     string    `json:"resourceType"`
	ResourceArn      string    `json:"resourceArn"`
	RecoveryPointArn string    `json:"recoveryPointArn"`
	State            string    `json:"state"`
	CreationDate     Timestamp `json:"creationDate"`
}

// Timestamp carries the seconds+nanos pair from the notifier.
type Timestamp struct {
	Seconds json.Number `json:"seconds"`
	Nanos   json.Number `json:"nanos"`
}

// BackupJob is the canonical unit of work. Immutable after validation.
type BackupJob struct {
	JobID            string
	VaultName        string
	ResourceType     ResourceType
	ResourceArn      string
	RecoveryPointArn string
	CreatedAt        time.Time
}

// Parse decodes and validates a raw completion event. Only COMPLETED jobs
// pass; everything else is a terminal ValidationError for that job.
func Parse(data []byte) (*BackupJob, error) {
	var p Payload
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&p); err != nil {
		return nil, &faults.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return p.Validate()
}

// Validate checks the payload and produces the immutable job record.
func (p Payload) Validate() (*BackupJob, error) {
	if p.BackupJobID == "" {
		return nil, &faults.ValidationError{Field: "backupJobId", Reason: "missing"}
	}
	if p.State != stateCompleted {
		return nil, &faults.ValidationError{
			JobID:  p.BackupJobID,
			Field:  "state",
			Reason: fmt.Sprintf("job %s is in state %s, expected %s", p.BackupJobID, p.State, stateCompleted),
		}
	}
	if !vaultNamePattern.MatchString(p.BackupVaultName) {
		return nil, &faults.ValidationError{
			JobID:  p.BackupJobID,
			Field:  "backupVaultName",
			Reason: fmt.Sprintf("%q does not match %s", p.BackupVaultName, vaultNamePattern.String()),
		}
	}
	rt, err := ParseResourceType(p.ResourceType)
	if err != nil {
		return nil, err
	}
	if err := validateArn(p.ResourceArn); err != nil {
		return nil, &faults.ValidationError{JobID: p.BackupJobID, Field: "resourceArn", Reason: err.Error()}
	}
	if err := validateArn(p.RecoveryPointArn); err != nil {
		return nil, &faults.ValidationError{JobID: p.BackupJobID, Field: "recoveryPointArn", Reason: err.Error()}
	}
	seconds, err := p.CreationDate.Seconds.Int64()
	if err != nil {
		return nil, &faults.ValidationError{JobID: p.BackupJobID, Field: "creationDate.seconds", Reason: "not numeric"}
	}
	nanos, err := p.CreationDate.Nanos.Int64()
	if err != nil {
		return nil, &faults.ValidationError{JobID: p.BackupJobID, Field: "creationDate.nanos", Reason: "not numeric"}
	}
	return &BackupJob{
		JobID:            p.BackupJobID,
		VaultName:        p.BackupVaultName,
		ResourceType:     rt,
		ResourceArn:      p.ResourceArn,
		RecoveryPointArn: p.RecoveryPointArn,
		CreatedAt:        time.Unix(seconds, nanos).UTC(),
	}, nil
}

// ParseResourceType maps the wire string onto the closed enum.
func ParseResourceType(s string) (ResourceType, error) {
	switch ResourceType(s) {
	case ResourceEBS, ResourceAurora, ResourceRDS, ResourceDynamoDB:
		return ResourceType(s), nil
	default:
		return "", &faults.UnsupportedResourceTypeError{Type: s}
	}
}

// validateArn checks ARN syntax: arn:partition:service:region:account:resource.
func validateArn(arn string) error {
	if !strings.HasPrefix(arn, "arn:") {
		return fmt.Errorf("%q is not an ARN", arn)
	}
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 || parts[1] == "" || parts[2] == "" || parts[5] == "" {
		return fmt.Errorf("%q is not a valid ARN", arn)
	}
	return nil
}
