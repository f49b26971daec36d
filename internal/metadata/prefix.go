package metadata

import (
	"fmt"
	"strings"
	"time"
)

// ObjectPrefix builds the destination key prefix for one job:
//
//	<resource-arn flattened>/Y=YYYY/M=MM/D=DD/<jobID>
//
// The resource ARN's slash is folded into ":" so the whole ARN contributes a
// single key segment and prefixes group lexicographically by date. The result
// is a pure function of (arn, instant, jobID), so identical inputs always
// produce the same prefix and distinct jobs never collide.
func ObjectPrefix(resourceArn string, created time.Time, jobID string) string {
	flat := strings.ReplaceAll(resourceArn, "/", ":")
	u := created.UTC()
	return fmt.Sprintf("%s/Y=%04d/M=%02d/D=%02d/%s", flat, u.Year(), int(u.Month()), u.Day(), jobID)
}

// SnapshotID extracts the snapshot identifier from a recovery-point ARN:
// the trailing path segment, or the trailing colon segment for resource
// types whose ARNs carry no slash (RDS snapshot ARNs).
func SnapshotID(recoveryPointArn string) string {
	if i := strings.LastIndex(recoveryPointArn, "/"); i >= 0 {
		return recoveryPointArn[i+1:]
	}
	if i := strings.LastIndex(recoveryPointArn, ":"); i >= 0 {
		return recoveryPointArn[i+1:]
	}
	return recoveryPointArn
}

// resourceID extracts the resource id from an ARN's resource segment, e.g.
// "arn:aws:ec2:eu-west-1:111122223333:volume/vol-0abc" -> "vol-0abc".
func resourceID(arn string) string {
	return SnapshotID(arn)
}
