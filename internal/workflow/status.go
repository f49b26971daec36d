package workflow

type pollOutcome int

const (
	pollWaiting pollOutcome = iota
	pollSucceeded
	pollFailed
)

// classifyRDSExport maps the RDS export-task status vocabulary. Anything
// outside the three known terminal-or-success strings keeps waiting.
func classifyRDSExport(status string) pollOutcome {
	switch status {
	case "COMPLETE":
		return pollSucceeded
	case "FAILED", "CANCELED":
		return pollFailed
	default:
		return pollWaiting
	}
}

// classifyDynamoExport maps the DynamoDB export status vocabulary. Unlike
// the RDS mapping, an unrecognized status fails the job immediately; the two
// vocabularies came with these defaults and unifying them would silently
// change failure behavior, so each keeps its own.
func classifyDynamoExport(status string) pollOutcome {
	switch status {
	case "COMPLETED":
		return pollSucceeded
	case "IN_PROGRESS":
		return pollWaiting
	default:
		return pollFailed
	}
}
