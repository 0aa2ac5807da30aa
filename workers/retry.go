package workers

import (
	"errors"

	"github.com/glamboyosa/queued/codec"
)

// Outcome is the disposition of a failed attempt.
type Outcome int

const (
	// OutcomeRetry requeues the job with an incremented retry count.
	OutcomeRetry Outcome = iota
	// OutcomeTerminal moves the job to failed and records a failed_jobs row.
	OutcomeTerminal
)

// Decide classifies a failed attempt. It is a pure function of the job's
// retry accounting and the error kind: tampered closures are always terminal;
// everything else retries while budget remains. The terminal transition
// happens at the attempt where retry_count+1 reaches max_retries, so the
// stored retry_count on a failed row may be smaller than max_retries.
func Decide(retryCount, maxRetries int, err error) Outcome {
	if errors.Is(err, codec.ErrTamperedClosure) {
		return OutcomeTerminal
	}
	if retryCount+1 < maxRetries {
		return OutcomeRetry
	}
	return OutcomeTerminal
}
