package lifecycle

import (
	"errors"
	"fmt"

	"xcallvote/chain"
	"xcallvote/core/policy"
	"xcallvote/core/waiter"
)

// Fatal conditions surfaced at the lifecycle boundary. The chain, waiter and
// policy sentinels are re-exported so callers only need this package.
var (
	ErrEventDecode        = errors.New("lifecycle: required event could not be decoded")
	ErrSubmissionRejected = chain.ErrSubmissionRejected
	ErrExecutionReverted  = errors.New("lifecycle: execution reverted")
	ErrEventNotObserved   = waiter.ErrEventNotObserved
	ErrReceiptNotFound    = chain.ErrReceiptNotFound
	ErrSendEventMissing   = errors.New("lifecycle: send event missing from receipt")
	ErrPolicyRead         = policy.ErrPolicyRead
	ErrDestinationHeight  = errors.New("lifecycle: destination height unavailable")
)

// PhaseError reports the phase a lifecycle failed in together with the step
// that was running.
type PhaseError struct {
	Phase Phase
	Op    string
	Err   error
}

func (e *PhaseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s (phase %s): %v", e.Op, e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Kind maps err onto one of the exported sentinels for reporting. It returns
// "unknown" for errors outside the taxonomy.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrSendEventMissing):
		return "send_event_missing"
	case errors.Is(err, ErrEventDecode):
		return "event_decode"
	case errors.Is(err, ErrSubmissionRejected):
		return "submission_rejected"
	case errors.Is(err, ErrExecutionReverted):
		return "execution_reverted"
	case errors.Is(err, ErrEventNotObserved):
		return "event_not_observed"
	case errors.Is(err, ErrReceiptNotFound):
		return "receipt_not_found"
	case errors.Is(err, ErrPolicyRead):
		return "policy_read"
	case errors.Is(err, ErrDestinationHeight):
		return "destination_height"
	default:
		return "unknown"
	}
}
