package lifecycle

import (
	"fmt"
	"time"

	"xcallvote/core/policy"
)

// Phase is a step of the call state machine.
type Phase string

const (
	PhaseInitiated        Phase = "Initiated"
	PhaseSent             Phase = "Sent"
	PhaseDelivered        Phase = "Delivered"
	PhaseExecuted         Phase = "Executed"
	PhaseCompleted        Phase = "Completed"
	PhaseResponseObserved Phase = "ResponseObserved"
	PhaseRollbackMessaged Phase = "RollbackMessaged"
	PhaseRollbackExecuted Phase = "RollbackExecuted"
	PhaseFailed           Phase = "Failed"
)

var transitions = map[Phase][]Phase{
	PhaseInitiated:        {PhaseSent},
	PhaseSent:             {PhaseDelivered},
	PhaseDelivered:        {PhaseExecuted},
	PhaseExecuted:         {PhaseCompleted, PhaseResponseObserved},
	PhaseResponseObserved: {PhaseRollbackMessaged},
	PhaseRollbackMessaged: {PhaseRollbackExecuted},
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseRollbackExecuted || p == PhaseFailed
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Phase) bool {
	if to == PhaseFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PhaseRecord stamps when a phase was reached.
type PhaseRecord struct {
	Phase Phase     `json:"phase"`
	At    time.Time `json:"at"`
}

// Lifecycle is one cross-chain call from origin submission to a terminal phase.
type Lifecycle struct {
	ID                  string        `json:"id"`
	Method              string        `json:"method"`
	SN                  string        `json:"sn,omitempty"`
	MessageID           string        `json:"messageId,omitempty"`
	Payload             string        `json:"payload,omitempty"`
	OriginContract      string        `json:"originContract"`
	DestinationContract string        `json:"destinationContract"`
	Phase               Phase         `json:"phase"`
	RollbackTriggered   bool          `json:"rollbackTriggered"`
	RollbackID          string        `json:"rollbackId,omitempty"`
	ExecutionCode       string        `json:"executionCode,omitempty"`
	Fee                 string        `json:"fee,omitempty"`
	OriginTx            string        `json:"originTx,omitempty"`
	ExecuteTx           string        `json:"executeTx,omitempty"`
	RollbackTx          string        `json:"rollbackTx,omitempty"`
	Policy              *policy.State `json:"policy,omitempty"`
	History             []PhaseRecord `json:"history"`
	FailedIn            Phase         `json:"failedIn,omitempty"`
	Error               string        `json:"error,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

func newLifecycle(id, method, origin, destination string, now time.Time) *Lifecycle {
	return &Lifecycle{
		ID:                  id,
		Method:              method,
		OriginContract:      origin,
		DestinationContract: destination,
		Phase:               PhaseInitiated,
		History:             []PhaseRecord{{Phase: PhaseInitiated, At: now}},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Visited reports whether the lifecycle ever reached phase.
func (l *Lifecycle) Visited(phase Phase) bool {
	for _, rec := range l.History {
		if rec.Phase == phase {
			return true
		}
	}
	return false
}

// Snapshot returns a deep enough copy for publishing outside the controller.
func (l *Lifecycle) Snapshot() Lifecycle {
	cp := *l
	cp.History = append([]PhaseRecord(nil), l.History...)
	if l.Policy != nil {
		state := *l.Policy
		cp.Policy = &state
	}
	return cp
}

func (l *Lifecycle) advance(to Phase, at time.Time) error {
	if !CanTransition(l.Phase, to) {
		return fmt.Errorf("lifecycle %s: illegal transition %s -> %s", l.ID, l.Phase, to)
	}
	l.Phase = to
	l.UpdatedAt = at
	l.History = append(l.History, PhaseRecord{Phase: to, At: at})
	return nil
}

func (l *Lifecycle) assignSN(sn string) error {
	if l.SN != "" {
		return fmt.Errorf("lifecycle %s: sn already assigned", l.ID)
	}
	l.SN = sn
	return nil
}

func (l *Lifecycle) assignMessageID(id, payload string) error {
	if l.MessageID != "" {
		return fmt.Errorf("lifecycle %s: message id already assigned", l.ID)
	}
	l.MessageID = id
	l.Payload = payload
	return nil
}

func (l *Lifecycle) fail(phaseErr *PhaseError, at time.Time) {
	l.FailedIn = phaseErr.Phase
	l.Error = phaseErr.Error()
	l.Phase = PhaseFailed
	l.UpdatedAt = at
	l.History = append(l.History, PhaseRecord{Phase: PhaseFailed, At: at})
}
