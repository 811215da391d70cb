// Package chain defines the capabilities the lifecycle controller needs from a
// ledger: submitting signed calls, reading receipts and contract state, and
// fetching event logs either by height range or from an indexer.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"xcallvote/core/events"
)

var (
	// ErrSubmissionRejected is returned when the node refuses to accept a
	// transaction broadcast.
	ErrSubmissionRejected = errors.New("chain: submission rejected")
	// ErrReceiptPending signals that a transaction result is not queryable yet.
	ErrReceiptPending = errors.New("chain: receipt pending")
	// ErrReceiptNotFound is returned once every receipt lookup attempt came back
	// pending. It is distinct from a receipt with Success == false.
	ErrReceiptNotFound = errors.New("chain: receipt not found")
	// ErrCallFailed wraps read-only contract call failures.
	ErrCallFailed = errors.New("chain: contract call failed")
)

// Arg is a named call argument. ICON encodes arguments by name, EVM chains by
// position, so both are kept.
type Arg struct {
	Name  string
	Value any
}

// Action describes a contract method invocation. Value is the native amount
// attached to the call and may be nil.
type Action struct {
	Contract string
	Method   string
	Args     []Arg
	Value    *big.Int
}

// ArgValues returns the argument values in declaration order.
func (a Action) ArgValues() []any {
	out := make([]any, 0, len(a.Args))
	for _, arg := range a.Args {
		out = append(out, arg.Value)
	}
	return out
}

func (a Action) String() string {
	return fmt.Sprintf("%s.%s", a.Contract, a.Method)
}

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Chain string `json:"chain"`
	Hash  string `json:"hash"`
}

func (h TxHandle) key() string {
	return h.Chain + "/" + strings.ToLower(h.Hash)
}

// Receipt is the result of an included transaction.
type Receipt struct {
	TxHash  string         `json:"txHash"`
	Success bool           `json:"success"`
	Height  uint64         `json:"height"`
	Logs    []events.Event `json:"logs"`
	// Failure carries the chain reported reason when Success is false.
	Failure string `json:"failure,omitempty"`
}

// Values holds the rendered outputs of a read-only call. Integers are decimal
// or 0x-prefixed hex depending on the chain.
type Values []string

// Int parses the output at i as an integer.
func (v Values) Int(i int) (*big.Int, error) {
	if i < 0 || i >= len(v) {
		return nil, fmt.Errorf("%w: output %d missing", ErrCallFailed, i)
	}
	parsed, err := events.ParseInt(v[i])
	if err != nil {
		return nil, fmt.Errorf("%w: output %d: %v", ErrCallFailed, i, err)
	}
	return parsed, nil
}

// BtpAddress renders the canonical cross-chain address of a contract.
func BtpAddress(label, address string) string {
	return "btp://" + strings.TrimSpace(label) + "/" + strings.TrimSpace(address)
}

// Client is the submit/read capability of a single ledger.
type Client interface {
	// Name returns the chain label used in logs, metrics and events.
	Name() string
	// Submit signs and broadcasts action.
	Submit(ctx context.Context, action Action) (TxHandle, error)
	// Receipt performs one lookup. It returns ErrReceiptPending when the
	// transaction is not yet queryable.
	Receipt(ctx context.Context, tx TxHandle) (*Receipt, error)
	// Call performs a read-only contract call.
	Call(ctx context.Context, action Action) (Values, error)
}

// LogQuerier reads logs by height range. Implemented by chains with a native
// filter API.
type LogQuerier interface {
	LatestHeight(ctx context.Context) (uint64, error)
	QueryLogs(ctx context.Context, q events.Query, from, to uint64) ([]events.Event, error)
}

// Indexer returns a best effort snapshot of the most recent logs emitted by a
// contract. Ordering and completeness are not guaranteed.
type Indexer interface {
	FetchRecentLogs(ctx context.Context, contract string) ([]events.Event, error)
}
