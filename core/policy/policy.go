// Package policy reads application state on the destination ledger and decides
// whether a call must take the rollback branch.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"xcallvote/chain"
	"xcallvote/observability"
)

// ErrPolicyRead is returned when the ledger state could not be read.
var ErrPolicyRead = errors.New("policy: state read failed")

// DefaultCap is the cap used when no cap method is configured.
const DefaultCap = 10

// State is a snapshot of the destination ledger. It is never cached; every
// decision point reads a fresh one.
type State struct {
	Total  *big.Int            `json:"total"`
	Cap    *big.Int            `json:"cap"`
	Fields map[string]*big.Int `json:"fields"`
}

// Breached reports whether the total has reached the cap.
func (s State) Breached() bool {
	if s.Total == nil || s.Cap == nil {
		return false
	}
	return s.Total.Cmp(s.Cap) >= 0
}

// Remaining returns how many units are left before the cap.
func (s State) Remaining() *big.Int {
	if s.Total == nil || s.Cap == nil {
		return new(big.Int)
	}
	left := new(big.Int).Sub(s.Cap, s.Total)
	if left.Sign() < 0 {
		return new(big.Int)
	}
	return left
}

// Caller performs read-only contract calls.
type Caller interface {
	Call(ctx context.Context, action chain.Action) (chain.Values, error)
}

// Config describes where the counters and the cap live.
type Config struct {
	// Contract is the destination dapp.
	Contract string
	// CountersMethod returns one integer per entry in Fields.
	CountersMethod string
	Fields         []string
	// CapMethod is optional; when empty StaticCap is used.
	CapMethod string
	StaticCap *big.Int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.CountersMethod) == "" {
		c.CountersMethod = "getVotes"
	}
	if len(c.Fields) == 0 {
		c.Fields = []string{"yes", "no"}
	}
	if c.StaticCap == nil {
		c.StaticCap = big.NewInt(DefaultCap)
	}
	return c
}

// Checker evaluates the cap policy.
type Checker struct {
	caller Caller
	cfg    Config
	logger *slog.Logger
}

// NewChecker builds a checker reading through caller.
func NewChecker(caller Caller, cfg Config, logger *slog.Logger) (*Checker, error) {
	if caller == nil {
		return nil, fmt.Errorf("policy caller required")
	}
	if strings.TrimSpace(cfg.Contract) == "" {
		return nil, fmt.Errorf("policy contract required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{caller: caller, cfg: cfg.withDefaults(), logger: logger}, nil
}

// Read fetches the counters and the cap.
func (c *Checker) Read(ctx context.Context) (State, error) {
	values, err := c.caller.Call(ctx, chain.Action{Contract: c.cfg.Contract, Method: c.cfg.CountersMethod})
	if err != nil {
		return State{}, fmt.Errorf("%w: %s: %v", ErrPolicyRead, c.cfg.CountersMethod, err)
	}
	state := State{Total: new(big.Int), Fields: make(map[string]*big.Int, len(c.cfg.Fields))}
	for i, field := range c.cfg.Fields {
		v, err := values.Int(i)
		if err != nil {
			return State{}, fmt.Errorf("%w: %s field %s: %v", ErrPolicyRead, c.cfg.CountersMethod, field, err)
		}
		state.Fields[field] = v
		state.Total.Add(state.Total, v)
	}

	if method := strings.TrimSpace(c.cfg.CapMethod); method != "" {
		capValues, err := c.caller.Call(ctx, chain.Action{Contract: c.cfg.Contract, Method: method})
		if err != nil {
			return State{}, fmt.Errorf("%w: %s: %v", ErrPolicyRead, method, err)
		}
		capValue, err := capValues.Int(0)
		if err != nil {
			return State{}, fmt.Errorf("%w: %s: %v", ErrPolicyRead, method, err)
		}
		state.Cap = capValue
	} else {
		state.Cap = new(big.Int).Set(c.cfg.StaticCap)
	}
	observability.XCall().RecordPolicy(state.Total, state.Cap)
	return state, nil
}

// Evaluate reads the state and reports whether the cap is breached.
func (c *Checker) Evaluate(ctx context.Context) (State, bool, error) {
	state, err := c.Read(ctx)
	if err != nil {
		return State{}, false, err
	}
	breached := state.Breached()
	c.logger.Debug("policy evaluated",
		slog.String("total", state.Total.String()),
		slog.String("cap", state.Cap.String()),
		slog.Bool("breached", breached))
	return state, breached, nil
}
