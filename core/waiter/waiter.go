// Package waiter blocks until a correlated event is observed on a ledger. Two
// strategies exist because the ledgers differ: chains with a native log filter
// are scanned by height range, while the origin chain is only reachable
// through an indexer that serves a recent, unordered window.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"xcallvote/chain"
	"xcallvote/core/events"
	"xcallvote/observability"
)

// ErrEventNotObserved is returned when the waiting budget is exhausted.
var ErrEventNotObserved = errors.New("waiter: event not observed")

// Request describes the event being waited for.
type Request struct {
	// Name labels the wait in logs and metrics. Defaults to the signature.
	Name string
	// Query filters candidates by signature, emitter and indexed values.
	Query events.Query
	// ID is the identifier that must appear at IDPosition of the indexed
	// tuple. Compared by numeric value, so hex and decimal both match.
	ID         string
	IDPosition int
	// Contract is the address whose logs the indexer serves. Defaults to
	// Query.Emitter.
	Contract string
	// FromHeight anchors a range scan. Zero starts at the head observed on
	// the first iteration.
	FromHeight uint64
}

func (r Request) label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Query.Signature
}

// query folds the identifier into the indexed filter.
func (r Request) query() events.Query {
	q := events.Query{Signature: r.Query.Signature, Emitter: r.Query.Emitter}
	q.Indexed = make(map[int][]string, len(r.Query.Indexed)+1)
	for pos, values := range r.Query.Indexed {
		q.Indexed[pos] = append([]string(nil), values...)
	}
	if r.ID != "" && r.IDPosition > 0 {
		q.Indexed[r.IDPosition] = []string{r.ID}
	}
	return q
}

// Waiter blocks until the requested event is observed or its budget runs out.
type Waiter interface {
	Wait(ctx context.Context, req Request) (events.Event, error)
}

// Option customises a waiter.
type Option func(*settings)

type settings struct {
	timeout  time.Duration
	interval time.Duration
	maxRange uint64
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
}

// WithTimeout sets the overall waiting budget.
func WithTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithPollInterval sets the pause between iterations.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxRange caps the number of heights covered by a single log query.
// Ignored by the indexer strategy.
func WithMaxRange(n uint64) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxRange = n
		}
	}
}

// WithClock injects the time source and sleep function.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newSettings(timeout, interval time.Duration, opts []Option) settings {
	s := settings{
		timeout:  timeout,
		interval: interval,
		maxRange: defaultMaxRange,
		now:      time.Now,
		sleep:    chain.SleepContext,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	return s
}

// budget tracks the deadline of one Wait call.
type budget struct {
	s        settings
	deadline time.Time
}

func (s settings) start() budget {
	return budget{s: s, deadline: s.now().Add(s.timeout)}
}

// pause sleeps until the next iteration. It returns ErrEventNotObserved when
// the deadline has been reached; the final sleep is trimmed so the waiter
// gives up exactly at the budget.
func (b budget) pause(ctx context.Context, strategy string, req Request) error {
	remaining := b.deadline.Sub(b.s.now())
	if remaining <= 0 {
		observability.XCall().RecordTimeout(strategy, req.label())
		return fmt.Errorf("%w: %s within %s", ErrEventNotObserved, req.label(), b.s.timeout)
	}
	wait := b.s.interval
	if remaining < wait {
		wait = remaining
	}
	return b.s.sleep(ctx, wait)
}
