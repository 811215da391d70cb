package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"

	"xcallvote/observability"
)

const (
	defaultReceiptAttempts  = 10
	defaultReceiptDelay     = time.Second
	defaultReceiptCacheSize = 1024
)

// ReceiptPoller waits for transaction receipts with a fixed attempt budget.
// Found receipts are memoised in a bounded LRU so a repeated Await returns the
// same result without touching the chain.
type ReceiptPoller struct {
	client   Client
	attempts int
	delay    time.Duration
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger

	cacheSize int
	mu        sync.Mutex
	cache     *lru.Cache[string, *Receipt]
}

// ReceiptOption customises a ReceiptPoller.
type ReceiptOption func(*ReceiptPoller)

// WithReceiptAttempts overrides the attempt budget.
func WithReceiptAttempts(n int) ReceiptOption {
	return func(p *ReceiptPoller) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithReceiptDelay overrides the pause between attempts.
func WithReceiptDelay(d time.Duration) ReceiptOption {
	return func(p *ReceiptPoller) {
		if d >= 0 {
			p.delay = d
		}
	}
}

// WithReceiptSleep injects the sleep used between attempts.
func WithReceiptSleep(sleep func(context.Context, time.Duration) error) ReceiptOption {
	return func(p *ReceiptPoller) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithReceiptCacheSize bounds how many receipts stay memoised.
func WithReceiptCacheSize(n int) ReceiptOption {
	return func(p *ReceiptPoller) {
		if n > 0 {
			p.cacheSize = n
		}
	}
}

// WithReceiptLogger sets the logger.
func WithReceiptLogger(logger *slog.Logger) ReceiptOption {
	return func(p *ReceiptPoller) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewReceiptPoller builds a poller for client.
func NewReceiptPoller(client Client, opts ...ReceiptOption) *ReceiptPoller {
	p := &ReceiptPoller{
		client:    client,
		attempts:  defaultReceiptAttempts,
		delay:     defaultReceiptDelay,
		sleep:     SleepContext,
		logger:    slog.Default(),
		cacheSize: defaultReceiptCacheSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.cache = lru.NewCache[string, *Receipt](p.cacheSize)
	return p
}

// Await returns the receipt for tx. ErrReceiptNotFound is returned once the
// attempt budget is spent while the transaction was still pending or the node
// kept failing the lookup.
func (p *ReceiptPoller) Await(ctx context.Context, tx TxHandle) (*Receipt, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("receipt poller not configured")
	}
	if cached := p.cached(tx); cached != nil {
		return cached, nil
	}
	metrics := observability.XCall()
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		receipt, err := p.client.Receipt(ctx, tx)
		switch {
		case err == nil && receipt != nil:
			metrics.RecordReceiptAttempt(p.client.Name(), "found")
			return p.store(tx, receipt), nil
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case err == nil, errors.Is(err, ErrReceiptPending):
			metrics.RecordReceiptAttempt(p.client.Name(), "pending")
		default:
			metrics.RecordReceiptAttempt(p.client.Name(), "error")
			lastErr = err
			p.logger.Warn("receipt lookup failed",
				slog.String("chain", p.client.Name()),
				slog.String("tx", tx.Hash),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
		}
		if attempt == p.attempts {
			break
		}
		if err := p.sleep(ctx, p.delay); err != nil {
			return nil, err
		}
	}
	metrics.RecordReceiptAttempt(p.client.Name(), "exhausted")
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrReceiptNotFound, tx.Hash, p.attempts, lastErr)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrReceiptNotFound, tx.Hash, p.attempts)
}

func (p *ReceiptPoller) cached(tx TxHandle) *Receipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	receipt, _ := p.cache.Get(tx.key())
	return receipt
}

func (p *ReceiptPoller) store(tx TxHandle, receipt *Receipt) *Receipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.cache.Get(tx.key()); ok {
		return existing
	}
	p.cache.Add(tx.key(), receipt)
	return receipt
}

// SleepContext pauses for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
