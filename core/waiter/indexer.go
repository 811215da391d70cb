package waiter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"xcallvote/chain"
	"xcallvote/core/events"
	"xcallvote/observability"
)

const (
	defaultIndexerTimeout  = 40 * time.Minute
	defaultIndexerInterval = 5 * time.Second
)

// IndexerPoller re-fetches the indexer's recent window on every tick. The
// window is unordered and may lag, so seeing a higher identifier than the one
// requested only means the indexer is converging.
type IndexerPoller struct {
	indexer chain.Indexer
	s       settings
}

// NewIndexerPoller builds an indexer poller. Defaults: 40m budget, 5s interval.
func NewIndexerPoller(indexer chain.Indexer, opts ...Option) *IndexerPoller {
	return &IndexerPoller{
		indexer: indexer,
		s:       newSettings(defaultIndexerTimeout, defaultIndexerInterval, opts),
	}
}

// Wait implements Waiter.
func (p *IndexerPoller) Wait(ctx context.Context, req Request) (events.Event, error) {
	if p == nil || p.indexer == nil {
		return events.Event{}, errors.New("indexer poller not configured")
	}
	contract := strings.TrimSpace(req.Contract)
	if contract == "" {
		contract = strings.TrimSpace(req.Query.Emitter)
	}
	if contract == "" {
		return events.Event{}, errors.New("indexer poller: contract required")
	}
	target, targetErr := events.NormalizeID(req.ID)
	q := req.query()
	b := p.s.start()
	metrics := observability.XCall()
	logger := p.s.logger.With(slog.String("event", req.label()), slog.String("strategy", "indexer"))

	converging := false
	for {
		if err := ctx.Err(); err != nil {
			return events.Event{}, err
		}
		metrics.RecordPoll("indexer", req.label())

		logs, err := p.indexer.FetchRecentLogs(ctx, contract)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return events.Event{}, ctxErr
			}
			logger.Warn("indexer fetch failed", slog.Any("error", err))
		} else {
			candidates := events.Filter(logs, q.Signature, q.Emitter)
			for _, evt := range candidates {
				if q.Matches(evt) {
					return evt, nil
				}
			}
			if !converging && targetErr == nil && req.IDPosition > 0 {
				if highest, ok := events.MaxIndexedID(candidates, req.IDPosition); ok && highest.Gt(target) {
					converging = true
					logger.Info("indexer converging",
						slog.String("want", events.FormatID(target)),
						slog.String("seen", events.FormatID(highest)))
				}
			}
		}

		if err := b.pause(ctx, "indexer", req); err != nil {
			if errors.Is(err, ErrEventNotObserved) {
				logger.Warn("event not observed", slog.Duration("timeout", p.s.timeout))
			}
			return events.Event{}, err
		}
	}
}
