package waiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"xcallvote/chain"
	"xcallvote/core/events"
	"xcallvote/observability"
)

const (
	defaultRangeTimeout  = 30 * time.Minute
	defaultRangeInterval = time.Second
	defaultMaxRange      = 500
)

// RangePoller scans a chain by height range. It keeps a checkpoint of the
// next unscanned height and only moves it past a window once every chunk of
// that window was queried without error, so a block is never skipped.
type RangePoller struct {
	querier chain.LogQuerier
	s       settings
}

// NewRangePoller builds a range poller. Defaults: 30m budget, 1s interval.
func NewRangePoller(querier chain.LogQuerier, opts ...Option) *RangePoller {
	return &RangePoller{
		querier: querier,
		s:       newSettings(defaultRangeTimeout, defaultRangeInterval, opts),
	}
}

// Wait implements Waiter.
func (p *RangePoller) Wait(ctx context.Context, req Request) (events.Event, error) {
	if p == nil || p.querier == nil {
		return events.Event{}, errors.New("range poller not configured")
	}
	q := req.query()
	b := p.s.start()
	metrics := observability.XCall()
	logger := p.s.logger.With(slog.String("event", req.label()), slog.String("strategy", "range"))

	next := req.FromHeight
	anchored := next > 0
	for {
		if err := ctx.Err(); err != nil {
			return events.Event{}, err
		}
		metrics.RecordPoll("range", req.label())

		head, err := p.querier.LatestHeight(ctx)
		switch {
		case err != nil:
			logger.Warn("latest height unavailable", slog.Any("error", err))
		case !anchored:
			next = head
			anchored = true
			fallthrough
		default:
			if head >= next {
				evt, found, scanErr := p.scan(ctx, q, next, head)
				if found {
					return evt, nil
				}
				if scanErr != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						return events.Event{}, ctxErr
					}
					logger.Warn("log query failed", slog.Uint64("from", next), slog.Uint64("to", head), slog.Any("error", scanErr))
				} else {
					next = head + 1
				}
			}
		}

		if err := b.pause(ctx, "range", req); err != nil {
			if errors.Is(err, ErrEventNotObserved) {
				logger.Warn("event not observed", slog.Duration("timeout", p.s.timeout), slog.Uint64("checkpoint", next))
			}
			return events.Event{}, err
		}
	}
}

// scan walks [from, to] in MaxRange sized chunks.
func (p *RangePoller) scan(ctx context.Context, q events.Query, from, to uint64) (events.Event, bool, error) {
	for start := from; start <= to; {
		end := start + p.s.maxRange - 1
		if end > to || end < start {
			end = to
		}
		logs, err := p.querier.QueryLogs(ctx, q, start, end)
		if err != nil {
			return events.Event{}, false, err
		}
		for _, evt := range logs {
			if q.Matches(evt) {
				return evt, true, nil
			}
		}
		if end == to {
			break
		}
		start = end + 1
	}
	return events.Event{}, false, nil
}
