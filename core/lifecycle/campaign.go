package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"xcallvote/core/policy"
)

// CampaignRequest repeats a vote until the destination cap is reached.
type CampaignRequest struct {
	Method      string
	UseRollback bool
	// MaxCalls bounds the number of lifecycles started. Zero means no bound
	// other than the cap.
	MaxCalls int
	// Parallelism is the number of lifecycles run at once. Values below two
	// run them one after another.
	Parallelism int
}

// CampaignResult summarises a campaign.
type CampaignResult struct {
	Lifecycles []Lifecycle   `json:"lifecycles"`
	Final      *policy.State `json:"final,omitempty"`
	Reason     string        `json:"reason"`
}

// Campaign reads the policy, runs a batch of lifecycles sized to the room left
// under the cap and repeats until the cap is reached, MaxCalls is spent or a
// lifecycle fails. Lifecycles in the same batch are correlated by their own
// sn, so running them together cannot conflate their events.
func (c *Controller) Campaign(ctx context.Context, req CampaignRequest) (*CampaignResult, error) {
	parallel := req.Parallelism
	if parallel < 1 {
		parallel = 1
	}
	result := &CampaignResult{}
	var mu sync.Mutex
	started := 0
	for {
		if err := ctx.Err(); err != nil {
			result.Reason = "cancelled"
			return result, err
		}
		state, breached, err := c.deps.Policy.Evaluate(ctx)
		if err != nil {
			result.Reason = "policy_read"
			return result, &PhaseError{Phase: PhaseInitiated, Op: "campaign policy", Err: err}
		}
		result.Final = &state
		if breached {
			result.Reason = "cap_reached"
			return result, nil
		}
		if req.MaxCalls > 0 && started >= req.MaxCalls {
			result.Reason = "max_calls"
			return result, nil
		}

		batch := parallel
		if remaining := state.Remaining(); remaining.IsInt64() && remaining.Int64() < int64(batch) {
			batch = int(remaining.Int64())
		}
		if req.MaxCalls > 0 && req.MaxCalls-started < batch {
			batch = req.MaxCalls - started
		}
		if batch < 1 {
			batch = 1
		}
		c.logger.Info("campaign batch",
			slog.Int("size", batch),
			slog.String("total", state.Total.String()),
			slog.String("cap", state.Cap.String()))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(parallel)
		for i := 0; i < batch; i++ {
			g.Go(func() error {
				lc, err := c.Run(gctx, Request{Method: req.Method, UseRollback: req.UseRollback})
				mu.Lock()
				result.Lifecycles = append(result.Lifecycles, lc.Snapshot())
				mu.Unlock()
				return err
			})
		}
		started += batch
		if err := g.Wait(); err != nil {
			result.Reason = "lifecycle_failed"
			return result, fmt.Errorf("campaign: %w", err)
		}
	}
}
