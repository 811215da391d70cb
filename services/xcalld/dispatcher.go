package xcalld

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/google/uuid"

	"xcallvote/core/lifecycle"
)

var (
	// ErrQueueFull is returned when no more work can be accepted.
	ErrQueueFull = errors.New("xcalld: queue full")
	// ErrPaused is returned while the dispatcher is paused.
	ErrPaused = errors.New("xcalld: dispatcher paused")
)

// Runner drives lifecycles. *lifecycle.Controller satisfies it.
type Runner interface {
	RunWithID(ctx context.Context, id string, req lifecycle.Request) (*lifecycle.Lifecycle, error)
	Campaign(ctx context.Context, req lifecycle.CampaignRequest) (*lifecycle.CampaignResult, error)
}

// Job states reported before a lifecycle writes its first journal entry.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateDone    = "done"
	StateFailed  = "failed"
)

// CampaignStatus tracks one queued or finished campaign.
type CampaignStatus struct {
	ID        string                    `json:"id"`
	State     string                    `json:"state"`
	Request   CampaignRequest           `json:"request"`
	Result    *lifecycle.CampaignResult `json:"result,omitempty"`
	Error     string                    `json:"error,omitempty"`
	CreatedAt time.Time                 `json:"createdAt"`
	UpdatedAt time.Time                 `json:"updatedAt"`
}

// CampaignRequest is the admin API form of lifecycle.CampaignRequest.
type CampaignRequest struct {
	Method      string `json:"method"`
	UseRollback bool   `json:"useRollback"`
	MaxCalls    int    `json:"maxCalls"`
	Parallelism int    `json:"parallelism"`
}

// DispatcherStatus summarises the queue.
type DispatcherStatus struct {
	Paused  bool   `json:"paused"`
	Queued  int    `json:"queued"`
	Running string `json:"running,omitempty"`
}

const defaultCampaignHistory = 128

type job struct {
	id       string
	call     *lifecycle.Request
	campaign *CampaignRequest
}

// Dispatcher runs queued lifecycles and campaigns one at a time so that
// submissions from the same signing keys never interleave.
type Dispatcher struct {
	runner Runner
	logger *slog.Logger
	newID  func() string
	now    func() time.Time
	jobs   chan job

	mu        sync.Mutex
	paused    bool
	running   string
	pending   map[string]string
	campaigns map[string]*CampaignStatus
	// history keeps the most recent finished campaigns.
	historySize int
	history     *lru.Cache[string, *CampaignStatus]
}

// DispatcherOption customises the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithJobIDs overrides the job id generator.
func WithJobIDs(gen func() string) DispatcherOption {
	return func(d *Dispatcher) {
		if gen != nil {
			d.newID = gen
		}
	}
}

// WithDispatcherClock sets the function used to derive timestamps.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithCampaignHistory bounds how many finished campaigns stay queryable.
func WithCampaignHistory(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.historySize = n
		}
	}
}

// NewDispatcher accepts up to queueSize waiting jobs.
func NewDispatcher(runner Runner, queueSize int, opts ...DispatcherOption) *Dispatcher {
	if queueSize < 1 {
		queueSize = 1
	}
	d := &Dispatcher{
		runner:    runner,
		logger:    slog.Default(),
		newID:     uuid.NewString,
		now:       time.Now,
		jobs:      make(chan job, queueSize),
		pending:   make(map[string]string),
		campaigns: make(map[string]*CampaignStatus),

		historySize: defaultCampaignHistory,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.history = lru.NewCache[string, *CampaignStatus](d.historySize)
	return d
}

// EnqueueCall queues one lifecycle and returns its id.
func (d *Dispatcher) EnqueueCall(req lifecycle.Request) (string, error) {
	id := d.newID()
	if err := d.enqueue(job{id: id, call: &req}, func() { d.pending[id] = StateQueued }); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueCampaign queues a campaign and returns its id.
func (d *Dispatcher) EnqueueCampaign(req CampaignRequest) (string, error) {
	id := d.newID()
	now := d.now()
	err := d.enqueue(job{id: id, campaign: &req}, func() {
		d.campaigns[id] = &CampaignStatus{ID: id, State: StateQueued, Request: req, CreatedAt: now, UpdatedAt: now}
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d *Dispatcher) enqueue(j job, track func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return ErrPaused
	}
	select {
	case d.jobs <- j:
		track()
		return nil
	default:
		return ErrQueueFull
	}
}

// Pause stops accepting new work. Queued jobs still run.
func (d *Dispatcher) Pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// Resume accepts new work again.
func (d *Dispatcher) Resume() {
	d.mu.Lock()
	d.paused = false
	d.mu.Unlock()
}

// Status reports the queue depth and the job in flight.
func (d *Dispatcher) Status() DispatcherStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DispatcherStatus{Paused: d.paused, Queued: len(d.jobs), Running: d.running}
}

// CallState reports whether a lifecycle is still waiting in the queue or
// running. The second result is false once the job has left the dispatcher.
func (d *Dispatcher) CallState(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	state, ok := d.pending[strings.TrimSpace(id)]
	return state, ok
}

// Campaign returns a copy of the campaign status.
func (d *Dispatcher) Campaign(id string) (CampaignStatus, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id = strings.TrimSpace(id)
	status, ok := d.campaigns[id]
	if !ok {
		if status, ok = d.history.Peek(id); !ok {
			return CampaignStatus{}, false
		}
	}
	return *status, true
}

// Run processes jobs until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-d.jobs:
			d.process(ctx, j)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, j job) {
	d.mu.Lock()
	d.running = j.id
	if j.call != nil {
		d.pending[j.id] = StateRunning
	}
	if status, ok := d.campaigns[j.id]; ok {
		status.State = StateRunning
		status.UpdatedAt = d.now()
	}
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = ""
		delete(d.pending, j.id)
		d.mu.Unlock()
	}()

	logger := d.logger.With(slog.String("job", j.id))
	switch {
	case j.call != nil:
		lc, err := d.runner.RunWithID(ctx, j.id, *j.call)
		if err != nil {
			logger.Warn("lifecycle failed", slog.Any("error", err))
			return
		}
		logger.Info("lifecycle finished", slog.String("phase", string(lc.Phase)))
	case j.campaign != nil:
		result, err := d.runner.Campaign(ctx, lifecycle.CampaignRequest{
			Method:      j.campaign.Method,
			UseRollback: j.campaign.UseRollback,
			MaxCalls:    j.campaign.MaxCalls,
			Parallelism: j.campaign.Parallelism,
		})
		d.mu.Lock()
		status := d.campaigns[j.id]
		status.Result = result
		status.State = StateDone
		if err != nil {
			status.State = StateFailed
			status.Error = err.Error()
		}
		status.UpdatedAt = d.now()
		delete(d.campaigns, j.id)
		d.history.Add(j.id, status)
		d.mu.Unlock()
		if err != nil {
			logger.Warn("campaign failed", slog.Any("error", err))
			return
		}
		logger.Info("campaign finished", slog.String("reason", result.Reason), slog.Int("lifecycles", len(result.Lifecycles)))
	default:
		logger.Error("empty job", slog.String("error", fmt.Sprintf("job %s has no work", j.id)))
	}
}
