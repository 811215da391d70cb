package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xcallvote/chain"
	"xcallvote/core/events"
	"xcallvote/core/policy"
	"xcallvote/core/waiter"
)

var testEndpoints = Endpoints{
	OriginLabel:      "0x7.icon",
	OriginXCall:      "cxf4958b242a264fc11d7d8d95f79035e35b21c1bb",
	OriginDapp:       "cx3b0ba6b1d5bbe6fe4a1c2ee2e1cd1a5b16e1a8f5",
	DestinationLabel: "0xaa36a7.eth2",
	DestinationXCall: "0x694C1f5Fb4b81e730428490a1cE3dE6e32428637",
	DestinationDapp:  "0x597F73bfb3124B6145151E7a8A30b781C41FF2B0",
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// ledger simulates both chains and the relay between them.
type ledger struct {
	mu sync.Mutex

	nextSN           int64
	sendEventMissing bool
	relay            bool
	originActions    []chain.Action
	originReceipts   map[string]*chain.Receipt
	indexerLogs      []events.Event

	height         uint64
	blocks         map[uint64][]events.Event
	nextReqID      int64
	reqToSN        map[string]string
	yes, no        int64
	rejectAtCap    bool
	forceCode      string
	executeReverts bool
	destActions    []chain.Action
	destReceipts   map[string]*chain.Receipt
	txCount        int
}

func newLedger() *ledger {
	return &ledger{
		nextSN:         41,
		relay:          true,
		originReceipts: make(map[string]*chain.Receipt),
		height:         100,
		blocks:         make(map[uint64][]events.Event),
		nextReqID:      6,
		reqToSN:        make(map[string]string),
		rejectAtCap:    true,
		destReceipts:   make(map[string]*chain.Receipt),
	}
}

func (l *ledger) hash(prefix string) string {
	l.txCount++
	return fmt.Sprintf("0x%s%04d", prefix, l.txCount)
}

type originView struct{ *ledger }

func (o originView) Name() string { return "icon" }

func (o originView) Submit(_ context.Context, action chain.Action) (chain.TxHandle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.originActions = append(o.originActions, action)
	hash := o.hash("a")
	receipt := &chain.Receipt{TxHash: hash, Success: true, Height: 5000}
	switch action.Method {
	case "executeRollback":
		receipt.Logs = []events.Event{{
			Signature: events.RollbackExecuted.Signature,
			Emitter:   testEndpoints.OriginXCall,
			Indexed:   []string{events.RollbackExecuted.Signature, fmt.Sprint(action.Args[0].Value)},
			Data:      []string{"0x0", ""},
		}}
	default:
		o.nextSN++
		sn := fmt.Sprintf("0x%x", o.nextSN)
		if !o.sendEventMissing {
			receipt.Logs = []events.Event{{
				Signature: events.CallMessageSent.Signature,
				Emitter:   testEndpoints.OriginXCall,
				Indexed: []string{
					events.CallMessageSent.Signature,
					testEndpoints.OriginDapp,
					chain.BtpAddress(testEndpoints.DestinationLabel, testEndpoints.DestinationDapp),
					sn,
				},
				Data: []string{"0x1"},
			}}
		}
		if o.relay {
			o.nextReqID++
			reqID := fmt.Sprint(o.nextReqID)
			o.reqToSN[reqID] = sn
			o.height++
			snTopic, _ := events.TopicForID(sn)
			o.blocks[o.height] = append(o.blocks[o.height], events.Event{
				Signature: events.CallMessage.Signature,
				Emitter:   testEndpoints.DestinationXCall,
				Indexed: []string{
					events.CallMessage.Topic().Hex(),
					events.TopicForString(chain.BtpAddress(testEndpoints.OriginLabel, testEndpoints.OriginDapp)),
					events.TopicForString(testEndpoints.DestinationDapp),
					snTopic,
				},
				Data:   []string{reqID, "0x766f7465596573"},
				Height: o.height,
			})
		}
	}
	o.originReceipts[hash] = receipt
	return chain.TxHandle{Chain: "icon", Hash: hash}, nil
}

func (o originView) Receipt(_ context.Context, tx chain.TxHandle) (*chain.Receipt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.originReceipts[tx.Hash]; ok {
		return r, nil
	}
	return nil, chain.ErrReceiptPending
}

func (o originView) Call(_ context.Context, action chain.Action) (chain.Values, error) {
	if action.Method != "getFee" {
		return nil, fmt.Errorf("unexpected origin call %s", action.Method)
	}
	return chain.Values{"0x10"}, nil
}

func (o originView) FetchRecentLogs(_ context.Context, contract string) ([]events.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.Event(nil), o.indexerLogs...), nil
}

type destView struct{ *ledger }

func (d destView) Name() string { return "sepolia" }

func (d destView) Submit(_ context.Context, action chain.Action) (chain.TxHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destActions = append(d.destActions, action)
	hash := d.hash("b")
	if d.executeReverts {
		d.destReceipts[hash] = &chain.Receipt{TxHash: hash, Success: false, Failure: "execution reverted"}
		return chain.TxHandle{Chain: "sepolia", Hash: hash}, nil
	}
	reqID := fmt.Sprint(action.Args[0].Value)
	sn := d.reqToSN[reqID]
	code := "0"
	switch {
	case d.forceCode != "":
		code = d.forceCode
	case d.rejectAtCap && d.yes+d.no >= policy.DefaultCap:
		code = "-1"
	}
	if code == "0" {
		d.yes++
	} else {
		d.indexerLogs = append(d.indexerLogs,
			events.Event{
				Signature: events.ResponseMessage.Signature,
				Emitter:   testEndpoints.OriginXCall,
				Indexed:   []string{events.ResponseMessage.Signature, sn},
				Data:      []string{"-0x1", "cap reached"},
			},
			events.Event{
				Signature: events.RollbackMessage.Signature,
				Emitter:   testEndpoints.OriginXCall,
				Indexed:   []string{events.RollbackMessage.Signature, sn},
				Data:      []string{},
			})
	}
	d.height++
	idTopic, _ := events.TopicForID(reqID)
	d.blocks[d.height] = append(d.blocks[d.height], events.Event{
		Signature: events.CallExecuted.Signature,
		Emitter:   testEndpoints.DestinationXCall,
		Indexed:   []string{events.CallExecuted.Topic().Hex(), idTopic},
		Data:      []string{code, ""},
		Height:    d.height,
	})
	d.destReceipts[hash] = &chain.Receipt{TxHash: hash, Success: true, Height: d.height}
	return chain.TxHandle{Chain: "sepolia", Hash: hash}, nil
}

func (d destView) Receipt(_ context.Context, tx chain.TxHandle) (*chain.Receipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.destReceipts[tx.Hash]; ok {
		return r, nil
	}
	return nil, chain.ErrReceiptPending
}

func (d destView) Call(_ context.Context, action chain.Action) (chain.Values, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if action.Method != "getVotes" {
		return nil, fmt.Errorf("unexpected destination call %s", action.Method)
	}
	return chain.Values{fmt.Sprint(d.yes), fmt.Sprint(d.no)}, nil
}

func (d destView) LatestHeight(context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.height, nil
}

func (d destView) QueryLogs(_ context.Context, _ events.Query, from, to uint64) ([]events.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []events.Event
	for h := from; h <= to; h++ {
		out = append(out, d.blocks[h]...)
	}
	return out, nil
}

type memJournal struct {
	mu     sync.Mutex
	phases map[string][]Phase
}

func (j *memJournal) Record(_ context.Context, lc Lifecycle) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.phases == nil {
		j.phases = make(map[string][]Phase)
	}
	j.phases[lc.ID] = append(j.phases[lc.ID], lc.Phase)
	return nil
}

type harness struct {
	ctrl    *Controller
	clock   *fakeClock
	ledger  *ledger
	journal *memJournal
}

func newHarness(t *testing.T, l *ledger, cfg Config, adjust ...func(*Deps)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	origin := originView{l}
	dest := destView{l}
	checker, err := policy.NewChecker(dest, policy.Config{Contract: testEndpoints.DestinationDapp}, nil)
	require.NoError(t, err)
	noSleep := chain.WithReceiptSleep(func(context.Context, time.Duration) error { return nil })
	journal := &memJournal{}
	cfg.Endpoints = testEndpoints
	deps := Deps{
		Origin:             origin,
		Destination:        dest,
		DestinationWaiter:  waiter.NewRangePoller(dest, waiter.WithClock(clock.Now, clock.Sleep)),
		OriginWaiter:       waiter.NewIndexerPoller(origin, waiter.WithClock(clock.Now, clock.Sleep)),
		Policy:             checker,
		DestinationHeights: dest,
		OriginReceipts:     chain.NewReceiptPoller(origin, noSleep),
		DestReceipts:       chain.NewReceiptPoller(dest, noSleep),
		Journal:            journal,
	}
	for _, fn := range adjust {
		fn(&deps)
	}
	ctrl, err := NewController(deps, cfg, WithClock(clock.Now))
	require.NoError(t, err)
	return &harness{ctrl: ctrl, clock: clock, ledger: l, journal: journal}
}

func TestRunCompletesBelowCap(t *testing.T) {
	l := newLedger()
	l.yes, l.no = 3, 2
	h := newHarness(t, l, Config{})

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteYes", UseRollback: true})
	require.NoError(t, err)
	require.Equal(t, PhaseCompleted, lc.Phase)
	require.True(t, events.SameID(lc.SN, "42"))
	require.Equal(t, "0x2a", lc.SN)
	require.Equal(t, "7", lc.MessageID)
	require.False(t, lc.RollbackTriggered)
	require.False(t, lc.Visited(PhaseResponseObserved))
	require.Equal(t, "16", lc.Fee)

	require.Len(t, l.destActions, 1)
	exec := l.destActions[0]
	require.Equal(t, "executeCall", exec.Method)
	require.Equal(t, "7", exec.Args[0].Value)
	require.Equal(t, "0x766f7465596573", exec.Args[1].Value)
	require.Zero(t, big.NewInt(16).Cmp(l.originActions[0].Value))

	require.Equal(t,
		[]Phase{PhaseInitiated, PhaseSent, PhaseDelivered, PhaseExecuted, PhaseCompleted},
		h.journal.phases[lc.ID])
}

func TestRunTakesRollbackBranchAtCap(t *testing.T) {
	l := newLedger()
	l.yes, l.no = 6, 4
	h := newHarness(t, l, Config{})

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteNo", UseRollback: true})
	require.NoError(t, err)
	require.Equal(t, PhaseRollbackExecuted, lc.Phase)
	require.True(t, lc.RollbackTriggered)
	require.True(t, lc.Visited(PhaseExecuted))
	require.True(t, lc.Visited(PhaseResponseObserved))
	require.False(t, lc.Visited(PhaseCompleted))
	require.Equal(t, int64(10), lc.Policy.Total.Int64())
	require.True(t, events.SameID(lc.RollbackID, lc.SN))

	last := l.originActions[len(l.originActions)-1]
	require.Equal(t, "executeRollback", last.Method)
	require.Equal(t, testEndpoints.OriginXCall, last.Contract)
	require.Equal(t, lc.SN, last.Args[0].Value)
}

func TestRunRollsBackOnFailedExecutionCode(t *testing.T) {
	l := newLedger()
	l.forceCode = "-1"
	h := newHarness(t, l, Config{})

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteYes"})
	require.NoError(t, err)
	require.Equal(t, PhaseRollbackExecuted, lc.Phase)
	require.Equal(t, "-1", lc.ExecutionCode)
}

func TestRunAfterExecuteCheckpoint(t *testing.T) {
	l := newLedger()
	l.yes = 9
	l.rejectAtCap = false
	h := newHarness(t, l, Config{Checkpoint: CheckAfterExecute})
	// The vote lands and fills the cap. Nothing is rolled back on the origin,
	// so the rollback branch runs out of budget waiting for the response.

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteYes"})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrEventNotObserved)
	require.Equal(t, PhaseExecuted, lc.FailedIn)
	require.True(t, lc.RollbackTriggered)
}

func TestRunFailsWhenSendEventMissing(t *testing.T) {
	l := newLedger()
	l.sendEventMissing = true
	h := newHarness(t, l, Config{})

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteYes"})
	require.ErrorIs(t, err, ErrSendEventMissing)
	var phaseErr *PhaseError
	require.True(t, errors.As(err, &phaseErr))
	require.Equal(t, PhaseInitiated, phaseErr.Phase)
	require.Equal(t, PhaseFailed, lc.Phase)
	require.Equal(t, PhaseInitiated, lc.FailedIn)
	require.Equal(t, "send_event_missing", Kind(err))
	require.Empty(t, l.destActions)
}

func TestRunFailsOnExecutionRevert(t *testing.T) {
	l := newLedger()
	l.executeReverts = true
	h := newHarness(t, l, Config{})

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteYes"})
	require.ErrorIs(t, err, ErrExecutionReverted)
	require.Equal(t, PhaseDelivered, lc.FailedIn)
	require.Len(t, l.destActions, 1)
}

func TestRunTimesOutWithoutDelivery(t *testing.T) {
	l := newLedger()
	l.relay = false
	h := newHarness(t, l, Config{})
	start := h.clock.Now()

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteYes"})
	require.ErrorIs(t, err, ErrEventNotObserved)
	require.Equal(t, PhaseSent, lc.FailedIn)
	require.Equal(t, 30*time.Minute, h.clock.Now().Sub(start))
	require.Empty(t, lc.MessageID)
}

func TestNewControllerValidatesRollbackPosition(t *testing.T) {
	l := newLedger()
	dest := destView{l}
	checker, err := policy.NewChecker(dest, policy.Config{Contract: "0xdapp"}, nil)
	require.NoError(t, err)
	_, err = NewController(Deps{
		Origin:            originView{l},
		Destination:       dest,
		DestinationWaiter: waiter.NewRangePoller(dest),
		OriginWaiter:      waiter.NewIndexerPoller(originView{l}),
		Policy:            checker,
	}, Config{Endpoints: testEndpoints})
	require.ErrorContains(t, err, "destination height reader required")

	_, err = NewController(Deps{
		Origin:             originView{l},
		Destination:        dest,
		DestinationWaiter:  waiter.NewRangePoller(dest),
		OriginWaiter:       waiter.NewIndexerPoller(originView{l}),
		Policy:             checker,
		DestinationHeights: dest,
	}, Config{Endpoints: testEndpoints, RollbackIDPosition: 2})
	require.ErrorContains(t, err, "rollback id position")
}

type brokenHeights struct{}

func (brokenHeights) LatestHeight(context.Context) (uint64, error) {
	return 0, errors.New("rpc unavailable")
}

func TestRunFailsBeforeSubmitWithoutDeliveryAnchor(t *testing.T) {
	l := newLedger()
	h := newHarness(t, l, Config{}, func(d *Deps) { d.DestinationHeights = brokenHeights{} })

	lc, err := h.ctrl.Run(context.Background(), Request{Method: "voteYes"})
	require.ErrorIs(t, err, ErrDestinationHeight)
	require.Equal(t, "destination_height", Kind(err))
	require.Equal(t, PhaseFailed, lc.Phase)
	require.Equal(t, PhaseInitiated, lc.FailedIn)
	require.Empty(t, l.originActions)
	require.Empty(t, lc.OriginTx)
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(PhaseExecuted, PhaseCompleted))
	require.True(t, CanTransition(PhaseExecuted, PhaseResponseObserved))
	require.False(t, CanTransition(PhaseSent, PhaseExecuted))
	require.False(t, CanTransition(PhaseCompleted, PhaseFailed))
	require.True(t, CanTransition(PhaseSent, PhaseFailed))
}

func TestCampaignStopsAtCap(t *testing.T) {
	l := newLedger()
	l.yes, l.no = 6, 2
	h := newHarness(t, l, Config{})

	res, err := h.ctrl.Campaign(context.Background(), CampaignRequest{Method: "voteYes", UseRollback: true})
	require.NoError(t, err)
	require.Equal(t, "cap_reached", res.Reason)
	require.Len(t, res.Lifecycles, 2)
	for _, lc := range res.Lifecycles {
		require.Equal(t, PhaseCompleted, lc.Phase)
	}
	require.Equal(t, int64(10), res.Final.Total.Int64())
}

func TestCampaignParallelBatches(t *testing.T) {
	l := newLedger()
	l.yes = 4
	h := newHarness(t, l, Config{})

	res, err := h.ctrl.Campaign(context.Background(), CampaignRequest{Method: "voteYes", Parallelism: 3})
	require.NoError(t, err)
	require.Equal(t, "cap_reached", res.Reason)
	require.Len(t, res.Lifecycles, 6)
	seen := map[string]bool{}
	for _, lc := range res.Lifecycles {
		require.Equal(t, PhaseCompleted, lc.Phase)
		require.False(t, seen[lc.SN])
		seen[lc.SN] = true
	}
}

func TestCampaignRespectsMaxCalls(t *testing.T) {
	l := newLedger()
	h := newHarness(t, l, Config{})

	res, err := h.ctrl.Campaign(context.Background(), CampaignRequest{Method: "voteNo", MaxCalls: 1})
	require.NoError(t, err)
	require.Equal(t, "max_calls", res.Reason)
	require.Len(t, res.Lifecycles, 1)
}
