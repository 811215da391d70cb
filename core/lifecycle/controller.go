// Package lifecycle drives a cross-chain call from the origin submission
// through delivery and execution on the destination, and back through the
// rollback path when the destination rejects the effect.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"xcallvote/chain"
	"xcallvote/core/events"
	"xcallvote/core/policy"
	"xcallvote/core/waiter"
	"xcallvote/observability"
)

// Checkpoint selects when the cap policy is evaluated.
type Checkpoint string

const (
	// CheckBeforeSubmit reads the policy before the origin submission.
	CheckBeforeSubmit Checkpoint = "before_submit"
	// CheckAfterExecute reads the policy once the call executed.
	CheckAfterExecute Checkpoint = "after_execute"
)

// Endpoints names the contracts on both ledgers.
type Endpoints struct {
	OriginLabel      string
	OriginXCall      string
	OriginDapp       string
	DestinationLabel string
	DestinationXCall string
	DestinationDapp  string
}

// OriginBtpAddress is the cross-chain address of the origin dapp.
func (e Endpoints) OriginBtpAddress() string {
	return chain.BtpAddress(e.OriginLabel, e.OriginDapp)
}

func (e Endpoints) validate() error {
	for name, v := range map[string]string{
		"origin label":      e.OriginLabel,
		"origin xcall":      e.OriginXCall,
		"origin dapp":       e.OriginDapp,
		"destination label": e.DestinationLabel,
		"destination xcall": e.DestinationXCall,
		"destination dapp":  e.DestinationDapp,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s required", name)
		}
	}
	return nil
}

// Evaluator decides the rollback branch.
type Evaluator interface {
	Evaluate(ctx context.Context) (policy.State, bool, error)
}

// HeightReader reports the latest destination height.
type HeightReader interface {
	LatestHeight(ctx context.Context) (uint64, error)
}

// Journal persists lifecycle snapshots on every transition.
type Journal interface {
	Record(ctx context.Context, lc Lifecycle) error
}

// Deps carries the collaborators of a Controller.
type Deps struct {
	Origin      chain.Client
	Destination chain.Client
	// DestinationWaiter observes CallMessage and CallExecuted.
	DestinationWaiter waiter.Waiter
	// OriginWaiter observes ResponseMessage and RollbackMessage.
	OriginWaiter waiter.Waiter
	Policy       Evaluator
	// DestinationHeights anchors the delivery scan at the height seen before
	// the origin submission.
	DestinationHeights HeightReader
	OriginReceipts     *chain.ReceiptPoller
	DestReceipts       *chain.ReceiptPoller
	Journal            Journal
}

// Config tunes a Controller.
type Config struct {
	Endpoints Endpoints
	// RollbackIDPosition is where RollbackMessage carries its own identifier
	// in the indexed tuple. Defaults to 1 and is validated against the event
	// schema.
	RollbackIDPosition int
	Checkpoint         Checkpoint
}

// Request starts one lifecycle.
type Request struct {
	// Method is the origin dapp method, voteYes or voteNo.
	Method string
	// UseRollback requests a fee covering the rollback path.
	UseRollback bool
	// Fee overrides the fee read from the origin xCall.
	Fee *big.Int
}

// Option customises a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithIDGenerator overrides lifecycle id generation.
func WithIDGenerator(gen func() string) Option {
	return func(c *Controller) {
		if gen != nil {
			c.newID = gen
		}
	}
}

// Controller runs lifecycles. It keeps no per-lifecycle state, so Run may be
// called concurrently as long as the chain clients serialise submissions.
type Controller struct {
	deps       Deps
	cfg        Config
	rollbackAt int
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *observability.XCallMetrics
}

// NewController validates the wiring and builds a controller.
func NewController(deps Deps, cfg Config, opts ...Option) (*Controller, error) {
	if deps.Origin == nil || deps.Destination == nil {
		return nil, fmt.Errorf("origin and destination clients required")
	}
	if deps.DestinationWaiter == nil || deps.OriginWaiter == nil {
		return nil, fmt.Errorf("origin and destination waiters required")
	}
	if deps.Policy == nil {
		return nil, fmt.Errorf("policy evaluator required")
	}
	if deps.DestinationHeights == nil {
		return nil, fmt.Errorf("destination height reader required")
	}
	if err := cfg.Endpoints.validate(); err != nil {
		return nil, err
	}
	pos := cfg.RollbackIDPosition
	if pos == 0 {
		pos = 1
	}
	if err := events.RollbackMessage.ValidateIndexed("_sn", pos); err != nil {
		return nil, fmt.Errorf("rollback id position: %w", err)
	}
	switch cfg.Checkpoint {
	case "":
		cfg.Checkpoint = CheckBeforeSubmit
	case CheckBeforeSubmit, CheckAfterExecute:
	default:
		return nil, fmt.Errorf("unknown policy checkpoint %q", cfg.Checkpoint)
	}
	if deps.OriginReceipts == nil {
		deps.OriginReceipts = chain.NewReceiptPoller(deps.Origin)
	}
	if deps.DestReceipts == nil {
		deps.DestReceipts = chain.NewReceiptPoller(deps.Destination)
	}
	c := &Controller{
		deps:       deps,
		cfg:        cfg,
		rollbackAt: pos,
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     slog.Default(),
		tracer:     otel.Tracer("xcallvote/lifecycle"),
		metrics:    observability.XCall(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Endpoints returns the configured contracts.
func (c *Controller) Endpoints() Endpoints {
	return c.cfg.Endpoints
}

// run carries the state of one Run call.
type run struct {
	c      *Controller
	lc     *Lifecycle
	logger *slog.Logger
	last   time.Time
}

// Run drives one lifecycle to a terminal phase. The returned lifecycle is
// always non-nil; on failure its Phase is Failed and the error is a
// *PhaseError naming the phase.
func (c *Controller) Run(ctx context.Context, req Request) (*Lifecycle, error) {
	return c.RunWithID(ctx, c.newID(), req)
}

// RunWithID is Run with a caller chosen lifecycle id.
func (c *Controller) RunWithID(ctx context.Context, id string, req Request) (*Lifecycle, error) {
	method := strings.TrimSpace(req.Method)
	if method == "" {
		method = "voteYes"
	}
	ends := c.cfg.Endpoints
	now := c.now()
	lc := newLifecycle(id, method, ends.OriginDapp, ends.DestinationDapp, now)
	r := &run{
		c:      c,
		lc:     lc,
		logger: c.logger.With(slog.String("lifecycle", id), slog.String("method", method)),
		last:   now,
	}

	ctx, span := c.tracer.Start(ctx, "xcall.lifecycle", trace.WithAttributes(
		attribute.String("lifecycle.id", id),
		attribute.String("lifecycle.method", method),
	))
	defer span.End()

	r.journal(ctx)
	err := r.drive(ctx, req)
	if err != nil {
		var phaseErr *PhaseError
		if !errors.As(err, &phaseErr) {
			phaseErr = &PhaseError{Phase: lc.Phase, Op: "run", Err: err}
			err = phaseErr
		}
		lc.fail(phaseErr, c.now())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("lifecycle failed",
			slog.String("phase", string(phaseErr.Phase)),
			slog.String("op", phaseErr.Op),
			slog.String("kind", Kind(err)),
			slog.Any("error", phaseErr.Err))
		c.metrics.RecordFinished(string(PhaseFailed), string(phaseErr.Phase))
		r.journal(ctx)
		return lc, err
	}
	span.SetAttributes(attribute.String("lifecycle.sn", lc.SN), attribute.String("lifecycle.phase", string(lc.Phase)))
	span.SetStatus(codes.Ok, string(lc.Phase))
	c.metrics.RecordFinished(string(lc.Phase), "")
	r.logger.Info("lifecycle finished", slog.String("phase", string(lc.Phase)), slog.String("sn", lc.SN))
	return lc, nil
}

func (r *run) drive(ctx context.Context, req Request) error {
	c := r.c
	if c.cfg.Checkpoint == CheckBeforeSubmit {
		if err := r.evaluatePolicy(ctx); err != nil {
			return err
		}
	}

	// Nothing is submitted without an anchor: scanning from a later head
	// could miss a fast relay.
	anchor, err := c.deps.DestinationHeights.LatestHeight(ctx)
	if err != nil {
		return &PhaseError{Phase: r.lc.Phase, Op: "read destination height", Err: fmt.Errorf("%w: %v", ErrDestinationHeight, err)}
	}

	if err := r.send(ctx, req); err != nil {
		return err
	}
	deliveredAt, err := r.deliver(ctx, anchor)
	if err != nil {
		return err
	}
	if err := r.execute(ctx, deliveredAt); err != nil {
		return err
	}

	if c.cfg.Checkpoint == CheckAfterExecute {
		if err := r.evaluatePolicy(ctx); err != nil {
			return err
		}
	}
	if !r.lc.RollbackTriggered {
		return r.transition(ctx, PhaseCompleted)
	}

	if err := r.awaitResponse(ctx); err != nil {
		return err
	}
	if err := r.awaitRollback(ctx); err != nil {
		return err
	}
	return r.executeRollback(ctx)
}

func (r *run) evaluatePolicy(ctx context.Context) error {
	ctx, span := r.c.tracer.Start(ctx, "xcall.policy")
	defer span.End()
	state, breached, err := r.c.deps.Policy.Evaluate(ctx)
	if err != nil {
		return r.phaseErr(span, "read policy", err)
	}
	r.lc.Policy = &state
	if breached {
		r.lc.RollbackTriggered = true
		r.logger.Info("policy cap reached, taking rollback branch",
			slog.String("total", state.Total.String()),
			slog.String("cap", state.Cap.String()))
	}
	return nil
}

// send submits the origin vote and correlates CallMessageSent in the receipt.
func (r *run) send(ctx context.Context, req Request) error {
	c := r.c
	ends := c.cfg.Endpoints
	ctx, span := c.tracer.Start(ctx, "xcall.send")
	defer span.End()

	fee := req.Fee
	if fee == nil {
		values, err := c.deps.Origin.Call(ctx, chain.Action{
			Contract: ends.OriginXCall,
			Method:   "getFee",
			Args: []chain.Arg{
				{Name: "_net", Value: ends.DestinationLabel},
				{Name: "_rollback", Value: req.UseRollback},
			},
		})
		if err == nil {
			fee, err = values.Int(0)
		}
		if err != nil {
			return r.phaseErr(span, "read fee", err)
		}
	}
	r.lc.Fee = fee.String()

	tx, err := c.deps.Origin.Submit(ctx, chain.Action{Contract: ends.OriginDapp, Method: r.lc.Method, Value: fee})
	if err != nil {
		return r.phaseErr(span, "submit origin call", err)
	}
	r.lc.OriginTx = tx.Hash
	receipt, err := c.deps.OriginReceipts.Await(ctx, tx)
	if err != nil {
		return r.phaseErr(span, "await origin receipt", err)
	}
	if !receipt.Success {
		return r.phaseErr(span, "origin call", fmt.Errorf("%w: %s", ErrExecutionReverted, receipt.Failure))
	}

	sent := events.Filter(receipt.Logs, events.CallMessageSent.Signature, ends.OriginXCall)
	if len(sent) == 0 {
		return r.phaseErr(span, "correlate send event", fmt.Errorf("%w: tx %s", ErrSendEventMissing, tx.Hash))
	}
	pos, _ := events.CallMessageSent.IndexedPosition("_sn")
	sn, ok := sent[0].IndexedAt(pos)
	if !ok {
		return r.phaseErr(span, "correlate send event", fmt.Errorf("%w: CallMessageSent without _sn", ErrEventDecode))
	}
	if _, err := events.NormalizeID(sn); err != nil {
		return r.phaseErr(span, "correlate send event", fmt.Errorf("%w: _sn %q: %v", ErrEventDecode, sn, err))
	}
	if err := r.lc.assignSN(sn); err != nil {
		return r.phaseErr(span, "correlate send event", err)
	}
	span.SetAttributes(attribute.String("lifecycle.sn", sn))
	r.logger = r.logger.With(slog.String("sn", sn))
	return r.transition(ctx, PhaseSent)
}

// deliver waits for CallMessage on the destination and extracts the request id.
func (r *run) deliver(ctx context.Context, anchor uint64) (uint64, error) {
	c := r.c
	ends := c.cfg.Endpoints
	ctx, span := c.tracer.Start(ctx, "xcall.deliver")
	defer span.End()

	snPos, _ := events.CallMessage.IndexedPosition("_sn")
	fromPos, _ := events.CallMessage.IndexedPosition("_from")
	toPos, _ := events.CallMessage.IndexedPosition("_to")
	evt, err := c.deps.DestinationWaiter.Wait(ctx, waiter.Request{
		Name: events.CallMessage.Name,
		Query: events.Query{
			Signature: events.CallMessage.Signature,
			Emitter:   ends.DestinationXCall,
			Indexed: map[int][]string{
				fromPos: {events.TopicForString(ends.OriginBtpAddress())},
				toPos:   addressTopics(ends.DestinationDapp),
			},
		},
		ID:         r.lc.SN,
		IDPosition: snPos,
		FromHeight: anchor,
	})
	if err != nil {
		return 0, r.phaseErr(span, "await call message", err)
	}

	reqPos, _ := events.CallMessage.DataPosition("_reqId")
	dataPos, _ := events.CallMessage.DataPosition("_data")
	reqID, okID := evt.DataAt(reqPos)
	payload, okData := evt.DataAt(dataPos)
	if !okID || !okData {
		return 0, r.phaseErr(span, "decode call message", fmt.Errorf("%w: CallMessage data %v", ErrEventDecode, evt.Data))
	}
	id, err := events.NormalizeID(reqID)
	if err != nil {
		return 0, r.phaseErr(span, "decode call message", fmt.Errorf("%w: _reqId %q: %v", ErrEventDecode, reqID, err))
	}
	if err := r.lc.assignMessageID(id.Dec(), payload); err != nil {
		return 0, r.phaseErr(span, "decode call message", err)
	}
	span.SetAttributes(attribute.String("lifecycle.message_id", r.lc.MessageID))
	r.logger = r.logger.With(slog.String("messageId", r.lc.MessageID))
	return evt.Height, r.transition(ctx, PhaseDelivered)
}

// execute submits executeCall and waits for CallExecuted.
func (r *run) execute(ctx context.Context, deliveredAt uint64) error {
	c := r.c
	ends := c.cfg.Endpoints
	ctx, span := c.tracer.Start(ctx, "xcall.execute")
	defer span.End()

	if r.lc.MessageID == "" {
		return r.phaseErr(span, "execute call", fmt.Errorf("%w: message id missing", ErrEventDecode))
	}
	tx, err := c.deps.Destination.Submit(ctx, chain.Action{
		Contract: ends.DestinationXCall,
		Method:   "executeCall",
		Args: []chain.Arg{
			{Name: "_reqId", Value: r.lc.MessageID},
			{Name: "_data", Value: r.lc.Payload},
		},
	})
	if err != nil {
		return r.phaseErr(span, "execute call", err)
	}
	r.lc.ExecuteTx = tx.Hash
	receipt, err := c.deps.DestReceipts.Await(ctx, tx)
	if err != nil {
		return r.phaseErr(span, "execute call", err)
	}
	if !receipt.Success {
		return r.phaseErr(span, "execute call", fmt.Errorf("%w: %s", ErrExecutionReverted, receipt.Failure))
	}

	from := receipt.Height
	if from == 0 {
		from = deliveredAt
	}
	idPos, _ := events.CallExecuted.IndexedPosition("_reqId")
	evt, err := c.deps.DestinationWaiter.Wait(ctx, waiter.Request{
		Name:       events.CallExecuted.Name,
		Query:      events.Query{Signature: events.CallExecuted.Signature, Emitter: ends.DestinationXCall},
		ID:         r.lc.MessageID,
		IDPosition: idPos,
		FromHeight: from,
	})
	if err != nil {
		return r.phaseErr(span, "await call executed", err)
	}
	codePos, _ := events.CallExecuted.DataPosition("_code")
	if raw, ok := evt.DataAt(codePos); ok {
		r.lc.ExecutionCode = raw
		code, err := events.ParseInt(raw)
		if err != nil {
			return r.phaseErr(span, "decode call executed", fmt.Errorf("%w: _code %q: %v", ErrEventDecode, raw, err))
		}
		if code.Sign() != 0 {
			msgPos, _ := events.CallExecuted.DataPosition("_msg")
			msg, _ := evt.DataAt(msgPos)
			r.lc.RollbackTriggered = true
			r.logger.Info("destination rejected call, taking rollback branch",
				slog.String("code", code.String()), slog.String("reason", msg))
		}
	}
	return r.transition(ctx, PhaseExecuted)
}

func (r *run) awaitResponse(ctx context.Context) error {
	c := r.c
	ctx, span := c.tracer.Start(ctx, "xcall.response")
	defer span.End()
	pos, _ := events.ResponseMessage.IndexedPosition("_sn")
	if _, err := c.deps.OriginWaiter.Wait(ctx, waiter.Request{
		Name:       events.ResponseMessage.Name,
		Query:      events.Query{Signature: events.ResponseMessage.Signature, Emitter: c.cfg.Endpoints.OriginXCall},
		ID:         r.lc.SN,
		IDPosition: pos,
	}); err != nil {
		return r.phaseErr(span, "await response message", err)
	}
	return r.transition(ctx, PhaseResponseObserved)
}

func (r *run) awaitRollback(ctx context.Context) error {
	c := r.c
	ctx, span := c.tracer.Start(ctx, "xcall.rollback_message")
	defer span.End()
	pos, _ := events.RollbackMessage.IndexedPosition("_sn")
	evt, err := c.deps.OriginWaiter.Wait(ctx, waiter.Request{
		Name:       events.RollbackMessage.Name,
		Query:      events.Query{Signature: events.RollbackMessage.Signature, Emitter: c.cfg.Endpoints.OriginXCall},
		ID:         r.lc.SN,
		IDPosition: pos,
	})
	if err != nil {
		return r.phaseErr(span, "await rollback message", err)
	}
	id, ok := evt.IndexedAt(c.rollbackAt)
	if !ok {
		return r.phaseErr(span, "decode rollback message", fmt.Errorf("%w: no indexed value at %d", ErrEventDecode, c.rollbackAt))
	}
	if _, err := events.NormalizeID(id); err != nil {
		return r.phaseErr(span, "decode rollback message", fmt.Errorf("%w: rollback id %q: %v", ErrEventDecode, id, err))
	}
	r.lc.RollbackID = id
	return r.transition(ctx, PhaseRollbackMessaged)
}

func (r *run) executeRollback(ctx context.Context) error {
	c := r.c
	ctx, span := c.tracer.Start(ctx, "xcall.execute_rollback")
	defer span.End()
	tx, err := c.deps.Origin.Submit(ctx, chain.Action{
		Contract: c.cfg.Endpoints.OriginXCall,
		Method:   "executeRollback",
		Args:     []chain.Arg{{Name: "_sn", Value: r.lc.RollbackID}},
	})
	if err != nil {
		return r.phaseErr(span, "execute rollback", err)
	}
	r.lc.RollbackTx = tx.Hash
	receipt, err := c.deps.OriginReceipts.Await(ctx, tx)
	if err != nil {
		return r.phaseErr(span, "execute rollback", err)
	}
	if !receipt.Success {
		return r.phaseErr(span, "execute rollback", fmt.Errorf("%w: %s", ErrExecutionReverted, receipt.Failure))
	}
	if executed := events.Filter(receipt.Logs, events.RollbackExecuted.Signature, c.cfg.Endpoints.OriginXCall); len(executed) == 0 {
		r.logger.Warn("rollback receipt carries no RollbackExecuted event", slog.String("tx", tx.Hash))
	}
	return r.transition(ctx, PhaseRollbackExecuted)
}

func (r *run) transition(ctx context.Context, to Phase) error {
	now := r.c.now()
	if err := r.lc.advance(to, now); err != nil {
		return &PhaseError{Phase: r.lc.Phase, Op: "transition", Err: err}
	}
	r.c.metrics.ObservePhase(string(to), now.Sub(r.last))
	r.last = now
	r.logger.Info("lifecycle advanced", slog.String("phase", string(to)))
	r.journal(ctx)
	return nil
}

func (r *run) phaseErr(span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return &PhaseError{Phase: r.lc.Phase, Op: op, Err: err}
}

func (r *run) journal(ctx context.Context) {
	if r.c.deps.Journal == nil {
		return
	}
	if err := r.c.deps.Journal.Record(ctx, r.lc.Snapshot()); err != nil {
		r.logger.Warn("journal write failed", slog.Any("error", err))
	}
}

// addressTopics lists the topics an indexed address string may have been
// emitted as, since the origin dapp forwards the address in whatever case it
// was configured with.
func addressTopics(address string) []string {
	trimmed := strings.TrimSpace(address)
	variants := []string{trimmed, strings.ToLower(trimmed)}
	if common.IsHexAddress(trimmed) {
		variants = append(variants, common.HexToAddress(trimmed).Hex())
	}
	seen := make(map[string]struct{}, len(variants))
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, events.TopicForString(v))
	}
	return out
}
