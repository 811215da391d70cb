package xcalld

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xcallvote/core/lifecycle"
	"xcallvote/core/policy"
	"xcallvote/storage"
)

const testToken = "admin-secret"

type fakeRunner struct {
	mu        sync.Mutex
	journal   storage.Journal
	requests  []lifecycle.Request
	campaigns []lifecycle.CampaignRequest
	now       time.Time
}

func (f *fakeRunner) RunWithID(ctx context.Context, id string, req lifecycle.Request) (*lifecycle.Lifecycle, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.now = f.now.Add(time.Second)
	created := f.now
	f.mu.Unlock()
	lc := &lifecycle.Lifecycle{ID: id, Method: req.Method, SN: "12", Phase: lifecycle.PhaseCompleted, CreatedAt: created}
	if err := f.journal.Record(ctx, *lc); err != nil {
		return nil, err
	}
	return lc, nil
}

func (f *fakeRunner) Campaign(_ context.Context, req lifecycle.CampaignRequest) (*lifecycle.CampaignResult, error) {
	f.mu.Lock()
	f.campaigns = append(f.campaigns, req)
	f.mu.Unlock()
	if req.MaxCalls == 99 {
		return &lifecycle.CampaignResult{Reason: "policy_read"}, errors.New("counter read failed")
	}
	return &lifecycle.CampaignResult{Reason: "cap_reached", Final: &policy.State{Total: big.NewInt(10), Cap: big.NewInt(10)}}, nil
}

type fakePolicy struct {
	state policy.State
	err   error
}

func (f fakePolicy) Read(context.Context) (policy.State, error) { return f.state, f.err }

type harness struct {
	server     *Server
	dispatcher *Dispatcher
	runner     *fakeRunner
	journal    storage.Journal
}

func newHarness(t *testing.T, queueSize int, pol PolicyReader) *harness {
	t.Helper()
	journal := storage.NewKVJournal(storage.NewMemDB())
	runner := &fakeRunner{journal: journal, now: time.Unix(1_700_000_000, 0)}
	next := 0
	dispatcher := NewDispatcher(runner, queueSize, WithJobIDs(func() string {
		next++
		return fmt.Sprintf("job-%d", next)
	}))
	auth, err := NewAuthenticator(testToken)
	require.NoError(t, err)
	if pol == nil {
		pol = fakePolicy{state: policy.State{Total: big.NewInt(4), Cap: big.NewInt(10), Fields: map[string]*big.Int{"yes": big.NewInt(3), "no": big.NewInt(1)}}}
	}
	server, err := NewServer(ServerConfig{
		Dispatcher: dispatcher,
		Journal:    journal,
		Policy:     pol,
		Auth:       auth,
		Endpoints:  lifecycle.Endpoints{OriginLabel: "0x7.icon", DestinationLabel: "0xaa36a7.eth2"},
		Metrics:    http.NotFoundHandler(),
	})
	require.NoError(t, err)
	return &harness{server: server, dispatcher: dispatcher, runner: runner, journal: journal}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	return rec
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case j := <-h.dispatcher.jobs:
			h.dispatcher.process(context.Background(), j)
		default:
			return
		}
	}
}

func TestAuthenticationRequired(t *testing.T) {
	h := newHarness(t, 4, nil)

	rec := httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.server.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/v1/status", nil).Code)
}

func TestCallQueuedThenJournaled(t *testing.T) {
	h := newHarness(t, 4, nil)

	rec := h.do(t, http.MethodPost, "/v1/calls", map[string]any{"method": "voteNo", "useRollback": true, "fee": "0x10"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var queued accepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	require.Equal(t, accepted{ID: "job-1", State: StateQueued}, queued)

	rec = h.do(t, http.MethodGet, "/v1/calls/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"job-1","state":"queued"}`, rec.Body.String())

	h.drain(t)
	require.Len(t, h.runner.requests, 1)
	require.Equal(t, "voteNo", h.runner.requests[0].Method)
	require.True(t, h.runner.requests[0].UseRollback)
	require.Equal(t, int64(16), h.runner.requests[0].Fee.Int64())

	rec = h.do(t, http.MethodGet, "/v1/calls/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var lc lifecycle.Lifecycle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lc))
	require.Equal(t, lifecycle.PhaseCompleted, lc.Phase)
	require.Equal(t, "12", lc.SN)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/calls/unknown", nil).Code)
}

func TestCallValidation(t *testing.T) {
	h := newHarness(t, 4, nil)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/calls", map[string]any{"method": "transfer"}).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/calls", map[string]any{"fee": "-1"}).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/calls", map[string]any{"fee": "lots"}).Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/calls", map[string]any{"amount": 1}).Code)

	rec := h.do(t, http.MethodPost, "/v1/calls", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	h.drain(t)
	require.Equal(t, "voteYes", h.runner.requests[0].Method)
	require.Nil(t, h.runner.requests[0].Fee)
}

func TestQueueFullAndPaused(t *testing.T) {
	h := newHarness(t, 1, nil)

	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/calls", nil).Code)
	require.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/v1/calls", nil).Code)

	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/pause", nil).Code)
	h.drain(t)
	require.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/v1/calls", nil).Code)

	rec := h.do(t, http.MethodGet, "/v1/status", nil)
	require.Contains(t, rec.Body.String(), `"paused":true`)

	require.Equal(t, http.StatusNoContent, h.do(t, http.MethodPost, "/v1/resume", nil).Code)
	require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/calls", nil).Code)
}

func TestListCalls(t *testing.T) {
	h := newHarness(t, 8, nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusAccepted, h.do(t, http.MethodPost, "/v1/calls", nil).Code)
	}
	h.drain(t)

	rec := h.do(t, http.MethodGet, "/v1/calls?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Lifecycles []lifecycle.Lifecycle `json:"lifecycles"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Lifecycles, 2)
	require.Equal(t, "job-3", body.Lifecycles[0].ID)
	require.Equal(t, "job-2", body.Lifecycles[1].ID)

	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/calls?limit=zero", nil).Code)
}

func TestCampaignLifecycle(t *testing.T) {
	h := newHarness(t, 4, nil)

	rec := h.do(t, http.MethodPost, "/v1/campaigns", CampaignRequest{Method: "voteYes", MaxCalls: 5, Parallelism: 2})
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = h.do(t, http.MethodPost, "/v1/campaigns", CampaignRequest{MaxCalls: 99})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/v1/campaigns", CampaignRequest{MaxCalls: -1}).Code)

	status, ok := h.dispatcher.Campaign("job-1")
	require.True(t, ok)
	require.Equal(t, StateQueued, status.State)

	h.drain(t)
	require.Equal(t, []lifecycle.CampaignRequest{
		{Method: "voteYes", MaxCalls: 5, Parallelism: 2},
		{Method: "voteYes", MaxCalls: 99},
	}, h.runner.campaigns)

	rec = h.do(t, http.MethodGet, "/v1/campaigns/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var done CampaignStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	require.Equal(t, StateDone, done.State)
	require.Equal(t, "cap_reached", done.Result.Reason)

	rec = h.do(t, http.MethodGet, "/v1/campaigns/job-2", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	require.Equal(t, StateFailed, done.State)
	require.Equal(t, "counter read failed", done.Error)

	require.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/campaigns/missing", nil).Code)
}

func TestPolicyEndpoint(t *testing.T) {
	h := newHarness(t, 4, nil)
	rec := h.do(t, http.MethodGet, "/v1/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Total     *big.Int `json:"total"`
		Cap       *big.Int `json:"cap"`
		Breached  bool     `json:"breached"`
		Remaining *big.Int `json:"remaining"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, int64(4), body.Total.Int64())
	require.Equal(t, int64(10), body.Cap.Int64())
	require.False(t, body.Breached)
	require.Equal(t, int64(6), body.Remaining.Int64())

	failing := newHarness(t, 4, fakePolicy{err: policy.ErrPolicyRead})
	require.Equal(t, http.StatusBadGateway, failing.do(t, http.MethodGet, "/v1/policy", nil).Code)
}

func TestRateLimiterThrottlesPerClient(t *testing.T) {
	limiter := NewRateLimiter(60, 1)
	fixed := time.Unix(1_700_000_000, 0)
	limiter.clockNow = func() time.Time { return fixed }
	handler := limiter.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}
	require.Equal(t, http.StatusNoContent, call("10.0.0.1:1000"))
	require.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:1001"))
	require.Equal(t, http.StatusNoContent, call("10.0.0.2:1000"))

	fixed = fixed.Add(time.Second)
	require.Equal(t, http.StatusNoContent, call("10.0.0.1:1002"))
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.ErrorContains(t, err, "dispatcher required")
	_, err = NewAuthenticator(" ")
	require.Error(t, err)
}

func TestDispatcherKeepsBoundedCampaignHistory(t *testing.T) {
	runner := &fakeRunner{journal: storage.NewKVJournal(storage.NewMemDB())}
	next := 0
	dispatcher := NewDispatcher(runner, 4, WithCampaignHistory(2), WithJobIDs(func() string {
		next++
		return fmt.Sprintf("c-%d", next)
	}))
	for i := 0; i < 3; i++ {
		_, err := dispatcher.EnqueueCampaign(CampaignRequest{Method: "voteYes", MaxCalls: 1})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		dispatcher.process(context.Background(), <-dispatcher.jobs)
	}

	_, ok := dispatcher.Campaign("c-1")
	require.False(t, ok)
	for _, id := range []string{"c-2", "c-3"} {
		status, ok := dispatcher.Campaign(id)
		require.True(t, ok, id)
		require.Equal(t, StateDone, status.State)
	}
	require.Empty(t, dispatcher.campaigns)
}
