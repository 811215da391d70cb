package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubClient struct {
	pendingFor int
	calls      int
	receipt    *Receipt
	err        error
}

func (s *stubClient) Name() string { return "stub" }

func (s *stubClient) Submit(context.Context, Action) (TxHandle, error) {
	return TxHandle{}, errors.New("not implemented")
}

func (s *stubClient) Receipt(context.Context, TxHandle) (*Receipt, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.calls <= s.pendingFor {
		return nil, ErrReceiptPending
	}
	return s.receipt, nil
}

func (s *stubClient) Call(context.Context, Action) (Values, error) { return nil, nil }

func recordingSleep(slept *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return nil
	}
}

func TestReceiptPollerRetriesUntilFound(t *testing.T) {
	client := &stubClient{pendingFor: 3, receipt: &Receipt{TxHash: "0x01", Success: true}}
	var slept []time.Duration
	poller := NewReceiptPoller(client, WithReceiptSleep(recordingSleep(&slept)))

	receipt, err := poller.Await(context.Background(), TxHandle{Chain: "stub", Hash: "0x01"})
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Equal(t, 4, client.calls)
	require.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, slept)
}

func TestReceiptPollerExhaustsAttempts(t *testing.T) {
	client := &stubClient{pendingFor: 100}
	var slept []time.Duration
	poller := NewReceiptPoller(client, WithReceiptSleep(recordingSleep(&slept)))

	_, err := poller.Await(context.Background(), TxHandle{Hash: "0x02"})
	require.ErrorIs(t, err, ErrReceiptNotFound)
	require.Equal(t, 10, client.calls)
	require.Len(t, slept, 9)
}

func TestReceiptPollerDistinguishesFailedReceipt(t *testing.T) {
	client := &stubClient{receipt: &Receipt{TxHash: "0x03", Success: false, Failure: "reverted"}}
	poller := NewReceiptPoller(client, WithReceiptSleep(func(context.Context, time.Duration) error { return nil }))

	receipt, err := poller.Await(context.Background(), TxHandle{Hash: "0x03"})
	require.NoError(t, err)
	require.False(t, receipt.Success)
	require.Equal(t, "reverted", receipt.Failure)
}

func TestReceiptPollerMemoisesResult(t *testing.T) {
	client := &stubClient{receipt: &Receipt{TxHash: "0xAB", Success: true, Height: 9}}
	poller := NewReceiptPoller(client)

	first, err := poller.Await(context.Background(), TxHandle{Chain: "stub", Hash: "0xAB"})
	require.NoError(t, err)
	second, err := poller.Await(context.Background(), TxHandle{Chain: "stub", Hash: "0xab"})
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, client.calls)
}

func TestReceiptPollerStopsOnContextCancel(t *testing.T) {
	client := &stubClient{pendingFor: 100}
	ctx, cancel := context.WithCancel(context.Background())
	poller := NewReceiptPoller(client, WithReceiptSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := poller.Await(ctx, TxHandle{Hash: "0x04"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, client.calls)
}

func TestValuesInt(t *testing.T) {
	v := Values{"0x2a", "10"}
	n, err := v.Int(0)
	require.NoError(t, err)
	require.Equal(t, int64(42), n.Int64())
	_, err = v.Int(5)
	require.ErrorIs(t, err, ErrCallFailed)
}

func TestReceiptPollerCacheIsBounded(t *testing.T) {
	client := &stubClient{receipt: &Receipt{Success: true}}
	poller := NewReceiptPoller(client, WithReceiptCacheSize(1))
	ctx := context.Background()

	_, err := poller.Await(ctx, TxHandle{Chain: "stub", Hash: "0x0a"})
	require.NoError(t, err)
	_, err = poller.Await(ctx, TxHandle{Chain: "stub", Hash: "0x0a"})
	require.NoError(t, err)
	require.Equal(t, 1, client.calls)

	_, err = poller.Await(ctx, TxHandle{Chain: "stub", Hash: "0x0b"})
	require.NoError(t, err)
	_, err = poller.Await(ctx, TxHandle{Chain: "stub", Hash: "0x0a"})
	require.NoError(t, err)
	require.Equal(t, 3, client.calls)
}
