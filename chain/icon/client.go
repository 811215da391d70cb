// Package icon talks to ICON nodes over JSON-RPC v3: signed call
// transactions, transaction results and read-only calls.
package icon

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"xcallvote/chain"
	"xcallvote/core/events"
	"xcallvote/crypto"
	"xcallvote/observability"
)

const (
	// DefaultStepLimit bounds the steps of a call transaction.
	DefaultStepLimit = 20_000_000
	// DefaultNID is the Berlin testnet network id.
	DefaultNID     = 0x7
	txVersion      = 0x3
	defaultTimeout = 10 * time.Second
)

// Config tunes the client.
type Config struct {
	// Name labels the chain in events, logs and metrics.
	Name      string
	Endpoint  string
	NID       int64
	StepLimit int64
	Timeout   time.Duration
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.rpc.http = client
		}
	}
}

// WithClock overrides the timestamp source used in transactions.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Client signs call transactions with a single wallet. key may be nil for a
// read-only client.
type Client struct {
	cfg    Config
	rpc    *transport
	key    *crypto.PrivateKey
	from   string
	now    func() time.Time
	logger *slog.Logger

	// serialises submissions from one wallet
	mu sync.Mutex
}

// New constructs a Client.
func New(cfg Config, key *crypto.PrivateKey, opts ...Option) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("icon endpoint required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "icon"
	}
	if cfg.NID <= 0 {
		cfg.NID = DefaultNID
	}
	if cfg.StepLimit <= 0 {
		cfg.StepLimit = DefaultStepLimit
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:    cfg,
		rpc:    &transport{endpoint: endpoint, http: &http.Client{Timeout: cfg.Timeout}},
		key:    key,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With(slog.String("chain", cfg.Name))
	if key != nil {
		c.from = key.PubKey().ICONAddress()
	}
	return c, nil
}

// Name implements chain.Client.
func (c *Client) Name() string { return c.cfg.Name }

// Address returns the hx address of the signing wallet.
func (c *Client) Address() string { return c.from }

// Submit implements chain.Client.
func (c *Client) Submit(ctx context.Context, action chain.Action) (chain.TxHandle, error) {
	if c.key == nil {
		return chain.TxHandle{}, fmt.Errorf("%s: no signing key configured", c.cfg.Name)
	}
	if strings.TrimSpace(action.Contract) == "" || strings.TrimSpace(action.Method) == "" {
		return chain.TxHandle{}, fmt.Errorf("%s: contract and method required", c.cfg.Name)
	}
	params, err := c.buildTransaction(action)
	if err != nil {
		return chain.TxHandle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var hash string
	if err := c.rpc.call(ctx, sendTransactionMethod, params, &hash); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return chain.TxHandle{}, fmt.Errorf("%w: %s: %v", chain.ErrSubmissionRejected, action, err)
		}
		return chain.TxHandle{}, fmt.Errorf("submit %s: %w", action, err)
	}
	c.logger.Info("transaction submitted",
		slog.String("method", action.Method),
		slog.String("tx", hash))
	return chain.TxHandle{Chain: c.cfg.Name, Hash: hash}, nil
}

// buildTransaction assembles and signs the icx_sendTransaction params.
func (c *Client) buildTransaction(action chain.Action) (map[string]any, error) {
	args, err := encodeArgs(action.Args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	data := map[string]any{"method": action.Method}
	if len(args) > 0 {
		data["params"] = args
	}
	params := map[string]any{
		"version":   EncodeInt(big.NewInt(txVersion)),
		"from":      c.from,
		"to":        action.Contract,
		"stepLimit": EncodeInt(big.NewInt(c.cfg.StepLimit)),
		"timestamp": EncodeInt(big.NewInt(c.now().UnixMicro())),
		"nid":       EncodeInt(big.NewInt(c.cfg.NID)),
		"nonce":     EncodeInt(big.NewInt(1)),
		"dataType":  "call",
		"data":      data,
	}
	if action.Value != nil && action.Value.Sign() > 0 {
		params["value"] = EncodeInt(action.Value)
	}
	serialized, err := SerializeTransaction(params)
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", action, err)
	}
	sig, err := c.key.SignRecoverable(crypto.SHA3Sum256([]byte(serialized)))
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", action, err)
	}
	params["signature"] = base64.StdEncoding.EncodeToString(sig)
	return params, nil
}

type failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type transactionResult struct {
	Status      string            `json:"status"`
	BlockHeight string            `json:"blockHeight"`
	TxHash      string            `json:"txHash"`
	EventLogs   []json.RawMessage `json:"eventLogs"`
	Failure     *failure          `json:"failure"`
}

// Receipt implements chain.Client.
func (c *Client) Receipt(ctx context.Context, tx chain.TxHandle) (*chain.Receipt, error) {
	var result transactionResult
	err := c.rpc.call(ctx, "icx_getTransactionResult", map[string]any{"txHash": tx.Hash}, &result)
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) && rpcErr.pending() {
		return nil, chain.ErrReceiptPending
	}
	if err != nil {
		return nil, fmt.Errorf("fetch result %s: %w", tx.Hash, err)
	}
	height, err := parseUint(result.BlockHeight)
	if err != nil {
		return nil, fmt.Errorf("result %s: blockHeight: %w", tx.Hash, err)
	}
	decoded, failures := events.DecodeICONBatch(result.EventLogs, c.cfg.Name)
	observability.Events().RecordDecoded(c.cfg.Name, "receipt", len(decoded), len(failures))
	for _, f := range failures {
		c.logger.Warn("dropped undecodable log", slog.String("tx", tx.Hash), slog.Int("index", f.Index), slog.Any("error", f.Err))
	}
	out := &chain.Receipt{
		TxHash:  result.TxHash,
		Success: events.SameID(result.Status, "0x1"),
		Height:  height,
		Logs:    decoded,
	}
	if out.TxHash == "" {
		out.TxHash = tx.Hash
	}
	for i := range out.Logs {
		out.Logs[i].TxHash = out.TxHash
		out.Logs[i].Height = height
	}
	if !out.Success {
		out.Failure = "transaction failed"
		if result.Failure != nil {
			out.Failure = fmt.Sprintf("%s (code %s)", result.Failure.Message, result.Failure.Code)
		}
	}
	return out, nil
}

// Call implements chain.Client. A scalar result yields one value, a list one
// value per entry and an object its values in key order.
func (c *Client) Call(ctx context.Context, action chain.Action) (chain.Values, error) {
	args, err := encodeArgs(action.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", chain.ErrCallFailed, action, err)
	}
	data := map[string]any{"method": action.Method}
	if len(args) > 0 {
		data["params"] = args
	}
	params := map[string]any{
		"to":       action.Contract,
		"dataType": "call",
		"data":     data,
	}
	if c.from != "" {
		params["from"] = c.from
	}
	var raw json.RawMessage
	if err := c.rpc.call(ctx, "icx_call", params, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", chain.ErrCallFailed, action, err)
	}
	values, err := decodeCallResult(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", chain.ErrCallFailed, action, err)
	}
	return values, nil
}

func decodeCallResult(raw json.RawMessage) (chain.Values, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]events.Values
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(chain.Values, 0, len(keys))
		for _, k := range keys {
			out = append(out, fields[k]...)
		}
		return out, nil
	}
	var values events.Values
	if err := json.Unmarshal(trimmed, &values); err != nil {
		return nil, err
	}
	return chain.Values(values), nil
}

// LatestHeight returns the height of the last block.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	var block struct {
		Height blockHeight `json:"height"`
	}
	if err := c.rpc.call(ctx, "icx_getLastBlock", nil, &block); err != nil {
		return 0, fmt.Errorf("fetch last block: %w", err)
	}
	return uint64(block.Height), nil
}

// Balance returns the ICX balance of address in loop.
func (c *Client) Balance(ctx context.Context, address string) (*big.Int, error) {
	if strings.TrimSpace(address) == "" {
		address = c.from
	}
	var raw string
	if err := c.rpc.call(ctx, "icx_getBalance", map[string]any{"address": address}, &raw); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	return events.ParseInt(raw)
}

func parseUint(raw string) (uint64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	id, err := events.NormalizeID(raw)
	if err != nil {
		return 0, err
	}
	if !id.IsUint64() {
		return 0, fmt.Errorf("value %s overflows", raw)
	}
	return id.Uint64(), nil
}

// blockHeight accepts a height as a JSON number or a hex string.
type blockHeight uint64

func (n *blockHeight) UnmarshalJSON(raw []byte) error {
	v, err := parseUint(strings.Trim(string(raw), `"`))
	if err != nil {
		return err
	}
	*n = blockHeight(v)
	return nil
}
