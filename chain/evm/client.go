// Package evm implements the chain capabilities against an Ethereum JSON-RPC
// node through go-ethereum's ethclient.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"xcallvote/chain"
	"xcallvote/core/events"
	"xcallvote/crypto"
	"xcallvote/observability"
)

// Backend is the subset of the Ethereum RPC used by the client.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Config tunes the client.
type Config struct {
	// Name labels the chain in events, logs and metrics.
	Name    string
	ChainID *big.Int
	// GasLimit is used as is when set; otherwise gas is estimated with a 20%
	// margin.
	GasLimit  uint64
	GasTipCap *big.Int
	// ABI overrides the bundled contract ABI.
	ABI string
}

// Client signs and submits transactions with a single credential. Submissions
// are serialised so the locally tracked nonce stays consistent.
type Client struct {
	backend Backend
	cfg     Config
	key     *crypto.PrivateKey
	from    common.Address
	abi     abi.ABI
	decoder *events.EVMDecoder
	signer  gethtypes.Signer
	logger  *slog.Logger

	mu    sync.Mutex
	nonce *uint64
}

// Dial connects to endpoint and resolves the chain id when not configured.
func Dial(ctx context.Context, endpoint string, cfg Config, key *crypto.PrivateKey, logger *slog.Logger) (*Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	backend, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Name, err)
	}
	if cfg.ChainID == nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			backend.Close()
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
		cfg.ChainID = id
	}
	return New(backend, cfg, key, logger)
}

// New wraps an existing backend. key may be nil for a read-only client.
func New(backend Backend, cfg Config, key *crypto.PrivateKey, logger *slog.Logger) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("evm backend required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("evm chain id required")
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "evm"
	}
	source := cfg.ABI
	if strings.TrimSpace(source) == "" {
		source = ContractsABI
	}
	parsed, err := abi.JSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		backend: backend,
		cfg:     cfg,
		key:     key,
		abi:     parsed,
		decoder: events.NewEVMDecoderFromABI(parsed),
		signer:  gethtypes.LatestSignerForChainID(cfg.ChainID),
		logger:  logger.With(slog.String("chain", cfg.Name)),
	}
	if key != nil {
		c.from = key.PubKey().EVMAddress()
	}
	return c, nil
}

// Name implements chain.Client.
func (c *Client) Name() string { return c.cfg.Name }

// Address returns the signing account.
func (c *Client) Address() common.Address { return c.from }

// Submit implements chain.Client.
func (c *Client) Submit(ctx context.Context, action chain.Action) (chain.TxHandle, error) {
	if c.key == nil {
		return chain.TxHandle{}, fmt.Errorf("%s: no signing key configured", c.cfg.Name)
	}
	if !common.IsHexAddress(action.Contract) {
		return chain.TxHandle{}, fmt.Errorf("%s: invalid contract address %q", c.cfg.Name, action.Contract)
	}
	data, err := c.pack(action)
	if err != nil {
		return chain.TxHandle{}, err
	}
	to := common.HexToAddress(action.Contract)
	value := new(big.Int)
	if action.Value != nil {
		value.Set(action.Value)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nonce, err := c.nextNonce(ctx)
	if err != nil {
		return chain.TxHandle{}, err
	}
	tip := c.cfg.GasTipCap
	if tip == nil {
		if tip, err = c.backend.SuggestGasTipCap(ctx); err != nil {
			return chain.TxHandle{}, fmt.Errorf("suggest gas tip: %w", err)
		}
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		estimate, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Value: value, Data: data})
		if err != nil {
			return chain.TxHandle{}, fmt.Errorf("%w: %s: estimate gas: %v", chain.ErrSubmissionRejected, action, err)
		}
		gas = estimate + estimate/5
	}

	tx, err := gethtypes.SignNewTx(c.key.PrivateKey, c.signer, &gethtypes.DynamicFeeTx{
		ChainID:   c.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("sign %s: %w", action, err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		c.nonce = nil
		return chain.TxHandle{}, fmt.Errorf("%w: %s: %v", chain.ErrSubmissionRejected, action, err)
	}
	next := nonce + 1
	c.nonce = &next
	c.logger.Info("transaction submitted",
		slog.String("method", action.Method),
		slog.String("tx", tx.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return chain.TxHandle{Chain: c.cfg.Name, Hash: tx.Hash().Hex()}, nil
}

func (c *Client) nextNonce(ctx context.Context) (uint64, error) {
	if c.nonce != nil {
		return *c.nonce, nil
	}
	n, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return 0, fmt.Errorf("fetch nonce: %w", err)
	}
	return n, nil
}

// Receipt implements chain.Client.
func (c *Client) Receipt(ctx context.Context, tx chain.TxHandle) (*chain.Receipt, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(tx.Hash))
	if errors.Is(err, ethereum.NotFound) || (err == nil && receipt == nil) {
		return nil, chain.ErrReceiptPending
	}
	if err != nil {
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	logs := make([]gethtypes.Log, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		if l != nil {
			logs = append(logs, *l)
		}
	}
	decoded, failures := c.decoder.DecodeBatch(logs, c.cfg.Name)
	observability.Events().RecordDecoded(c.cfg.Name, "receipt", len(decoded), len(failures))
	out := &chain.Receipt{
		TxHash:  receipt.TxHash.Hex(),
		Success: receipt.Status == gethtypes.ReceiptStatusSuccessful,
		Logs:    decoded,
	}
	if receipt.BlockNumber != nil {
		out.Height = receipt.BlockNumber.Uint64()
	}
	if !out.Success {
		out.Failure = "transaction reverted"
	}
	return out, nil
}

// Call implements chain.Client.
func (c *Client) Call(ctx context.Context, action chain.Action) (chain.Values, error) {
	if !common.IsHexAddress(action.Contract) {
		return nil, fmt.Errorf("%w: invalid contract address %q", chain.ErrCallFailed, action.Contract)
	}
	data, err := c.pack(action)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(action.Contract)
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", chain.ErrCallFailed, action, err)
	}
	outputs, err := c.abi.Methods[action.Method].Outputs.Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", chain.ErrCallFailed, action, err)
	}
	values := make(chain.Values, 0, len(outputs))
	for _, out := range outputs {
		values = append(values, events.RenderValue(out))
	}
	return values, nil
}

// LatestHeight implements chain.LogQuerier.
func (c *Client) LatestHeight(ctx context.Context) (uint64, error) {
	return c.backend.BlockNumber(ctx)
}

// QueryLogs implements chain.LogQuerier. The query is pushed down as an
// eth_getLogs topic filter and re-checked after decoding.
func (c *Client) QueryLogs(ctx context.Context, q events.Query, from, to uint64) ([]events.Event, error) {
	filter := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Topics:    topicFilter(q),
	}
	if common.IsHexAddress(q.Emitter) {
		filter.Addresses = []common.Address{common.HexToAddress(q.Emitter)}
	}
	logs, err := c.backend.FilterLogs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	decoded, failures := c.decoder.DecodeBatch(logs, c.cfg.Name)
	observability.Events().RecordDecoded(c.cfg.Name, "filter", len(decoded), len(failures))
	for _, f := range failures {
		c.logger.Debug("dropped undecodable log", slog.Int("index", f.Index), slog.Any("error", f.Err))
	}
	out := decoded[:0]
	for _, evt := range decoded {
		if q.Matches(evt) {
			out = append(out, evt)
		}
	}
	return out, nil
}

func (c *Client) pack(action chain.Action) ([]byte, error) {
	method, ok := c.abi.Methods[action.Method]
	if !ok {
		return nil, fmt.Errorf("%s: unknown method %q", c.cfg.Name, action.Method)
	}
	args, err := coerceArgs(method.Inputs, action.Args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", action, err)
	}
	data, err := c.abi.Pack(action.Method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", action, err)
	}
	return data, nil
}

func topicFilter(q events.Query) [][]common.Hash {
	topics := [][]common.Hash{nil}
	if q.Signature != "" {
		topics[0] = []common.Hash{events.Schema{Signature: q.Signature}.Topic()}
	}
	highest := 0
	for pos := range q.Indexed {
		if pos > highest {
			highest = pos
		}
	}
	for pos := 1; pos <= highest && pos <= 3; pos++ {
		var slot []common.Hash
		for _, v := range q.Indexed[pos] {
			slot = append(slot, ToTopic(v))
		}
		topics = append(topics, slot)
	}
	return topics
}

// ToTopic converts an indexed filter value to its topic. 32 byte hex values
// are taken as topics, integers are left padded and anything else is treated
// as an indexed string.
func ToTopic(value string) common.Hash {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "0x") && len(trimmed) == 66 {
		if _, err := hexutil.Decode(trimmed); err == nil {
			return common.HexToHash(trimmed)
		}
	}
	if id, err := events.NormalizeID(trimmed); err == nil {
		return common.BigToHash(id.ToBig())
	}
	return common.HexToHash(events.TopicForString(trimmed))
}

func coerceArgs(inputs abi.Arguments, args []chain.Arg) ([]any, error) {
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("want %d arguments, got %d", len(inputs), len(args))
	}
	out := make([]any, 0, len(args))
	for i, input := range inputs {
		v, err := coerce(input.Type, args[i].Value)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", input.Name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func coerce(t abi.Type, value any) (any, error) {
	s, isString := value.(string)
	switch t.T {
	case abi.UintTy, abi.IntTy:
		if t.Size <= 64 {
			return value, nil
		}
		switch v := value.(type) {
		case *big.Int:
			return v, nil
		case string:
			return events.ParseInt(v)
		case int:
			return big.NewInt(int64(v)), nil
		case int64:
			return big.NewInt(v), nil
		case uint64:
			return new(big.Int).SetUint64(v), nil
		}
	case abi.BytesTy:
		if isString {
			if s == "" || s == "0x" {
				return []byte{}, nil
			}
			return hexutil.Decode(s)
		}
		if b, ok := value.([]byte); ok {
			return b, nil
		}
	case abi.StringTy:
		if isString {
			return s, nil
		}
	case abi.BoolTy:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true", "0x1", "1":
				return true, nil
			case "false", "0x0", "0":
				return false, nil
			}
		}
	case abi.AddressTy:
		if isString && common.IsHexAddress(s) {
			return common.HexToAddress(s), nil
		}
		if a, ok := value.(common.Address); ok {
			return a, nil
		}
	default:
		return value, nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", value, t.String())
}
