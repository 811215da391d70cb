package events

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// EVMDecoder normalises EVM logs using the event definitions of a contract ABI.
type EVMDecoder struct {
	abi abi.ABI
}

// NewEVMDecoderFromABI wraps an already parsed ABI.
func NewEVMDecoderFromABI(parsed abi.ABI) *EVMDecoder {
	return &EVMDecoder{abi: parsed}
}

// Decode normalises a single log. Topics are kept as hex strings; non-indexed
// arguments are unpacked and rendered as strings.
func (d *EVMDecoder) Decode(log gethtypes.Log, chain string) (Event, error) {
	if len(log.Topics) == 0 {
		return Event{}, fmt.Errorf("%w: anonymous log", ErrMalformedLog)
	}
	def, err := d.abi.EventByID(log.Topics[0])
	if err != nil {
		return Event{}, fmt.Errorf("%w: unknown topic %s", ErrMalformedLog, log.Topics[0].Hex())
	}
	indexed := make([]string, 0, len(log.Topics))
	for _, topic := range log.Topics {
		indexed = append(indexed, topic.Hex())
	}
	data := []string{}
	if nonIndexed := def.Inputs.NonIndexed(); len(nonIndexed) > 0 {
		values, err := nonIndexed.Unpack(log.Data)
		if err != nil {
			return Event{}, fmt.Errorf("%w: unpack %s: %v", ErrMalformedLog, def.Name, err)
		}
		for _, value := range values {
			data = append(data, RenderValue(value))
		}
	}
	return Event{
		Signature: def.Sig,
		Emitter:   log.Address.Hex(),
		Indexed:   indexed,
		Data:      data,
		Chain:     chain,
		TxHash:    log.TxHash.Hex(),
		Height:    log.BlockNumber,
	}, nil
}

// DecodeBatch decodes every log, dropping the ones that fail.
func (d *EVMDecoder) DecodeBatch(logs []gethtypes.Log, chain string) ([]Event, []DecodeFailure) {
	return decodeAll(logs, func(l gethtypes.Log) (Event, error) { return d.Decode(l, chain) })
}

// RenderValue formats an unpacked ABI value the way Event.Data carries it.
func RenderValue(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		if v == nil {
			return "0"
		}
		return v.String()
	case []byte:
		return hexutil.Encode(v)
	case [32]byte:
		return hexutil.Encode(v[:])
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case string:
		return v
	case bool:
		if v {
			return "true"
		}
		return "false"
	case uint8, uint16, uint32, uint64, int8, int16, int32, int64:
		return fmt.Sprintf("%d", v)
	default:
		return fmt.Sprint(v)
	}
}
