package icon

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"xcallvote/chain"
)

const sendTransactionMethod = "icx_sendTransaction"

var escaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`, `{`, `\{`, `}`, `\}`, `[`, `\[`, `]`, `\]`)

// SerializeTransaction renders the transaction parameters into the byte
// string whose SHA3-256 digest is signed.
func SerializeTransaction(params map[string]any) (string, error) {
	body, err := serializeMap(params)
	if err != nil {
		return "", err
	}
	return sendTransactionMethod + "." + body, nil
}

func serializeMap(m map[string]any) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := serializeValue(m[k])
		if err != nil {
			return "", fmt.Errorf("field %s: %w", k, err)
		}
		parts = append(parts, k+"."+v)
	}
	return strings.Join(parts, "."), nil
}

func serializeValue(v any) (string, error) {
	switch value := v.(type) {
	case nil:
		return `\0`, nil
	case string:
		return escaper.Replace(value), nil
	case map[string]any:
		body, err := serializeMap(value)
		if err != nil {
			return "", err
		}
		return "{" + body + "}", nil
	case []any:
		parts := make([]string, 0, len(value))
		for _, item := range value {
			s, err := serializeValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return "[" + strings.Join(parts, ".") + "]", nil
	default:
		return "", fmt.Errorf("unsupported value %T", v)
	}
}

// EncodeInt renders an integer the way ICON expects it in params.
func EncodeInt(v *big.Int) string {
	if v == nil {
		return "0x0"
	}
	if v.Sign() < 0 {
		return "-0x" + new(big.Int).Neg(v).Text(16)
	}
	return "0x" + v.Text(16)
}

// encodeArgs converts call arguments to ICON params. Every value travels as
// a string.
func encodeArgs(args []chain.Arg) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(args))
	for _, arg := range args {
		if strings.TrimSpace(arg.Name) == "" {
			return nil, fmt.Errorf("unnamed argument")
		}
		v, err := encodeArg(arg.Value)
		if err != nil {
			return nil, fmt.Errorf("argument %s: %w", arg.Name, err)
		}
		out[arg.Name] = v
	}
	return out, nil
}

func encodeArg(v any) (any, error) {
	switch value := v.(type) {
	case nil:
		return nil, nil
	case string:
		return value, nil
	case bool:
		if value {
			return "0x1", nil
		}
		return "0x0", nil
	case *big.Int:
		return EncodeInt(value), nil
	case int:
		return EncodeInt(big.NewInt(int64(value))), nil
	case int64:
		return EncodeInt(big.NewInt(value)), nil
	case uint64:
		return EncodeInt(new(big.Int).SetUint64(value)), nil
	case []byte:
		return hexutil.Encode(value), nil
	default:
		return nil, fmt.Errorf("unsupported value %T", v)
	}
}
