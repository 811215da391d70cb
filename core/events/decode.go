package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedLog marks a log entry that cannot be normalised.
var ErrMalformedLog = errors.New("events: malformed log")

// DecodeFailure describes a single entry dropped from a batch.
type DecodeFailure struct {
	Index int
	Err   error
}

func (f DecodeFailure) Error() string {
	return fmt.Sprintf("entry %d: %v", f.Index, f.Err)
}

// Values is a tolerant list of log values. It accepts a JSON array of strings
// (null entries become empty strings), numbers, a JSON string holding an
// encoded array (as served by the ICON tracker) or null.
type Values []string

// UnmarshalJSON implements json.Unmarshaler.
func (v *Values) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*v = Values{}
		return nil
	}
	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return err
		}
		encoded = strings.TrimSpace(encoded)
		if encoded == "" || encoded == "null" {
			*v = Values{}
			return nil
		}
		if !strings.HasPrefix(encoded, "[") {
			*v = Values{encoded}
			return nil
		}
		return v.UnmarshalJSON([]byte(encoded))
	}
	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return fmt.Errorf("values: %w", err)
	}
	out := make(Values, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		switch {
		case bytes.Equal(item, []byte("null")):
			out = append(out, "")
		case len(item) > 0 && item[0] == '"':
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return fmt.Errorf("values: %w", err)
			}
			out = append(out, s)
		default:
			out = append(out, string(item))
		}
	}
	*v = out
	return nil
}

// ICONLog is an event log as carried by icx_getTransactionResult.
type ICONLog struct {
	ScoreAddress string `json:"scoreAddress"`
	Indexed      Values `json:"indexed"`
	Data         Values `json:"data"`
}

// TrackerLog is an event log as served by the ICON tracker logs endpoint.
type TrackerLog struct {
	Address         string      `json:"address"`
	Indexed         Values      `json:"indexed"`
	Data            Values      `json:"data"`
	TransactionHash string      `json:"transaction_hash"`
	BlockNumber     json.Number `json:"block_number"`
	Method          string      `json:"method"`
}

// DecodeICON normalises a transaction result log.
func DecodeICON(raw ICONLog, chain string) (Event, error) {
	return decodeICONStyle(raw.ScoreAddress, raw.Indexed, raw.Data, chain, "", 0)
}

// DecodeTracker normalises a tracker log entry.
func DecodeTracker(raw TrackerLog, chain string) (Event, error) {
	var height uint64
	if n := strings.TrimSpace(raw.BlockNumber.String()); n != "" {
		parsed, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return Event{}, fmt.Errorf("%w: block_number %q", ErrMalformedLog, n)
		}
		height = parsed
	}
	return decodeICONStyle(raw.Address, raw.Indexed, raw.Data, chain, raw.TransactionHash, height)
}

func decodeICONStyle(emitter string, indexed, data Values, chain, txHash string, height uint64) (Event, error) {
	if len(indexed) == 0 || strings.TrimSpace(indexed[0]) == "" {
		return Event{}, fmt.Errorf("%w: missing signature", ErrMalformedLog)
	}
	if strings.TrimSpace(emitter) == "" {
		return Event{}, fmt.Errorf("%w: missing emitter", ErrMalformedLog)
	}
	return Event{
		Signature: strings.TrimSpace(indexed[0]),
		Emitter:   strings.TrimSpace(emitter),
		Indexed:   nonNil(append([]string(nil), indexed...)),
		Data:      nonNil(append([]string(nil), data...)),
		Chain:     chain,
		TxHash:    strings.TrimSpace(txHash),
		Height:    height,
	}, nil
}

// DecodeICONBatch decodes every raw eventLogs entry, dropping the ones that
// do not parse or normalise.
func DecodeICONBatch(raw []json.RawMessage, chain string) ([]Event, []DecodeFailure) {
	return decodeAll(raw, func(entry json.RawMessage) (Event, error) {
		var l ICONLog
		if err := json.Unmarshal(entry, &l); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		return DecodeICON(l, chain)
	})
}

// DecodeTrackerBatch decodes every raw tracker entry, dropping the ones that
// do not parse or normalise.
func DecodeTrackerBatch(raw []json.RawMessage, chain string) ([]Event, []DecodeFailure) {
	return decodeAll(raw, func(entry json.RawMessage) (Event, error) {
		var l TrackerLog
		if err := json.Unmarshal(entry, &l); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrMalformedLog, err)
		}
		return DecodeTracker(l, chain)
	})
}

func decodeAll[T any](raw []T, decode func(T) (Event, error)) ([]Event, []DecodeFailure) {
	out := make([]Event, 0, len(raw))
	var failures []DecodeFailure
	for i, entry := range raw {
		evt, err := decode(entry)
		if err != nil {
			failures = append(failures, DecodeFailure{Index: i, Err: err})
			continue
		}
		out = append(out, evt)
	}
	return out, failures
}
