package events

import "strings"

// Event is the chain independent representation of a contract log. Indexed
// keeps the chain native layout: position 0 carries the signature slot (the
// signature text on ICON, topic0 on EVM chains) and fields start at 1.
type Event struct {
	Signature string   `json:"signature"`
	Emitter   string   `json:"emitter"`
	Indexed   []string `json:"indexed"`
	Data      []string `json:"data"`
	Chain     string   `json:"chain"`
	TxHash    string   `json:"txHash,omitempty"`
	Height    uint64   `json:"height,omitempty"`
}

// IndexedAt returns the indexed value at pos.
func (e Event) IndexedAt(pos int) (string, bool) {
	if pos < 0 || pos >= len(e.Indexed) {
		return "", false
	}
	return e.Indexed[pos], true
}

// DataAt returns the non-indexed value at pos.
func (e Event) DataAt(pos int) (string, bool) {
	if pos < 0 || pos >= len(e.Data) {
		return "", false
	}
	return e.Data[pos], true
}

// EmittedBy reports whether the event was emitted by address. An empty address
// matches every emitter.
func (e Event) EmittedBy(address string) bool {
	address = strings.TrimSpace(address)
	if address == "" {
		return true
	}
	return strings.EqualFold(strings.TrimSpace(e.Emitter), address)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
