package events

import (
	"strings"

	"github.com/holiman/uint256"
)

// Query selects events by signature, emitter and indexed values. Indexed is
// keyed by position in Event.Indexed; each slot lists acceptable values in the
// chain native encoding (topics on EVM chains). A nil or empty slot matches
// anything.
type Query struct {
	Signature string
	Emitter   string
	Indexed   map[int][]string
}

// Matches reports whether evt satisfies the query.
func (q Query) Matches(evt Event) bool {
	if q.Signature != "" && evt.Signature != q.Signature {
		return false
	}
	if !evt.EmittedBy(q.Emitter) {
		return false
	}
	for pos, candidates := range q.Indexed {
		if len(candidates) == 0 {
			continue
		}
		value, ok := evt.IndexedAt(pos)
		if !ok {
			return false
		}
		matched := false
		for _, candidate := range candidates {
			if SameValue(value, candidate) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// Filter returns the events with the given signature, optionally restricted
// to one emitter.
func Filter(evts []Event, signature, emitter string) []Event {
	out := make([]Event, 0, len(evts))
	for _, evt := range evts {
		if strings.TrimSpace(evt.Signature) != signature {
			continue
		}
		if !evt.EmittedBy(emitter) {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// MatchBySerial returns the first event whose indexed value at position equals
// sn by numeric value.
func MatchBySerial(evts []Event, sn string, position int) (Event, bool) {
	for _, evt := range evts {
		value, ok := evt.IndexedAt(position)
		if !ok {
			continue
		}
		if SameID(value, sn) {
			return evt, true
		}
	}
	return Event{}, false
}

// MaxIndexedID returns the highest parseable identifier at position.
func MaxIndexedID(evts []Event, position int) (*uint256.Int, bool) {
	var highest *uint256.Int
	for _, evt := range evts {
		value, ok := evt.IndexedAt(position)
		if !ok {
			continue
		}
		id, err := NormalizeID(value)
		if err != nil {
			continue
		}
		if highest == nil || id.Gt(highest) {
			highest = id
		}
	}
	return highest, highest != nil
}
