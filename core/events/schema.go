package events

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Schema describes the field layout of a bridge event. Indexed field names
// start at position 1; position 0 is the signature slot.
type Schema struct {
	Name      string
	Signature string
	Indexed   []string
	Data      []string
}

// IndexedPosition returns the position of field inside Event.Indexed.
func (s Schema) IndexedPosition(field string) (int, bool) {
	for i, name := range s.Indexed {
		if name == field {
			return i + 1, true
		}
	}
	return 0, false
}

// DataPosition returns the position of field inside Event.Data.
func (s Schema) DataPosition(field string) (int, bool) {
	for i, name := range s.Data {
		if name == field {
			return i, true
		}
	}
	return 0, false
}

// ValidateIndexed checks that field lives at pos in the indexed tuple.
func (s Schema) ValidateIndexed(field string, pos int) error {
	actual, ok := s.IndexedPosition(field)
	if !ok {
		return fmt.Errorf("event %s has no indexed field %s", s.Name, field)
	}
	if actual != pos {
		return fmt.Errorf("event %s carries %s at indexed position %d, not %d", s.Name, field, actual, pos)
	}
	return nil
}

// Topic returns the keccak topic of the signature as used by EVM logs.
func (s Schema) Topic() common.Hash {
	return crypto.Keccak256Hash([]byte(s.Signature))
}

// xCall event layouts. The ICON side speaks the SCORE type names, the EVM side
// the Solidity canonical signatures.
var (
	CallMessageSent = Schema{
		Name:      "CallMessageSent",
		Signature: "CallMessageSent(Address,str,int,int)",
		Indexed:   []string{"_from", "_to", "_sn"},
		Data:      []string{"_nsn"},
	}
	ResponseMessage = Schema{
		Name:      "ResponseMessage",
		Signature: "ResponseMessage(int,int,str)",
		Indexed:   []string{"_sn"},
		Data:      []string{"_code", "_msg"},
	}
	RollbackMessage = Schema{
		Name:      "RollbackMessage",
		Signature: "RollbackMessage(int)",
		Indexed:   []string{"_sn"},
	}
	RollbackExecuted = Schema{
		Name:      "RollbackExecuted",
		Signature: "RollbackExecuted(int,int,str)",
		Indexed:   []string{"_sn"},
		Data:      []string{"_code", "_msg"},
	}
	CallMessage = Schema{
		Name:      "CallMessage",
		Signature: "CallMessage(string,string,uint256,uint256,bytes)",
		Indexed:   []string{"_from", "_to", "_sn"},
		Data:      []string{"_reqId", "_data"},
	}
	CallExecuted = Schema{
		Name:      "CallExecuted",
		Signature: "CallExecuted(uint256,int256,string)",
		Indexed:   []string{"_reqId"},
		Data:      []string{"_code", "_msg"},
	}
)

// TopicForString returns the topic an indexed Solidity string is stored as.
func TopicForString(value string) string {
	return crypto.Keccak256Hash([]byte(value)).Hex()
}

// TopicForID returns the topic an indexed uint256 identifier is stored as.
func TopicForID(id string) (string, error) {
	parsed, err := NormalizeID(id)
	if err != nil {
		return "", err
	}
	return common.BigToHash(parsed.ToBig()).Hex(), nil
}
