package events

import (
	"encoding/json"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
)

const testXCallABI = `[
 {"type":"event","name":"CallMessage","anonymous":false,"inputs":[
  {"name":"_from","type":"string","indexed":true},
  {"name":"_to","type":"string","indexed":true},
  {"name":"_sn","type":"uint256","indexed":true},
  {"name":"_reqId","type":"uint256","indexed":false},
  {"name":"_data","type":"bytes","indexed":false}]},
 {"type":"event","name":"CallExecuted","anonymous":false,"inputs":[
  {"name":"_reqId","type":"uint256","indexed":true},
  {"name":"_code","type":"int256","indexed":false},
  {"name":"_msg","type":"string","indexed":false}]}
]`

func TestNormalizeIDEncodings(t *testing.T) {
	cases := map[string]uint64{
		"42":      42,
		"0x2a":    42,
		"0X2A":    42,
		"0x002a":  42,
		"0042":    42,
		"0":       0,
		"0x0":     0,
		" 0x10 ":  16,
		"1000000": 1_000_000,
	}
	for raw, want := range cases {
		id, err := NormalizeID(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, id.Uint64(), raw)
	}

	for _, bad := range []string{"", "0xzz", "4x2", "-1"} {
		_, err := NormalizeID(bad)
		require.ErrorIs(t, err, ErrInvalidID, bad)
	}
}

func TestSameIDAcrossChains(t *testing.T) {
	require.True(t, SameID("0x2a", "42"))
	require.True(t, SameID("42", "0x000000000000000000000000000000000000000000000000000000000000002a"))
	require.False(t, SameID("0x2a", "43"))
	require.False(t, SameID("garbage", "garbage"))
}

func TestParseIntNegative(t *testing.T) {
	v, err := ParseInt("-0x1")
	require.NoError(t, err)
	require.Equal(t, int64(-1), v.Int64())

	v, err = ParseInt("7")
	require.NoError(t, err)
	require.Equal(t, int64(7), v.Int64())
}

func TestMatchBySerialHexAndDecimal(t *testing.T) {
	evts := []Event{
		{Signature: CallMessageSent.Signature, Indexed: []string{CallMessageSent.Signature, "hx1", "btp://x/y", "0x29"}},
		{Signature: CallMessageSent.Signature, Indexed: []string{CallMessageSent.Signature, "hx1", "btp://x/y", "0x2a"}},
	}
	byHex, ok := MatchBySerial(evts, "0x2a", 3)
	require.True(t, ok)
	byDec, ok := MatchBySerial(evts, "42", 3)
	require.True(t, ok)
	require.Equal(t, byHex, byDec)

	_, ok = MatchBySerial(evts, "44", 3)
	require.False(t, ok)
	_, ok = MatchBySerial(evts, "42", 9)
	require.False(t, ok)
}

func TestFilterBySignatureAndEmitter(t *testing.T) {
	evts := []Event{
		{Signature: "A(int)", Emitter: "cxAAA"},
		{Signature: "A(int)", Emitter: "cxBBB"},
		{Signature: "B(int)", Emitter: "cxAAA"},
	}
	require.Len(t, Filter(evts, "A(int)", ""), 2)
	only := Filter(evts, "A(int)", "CXaaa")
	require.Len(t, only, 1)
	require.Equal(t, "cxAAA", only[0].Emitter)
	require.Empty(t, Filter(evts, "C(int)", ""))
}

func TestValuesTolerateShapes(t *testing.T) {
	var payload struct {
		A Values `json:"a"`
		B Values `json:"b"`
		C Values `json:"c"`
		D Values `json:"d"`
	}
	raw := `{"a":["x",null,"0x1"],"b":"[\"Sig(int)\",\"0x2\"]","c":null,"d":[1,2]}`
	require.NoError(t, json.Unmarshal([]byte(raw), &payload))
	require.Equal(t, Values{"x", "", "0x1"}, payload.A)
	require.Equal(t, Values{"Sig(int)", "0x2"}, payload.B)
	require.Empty(t, payload.C)
	require.Equal(t, Values{"1", "2"}, payload.D)
}

func rawEntries(t *testing.T, body string) []json.RawMessage {
	t.Helper()
	var entries []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	return entries
}

func TestDecodeICONBatchDropsMalformed(t *testing.T) {
	raw := rawEntries(t, `[
		{"scoreAddress":"cx1","indexed":["RollbackMessage(int)","0x5"]},
		{"scoreAddress":"cx1"},
		{"scoreAddress":"","indexed":["X()"]},
		{"scoreAddress":"cx1","indexed":"[not json"},
		{"scoreAddress":"cx2","indexed":["ResponseMessage(int,int,str)","0x5"],"data":["-0x1","fail"]}
	]`)
	evts, failures := DecodeICONBatch(raw, "icon")
	require.Len(t, evts, 2)
	require.Len(t, failures, 3)
	require.Equal(t, 1, failures[0].Index)
	require.Equal(t, 3, failures[2].Index)
	for _, f := range failures {
		require.True(t, errors.Is(f.Err, ErrMalformedLog))
	}
	require.Equal(t, []string{}, evts[0].Data)
	require.Equal(t, "icon", evts[1].Chain)
}

func TestDecodeTrackerBatchKeepsGoodEntries(t *testing.T) {
	raw := rawEntries(t, `[
		{"address":"cx1","indexed":"[not json"},
		{"address":"cx1","indexed":"[\"RollbackMessage(int)\",\"0x2a\"]","block_number":"soon"},
		{"address":"cx1","indexed":"[\"RollbackMessage(int)\",\"0x2a\"]","block_number":9}
	]`)
	evts, failures := DecodeTrackerBatch(raw, "icon")
	require.Len(t, evts, 1)
	require.Equal(t, uint64(9), evts[0].Height)
	require.Len(t, failures, 2)
	require.Equal(t, 0, failures[0].Index)
	require.Equal(t, 1, failures[1].Index)
}

func TestDecodeTrackerParsesEncodedArrays(t *testing.T) {
	var entries []TrackerLog
	body := `[{"address":"cx9","indexed":"[\"RollbackMessage(int)\",\"0x7\"]","data":null,"transaction_hash":"0xabc","block_number":120}]`
	require.NoError(t, json.Unmarshal([]byte(body), &entries))
	evt, err := DecodeTracker(entries[0], "icon")
	require.NoError(t, err)
	require.Equal(t, RollbackMessage.Signature, evt.Signature)
	require.Equal(t, uint64(120), evt.Height)
	require.Equal(t, []string{}, evt.Data)
	id, ok := evt.IndexedAt(1)
	require.True(t, ok)
	require.True(t, SameID(id, "7"))
}

func TestEVMDecoderCallMessage(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(testXCallABI))
	require.NoError(t, err)
	dec := NewEVMDecoderFromABI(parsed)
	payload, err := parsed.Events["CallMessage"].Inputs.NonIndexed().Pack(big.NewInt(7), []byte("voteYes"))
	require.NoError(t, err)

	snTopic, err := TopicForID("0x2a")
	require.NoError(t, err)
	log := gethtypes.Log{
		Address: common.HexToAddress("0x694C1f5Fb4b81e730428490a1cE3dE6e32428637"),
		Topics: []common.Hash{
			CallMessage.Topic(),
			common.HexToHash(TopicForString("btp://0x7.icon/cx01")),
			common.HexToHash(TopicForString("0x597F73bfb3124B6145151E7a8A30b781C41FF2B0")),
			common.HexToHash(snTopic),
		},
		Data:        payload,
		BlockNumber: 99,
	}
	evt, err := dec.Decode(log, "sepolia")
	require.NoError(t, err)
	require.Equal(t, CallMessage.Signature, evt.Signature)
	require.Equal(t, []string{"7", "0x766f7465596573"}, evt.Data)
	require.Equal(t, uint64(99), evt.Height)

	q := Query{
		Signature: CallMessage.Signature,
		Emitter:   "0x694c1f5fb4b81e730428490a1ce3de6e32428637",
		Indexed: map[int][]string{
			1: {TopicForString("btp://0x7.icon/cx01")},
			3: {"42"},
		},
	}
	require.True(t, q.Matches(evt))
	q.Indexed[3] = []string{"43"}
	require.False(t, q.Matches(evt))

	_, failures := dec.DecodeBatch([]gethtypes.Log{{}, {Topics: []common.Hash{common.HexToHash("0x01")}}}, "sepolia")
	require.Len(t, failures, 2)
}

func TestSchemaPositions(t *testing.T) {
	require.NoError(t, RollbackMessage.ValidateIndexed("_sn", 1))
	require.Error(t, RollbackMessage.ValidateIndexed("_sn", 2))
	require.Error(t, RollbackMessage.ValidateIndexed("_missing", 1))

	pos, ok := CallMessage.DataPosition("_data")
	require.True(t, ok)
	require.Equal(t, 1, pos)
}

func TestMaxIndexedID(t *testing.T) {
	evts := []Event{
		{Indexed: []string{"S", "0x3"}},
		{Indexed: []string{"S", "12"}},
		{Indexed: []string{"S", "nope"}},
	}
	highest, ok := MaxIndexedID(evts, 1)
	require.True(t, ok)
	require.Equal(t, uint64(12), highest.Uint64())
}
