package config

import (
	"fmt"
	"sort"
	"strings"
)

// Network is a preset for a known ledger.
type Network struct {
	// Label is the BTP network address, e.g. 0x7.icon.
	Label   string
	RPC     string
	NID     int64
	ChainID int64
	XCall   string
	Tracker string
}

// Networks lists the presets selectable by name.
var Networks = map[string]Network{
	"berlin": {
		Label:   "0x7.icon",
		RPC:     "https://berlin.net.solidwallet.io/api/v3/icon_dex",
		NID:     7,
		XCall:   "cxf4958b242a264fc11d7d8d95f79035e35b21c1bb",
		Tracker: "https://tracker.berlin.icon.community",
	},
	"localhost": {
		Label: "0x3.icon",
		RPC:   "http://localhost:9080/api/v3",
		NID:   3,
	},
	"sepolia": {
		Label:   "0xaa36a7.eth2",
		ChainID: 11155111,
		XCall:   "0x694C1f5Fb4b81e730428490a1cE3dE6e32428637",
	},
}

// DefaultDestinationDapp is the voting dapp deployed on sepolia.
const DefaultDestinationDapp = "0x597F73bfb3124B6145151E7a8A30b781C41FF2B0"

// LookupNetwork returns the preset called name.
func LookupNetwork(name string) (Network, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	network, ok := Networks[key]
	if !ok {
		names := make([]string, 0, len(Networks))
		for n := range Networks {
			names = append(names, n)
		}
		sort.Strings(names)
		return Network{}, fmt.Errorf("unknown network %q (known: %s)", name, strings.Join(names, ", "))
	}
	return network, nil
}
