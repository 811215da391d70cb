package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"xcallvote/core/lifecycle"
	"xcallvote/storage"
)

// ValidateConfig checks the values a lifecycle cannot run without. Dapp
// addresses may come from the deployment record and are checked by
// Endpoints instead.
func ValidateConfig(c *Config) error {
	if c == nil {
		return fmt.Errorf("config required")
	}
	if strings.TrimSpace(c.ICON.RPC) == "" {
		return fmt.Errorf("ICON: RPC required")
	}
	if strings.TrimSpace(c.ICON.Label) == "" {
		return fmt.Errorf("ICON: Label required")
	}
	if c.ICON.NID <= 0 {
		return fmt.Errorf("ICON: NID must be positive")
	}
	if !strings.HasPrefix(c.ICON.XCall, "cx") {
		return fmt.Errorf("ICON: XCall must be a cx address")
	}
	if c.ICON.TrackerPages < 0 || c.ICON.TrackerRPS < 0 {
		return fmt.Errorf("ICON: tracker limits must not be negative")
	}
	if !c.EVM.RPC.IsSet() {
		return fmt.Errorf("EVM: RPC required")
	}
	if strings.TrimSpace(c.EVM.Label) == "" {
		return fmt.Errorf("EVM: Label required")
	}
	if c.EVM.ChainID <= 0 {
		return fmt.Errorf("EVM: ChainID must be positive")
	}
	if !common.IsHexAddress(c.EVM.XCall) {
		return fmt.Errorf("EVM: XCall must be a hex address")
	}
	switch lifecycle.Checkpoint(c.Policy.Checkpoint) {
	case lifecycle.CheckBeforeSubmit, lifecycle.CheckAfterExecute:
	default:
		return fmt.Errorf("policy: unknown checkpoint %q", c.Policy.Checkpoint)
	}
	if c.Policy.StaticCap < 0 {
		return fmt.Errorf("policy: StaticCap must not be negative")
	}
	w := c.Waiters
	if w.DestinationTimeout <= 0 || w.OriginTimeout <= 0 {
		return fmt.Errorf("waiters: timeouts must be positive")
	}
	if w.DestinationInterval <= 0 || w.OriginInterval <= 0 || w.ReceiptDelay < 0 {
		return fmt.Errorf("waiters: intervals must be positive")
	}
	if w.ReceiptAttempts < 1 {
		return fmt.Errorf("waiters: ReceiptAttempts must be at least 1")
	}
	if w.RollbackIDPosition < 1 {
		return fmt.Errorf("waiters: RollbackIDPosition must be at least 1")
	}
	return nil
}

// Endpoints resolves the contract addresses of both dapps, preferring the
// configured ones over the deployment record.
func (c *Config) Endpoints(deployments *storage.Deployments) (lifecycle.Endpoints, error) {
	originDapp := strings.TrimSpace(c.ICON.Dapp)
	destDapp := strings.TrimSpace(c.EVM.Dapp)
	if deployments != nil {
		if originDapp == "" {
			originDapp = strings.TrimSpace(deployments.Primary.Contract)
		}
		if destDapp == "" {
			destDapp = strings.TrimSpace(deployments.Secondary.Contract)
		}
	}
	if originDapp == "" {
		return lifecycle.Endpoints{}, fmt.Errorf("origin dapp unknown: set ICON.Dapp or record deployments")
	}
	if destDapp == "" {
		return lifecycle.Endpoints{}, fmt.Errorf("destination dapp unknown: set EVM.Dapp or record deployments")
	}
	if !common.IsHexAddress(destDapp) {
		return lifecycle.Endpoints{}, fmt.Errorf("destination dapp %q is not a hex address", destDapp)
	}
	return lifecycle.Endpoints{
		OriginLabel:      c.ICON.Label,
		OriginXCall:      c.ICON.XCall,
		OriginDapp:       originDapp,
		DestinationLabel: c.EVM.Label,
		DestinationXCall: c.EVM.XCall,
		DestinationDapp:  destDapp,
	}, nil
}
