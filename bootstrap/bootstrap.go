// Package bootstrap assembles the chain clients, waiters, policy, journal and
// lifecycle controller from a loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"xcallvote/chain"
	"xcallvote/chain/evm"
	"xcallvote/chain/icon"
	"xcallvote/chain/tracker"
	"xcallvote/config"
	"xcallvote/core/lifecycle"
	"xcallvote/core/policy"
	"xcallvote/core/waiter"
	"xcallvote/crypto"
	"xcallvote/observability/logging"
	"xcallvote/storage"
)

// Options tune Build.
type Options struct {
	Logger *slog.Logger
	// ICONPassphrase and EVMPassphrase unlock keystores when configured.
	ICONPassphrase config.PassphraseFunc
	EVMPassphrase  config.PassphraseFunc
	// ReadOnly skips loading signing keys. Submissions then fail.
	ReadOnly bool
	// Journal overrides the configured journal.
	Journal storage.Journal
}

// Stack is a fully wired controller with the pieces it was built from.
type Stack struct {
	Config      *config.Config
	Endpoints   lifecycle.Endpoints
	ICON        *icon.Client
	EVM         *evm.Client
	Tracker     *tracker.Client
	Policy      *policy.Checker
	Journal     storage.Journal
	Controller  *lifecycle.Controller
	Deployments *storage.Deployments
}

// Build wires every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Stack, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var deployments *storage.Deployments
	if storage.DeploymentsExist(cfg.DeploymentsFile) {
		record, err := storage.LoadDeployments(cfg.DeploymentsFile)
		if err != nil {
			return nil, err
		}
		deployments = &record
	}
	ends, err := cfg.Endpoints(deployments)
	if err != nil {
		return nil, err
	}

	var iconKey, evmKey *crypto.PrivateKey
	if !opts.ReadOnly {
		if iconKey, err = config.LoadKey(cfg.ICON.Key, opts.ICONPassphrase); err != nil {
			return nil, fmt.Errorf("ICON key: %w", err)
		}
		if evmKey, err = config.LoadKey(cfg.EVM.Key, opts.EVMPassphrase); err != nil {
			return nil, fmt.Errorf("EVM key: %w", err)
		}
		logger.Info("signers loaded",
			slog.String("address", iconKey.PubKey().ICONAddress()),
			logging.MaskField("icon_keystore", cfg.ICON.Key.Keystore),
			slog.String("evm_address", evmKey.PubKey().EVMAddress().Hex()),
			logging.MaskField("evm_keystore", cfg.EVM.Key.Keystore))
	}

	iconClient, err := icon.New(icon.Config{
		Name:      cfg.ICON.Label,
		Endpoint:  cfg.ICON.RPC,
		NID:       cfg.ICON.NID,
		StepLimit: cfg.ICON.StepLimit,
		Timeout:   cfg.ICON.Timeout,
	}, iconKey, icon.WithLogger(logging.Component(logger, "icon")))
	if err != nil {
		return nil, err
	}

	rpcURL, err := cfg.EVM.RPC.Resolve()
	if err != nil {
		return nil, fmt.Errorf("EVM RPC: %w", err)
	}
	evmCfg := evm.Config{
		Name:     cfg.EVM.Label,
		ChainID:  big.NewInt(cfg.EVM.ChainID),
		GasLimit: cfg.EVM.GasLimit,
	}
	if cfg.EVM.GasTipWei > 0 {
		evmCfg.GasTipCap = big.NewInt(cfg.EVM.GasTipWei)
	}
	logger.Info("dialing destination", slog.String("endpoint", logging.MaskSecretURL(rpcURL)))
	evmClient, err := evm.Dial(ctx, rpcURL, evmCfg, evmKey, logging.Component(logger, "evm"))
	if err != nil {
		return nil, err
	}

	trackerClient, err := tracker.New(tracker.Config{
		BaseURL:           cfg.ICON.Tracker,
		Chain:             cfg.ICON.Label,
		Pages:             cfg.ICON.TrackerPages,
		RequestsPerSecond: cfg.ICON.TrackerRPS,
		Timeout:           cfg.ICON.Timeout,
	}, nil, logger)
	if err != nil {
		return nil, err
	}

	checker, err := policy.NewChecker(evmClient, policy.Config{
		Contract:       ends.DestinationDapp,
		CountersMethod: cfg.Policy.CountersMethod,
		Fields:         cfg.Policy.Fields,
		CapMethod:      cfg.Policy.CapMethod,
		StaticCap:      big.NewInt(cfg.Policy.StaticCap),
	}, logging.Component(logger, "policy"))
	if err != nil {
		return nil, err
	}

	journal := opts.Journal
	if journal == nil {
		if journal, err = storage.OpenJournal(cfg.Journal); err != nil {
			return nil, err
		}
	}

	stack, err := assemble(cfg, ends, iconClient, evmClient, trackerClient, checker, journal, logger)
	if err != nil {
		_ = journal.Close()
		return nil, err
	}
	stack.Deployments = deployments
	return stack, nil
}

func assemble(cfg *config.Config, ends lifecycle.Endpoints, iconClient *icon.Client, evmClient *evm.Client,
	trackerClient *tracker.Client, checker *policy.Checker, journal storage.Journal, logger *slog.Logger) (*Stack, error) {
	w := cfg.Waiters
	receiptOpts := []chain.ReceiptOption{
		chain.WithReceiptAttempts(w.ReceiptAttempts),
		chain.WithReceiptDelay(w.ReceiptDelay),
		chain.WithReceiptLogger(logging.Component(logger, "receipts")),
	}
	destWaiter := waiter.NewRangePoller(evmClient,
		waiter.WithTimeout(w.DestinationTimeout),
		waiter.WithPollInterval(w.DestinationInterval),
		waiter.WithMaxRange(w.MaxRange),
		waiter.WithLogger(logging.Component(logger, "waiter")))
	originWaiter := waiter.NewIndexerPoller(trackerClient,
		waiter.WithTimeout(w.OriginTimeout),
		waiter.WithPollInterval(w.OriginInterval),
		waiter.WithLogger(logging.Component(logger, "waiter")))

	controller, err := lifecycle.NewController(lifecycle.Deps{
		Origin:             iconClient,
		Destination:        evmClient,
		DestinationWaiter:  destWaiter,
		OriginWaiter:       originWaiter,
		Policy:             checker,
		DestinationHeights: evmClient,
		OriginReceipts:     chain.NewReceiptPoller(iconClient, receiptOpts...),
		DestReceipts:       chain.NewReceiptPoller(evmClient, receiptOpts...),
		Journal:            journal,
	}, lifecycle.Config{
		Endpoints:          ends,
		RollbackIDPosition: w.RollbackIDPosition,
		Checkpoint:         lifecycle.Checkpoint(cfg.Policy.Checkpoint),
	}, lifecycle.WithLogger(logging.Component(logger, "lifecycle")))
	if err != nil {
		return nil, err
	}
	return &Stack{
		Config:     cfg,
		Endpoints:  ends,
		ICON:       iconClient,
		EVM:        evmClient,
		Tracker:    trackerClient,
		Policy:     checker,
		Journal:    journal,
		Controller: controller,
	}, nil
}

// Close releases the journal.
func (s *Stack) Close() error {
	if s == nil || s.Journal == nil {
		return nil
	}
	return s.Journal.Close()
}
