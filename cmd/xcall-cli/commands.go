package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"xcallvote/bootstrap"
	"xcallvote/chain"
	"xcallvote/config"
	"xcallvote/core/lifecycle"
	"xcallvote/storage"
)

func parseMethod(raw string) (string, error) {
	switch method := strings.TrimSpace(raw); method {
	case "voteYes", "voteNo":
		return method, nil
	default:
		return "", fmt.Errorf("--method must be voteYes or voteNo, got %q", raw)
	}
}

func (e *env) build(ctx context.Context, readOnly bool) (*bootstrap.Stack, error) {
	cfg, err := e.loadConfig()
	if err != nil {
		return nil, err
	}
	opts := bootstrap.Options{Logger: e.logger(), ReadOnly: readOnly}
	if !readOnly {
		opts.ICONPassphrase, opts.EVMPassphrase = passphrases(cfg)
	}
	return bootstrap.Build(ctx, cfg, opts)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runVote(e *env, args []string) int {
	fs := flag.NewFlagSet("vote", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var method, fee string
	var rollback bool
	fs.StringVar(&method, "method", "voteYes", "dapp method: voteYes or voteNo")
	fs.BoolVar(&rollback, "rollback", false, "pay for the rollback path")
	fs.StringVar(&fee, "fee", "", "fee override in loop; read from xCall when empty")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	method, err := parseMethod(method)
	if err != nil {
		return e.fail(err)
	}
	req := lifecycle.Request{Method: method, UseRollback: rollback}
	if trimmed := strings.TrimSpace(fee); trimmed != "" {
		parsed, ok := new(big.Int).SetString(trimmed, 0)
		if !ok || parsed.Sign() < 0 {
			return e.fail(fmt.Errorf("--fee must be a non-negative integer"))
		}
		req.Fee = parsed
	}

	ctx, stop := signalContext()
	defer stop()
	stack, err := e.build(ctx, false)
	if err != nil {
		return e.fail(err)
	}
	defer stack.Close()

	lc, err := stack.Controller.Run(ctx, req)
	e.writeJSON(lc)
	if err != nil {
		return e.fail(err)
	}
	return 0
}

func runVotes(e *env, args []string) int {
	fs := flag.NewFlagSet("votes", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()
	stack, err := e.build(ctx, true)
	if err != nil {
		return e.fail(err)
	}
	defer stack.Close()

	state, err := stack.Policy.Read(ctx)
	if err != nil {
		return e.fail(err)
	}
	e.writeJSON(map[string]any{
		"fields":    state.Fields,
		"total":     state.Total,
		"cap":       state.Cap,
		"breached":  state.Breached(),
		"remaining": state.Remaining(),
	})
	return 0
}

func runFee(e *env, args []string) int {
	fs := flag.NewFlagSet("fee", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var rollback bool
	fs.BoolVar(&rollback, "rollback", false, "include the rollback path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ctx, stop := signalContext()
	defer stop()
	stack, err := e.build(ctx, true)
	if err != nil {
		return e.fail(err)
	}
	defer stack.Close()

	values, err := stack.ICON.Call(ctx, chain.Action{
		Contract: stack.Endpoints.OriginXCall,
		Method:   "getFee",
		Args: []chain.Arg{
			{Name: "_net", Value: stack.Endpoints.DestinationLabel},
			{Name: "_rollback", Value: rollback},
		},
	})
	if err != nil {
		return e.fail(err)
	}
	fee, err := values.Int(0)
	if err != nil {
		return e.fail(err)
	}
	fmt.Fprintln(e.stdout, fee.String())
	return 0
}

func runCampaign(e *env, args []string) int {
	fs := flag.NewFlagSet("campaign", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var method string
	var rollback bool
	var maxCalls, parallel int
	fs.StringVar(&method, "method", "voteYes", "dapp method: voteYes or voteNo")
	fs.BoolVar(&rollback, "rollback", false, "pay for the rollback path")
	fs.IntVar(&maxCalls, "max", 0, "maximum number of votes; 0 runs until the cap")
	fs.IntVar(&parallel, "parallel", 1, "votes in flight at once")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	method, err := parseMethod(method)
	if err != nil {
		return e.fail(err)
	}
	if maxCalls < 0 || parallel < 1 {
		return e.fail(fmt.Errorf("--max must not be negative and --parallel must be at least 1"))
	}

	ctx, stop := signalContext()
	defer stop()
	stack, err := e.build(ctx, false)
	if err != nil {
		return e.fail(err)
	}
	defer stack.Close()

	result, err := stack.Controller.Campaign(ctx, lifecycle.CampaignRequest{
		Method:      method,
		UseRollback: rollback,
		MaxCalls:    maxCalls,
		Parallelism: parallel,
	})
	if result != nil {
		e.writeJSON(result)
	}
	if err != nil {
		return e.fail(err)
	}
	return 0
}

func runStatus(e *env, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var id string
	var limit int
	fs.StringVar(&id, "id", "", "lifecycle id; lists recent lifecycles when empty")
	fs.IntVar(&limit, "limit", 20, "number of lifecycles to list")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return e.fail(err)
	}
	if driver := strings.ToLower(strings.TrimSpace(cfg.Journal.Driver)); driver == "" || driver == "memory" {
		return e.fail(fmt.Errorf("journal driver %q keeps no history; configure leveldb, sqlite or postgres", cfg.Journal.Driver))
	}
	journal, err := storage.OpenJournal(cfg.Journal)
	if err != nil {
		return e.fail(err)
	}
	defer journal.Close()

	ctx := context.Background()
	if trimmed := strings.TrimSpace(id); trimmed != "" {
		lc, err := journal.Get(ctx, trimmed)
		if errors.Is(err, storage.ErrNotFound) {
			return e.fail(fmt.Errorf("lifecycle %s not found", trimmed))
		}
		if err != nil {
			return e.fail(err)
		}
		e.writeJSON(lc)
		return 0
	}
	list, err := journal.List(ctx, limit)
	if err != nil {
		return e.fail(err)
	}
	for _, lc := range list {
		fmt.Fprintf(e.stdout, "%s\t%s\t%s\tsn=%s\t%s\n", lc.ID, lc.Method, lc.Phase, lc.SN, lc.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	return 0
}

func runDeployments(e *env, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(e.stderr, "Usage: xcall-cli deployments <show|set> [flags]")
		return 1
	}
	switch args[0] {
	case "show":
		return runDeploymentsShow(e, args[1:])
	case "set":
		return runDeploymentsSet(e, args[1:])
	default:
		fmt.Fprintf(e.stderr, "Unknown deployments subcommand: %s\n", args[0])
		return 1
	}
}

func runDeploymentsShow(e *env, args []string) int {
	fs := flag.NewFlagSet("deployments show", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return e.fail(err)
	}
	record, err := storage.LoadDeployments(cfg.DeploymentsFile)
	if errors.Is(err, storage.ErrNotFound) {
		return e.fail(fmt.Errorf("no deployments recorded at %s", cfg.DeploymentsFile))
	}
	if err != nil {
		return e.fail(err)
	}
	e.writeJSON(record)
	return 0
}

func runDeploymentsSet(e *env, args []string) int {
	fs := flag.NewFlagSet("deployments set", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var origin, destination string
	fs.StringVar(&origin, "origin", "", "origin dapp score address (cx...)")
	fs.StringVar(&destination, "destination", config.DefaultDestinationDapp, "destination dapp contract address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	origin = strings.TrimSpace(origin)
	if !strings.HasPrefix(origin, "cx") {
		return e.fail(fmt.Errorf("--origin must be a cx address"))
	}
	destination = strings.TrimSpace(destination)
	if !common.IsHexAddress(destination) {
		return e.fail(fmt.Errorf("--destination must be a hex address"))
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return e.fail(err)
	}
	record := storage.Deployments{
		Primary:   storage.Deployment{Network: cfg.ICON.Network, Contract: origin},
		Secondary: storage.Deployment{Network: cfg.EVM.Network, Contract: common.HexToAddress(destination).Hex()},
	}
	if err := storage.SaveDeployments(cfg.DeploymentsFile, record); err != nil {
		return e.fail(err)
	}
	fmt.Fprintf(e.stdout, "Recorded deployments in %s\n", cfg.DeploymentsFile)
	return 0
}
