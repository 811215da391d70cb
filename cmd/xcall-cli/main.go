package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"xcallvote/cmd/internal/passphrase"
	"xcallvote/config"
	"xcallvote/observability/logging"
)

// env carries the global flags shared by every subcommand.
type env struct {
	configPath string
	logLevel   string
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("xcall-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	e := &env{stdout: stdout, stderr: stderr}
	fs.StringVar(&e.configPath, "config", "config.toml", "path to the chain configuration")
	fs.StringVar(&e.logLevel, "log-level", "warn", "log level: debug, info, warn or error")
	fs.Usage = func() { fmt.Fprintln(stderr, usage()) }
	if err := fs.Parse(args); err != nil {
		return 1
	}
	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch rest[0] {
	case "vote":
		return runVote(e, rest[1:])
	case "votes":
		return runVotes(e, rest[1:])
	case "fee":
		return runFee(e, rest[1:])
	case "campaign":
		return runCampaign(e, rest[1:])
	case "status":
		return runStatus(e, rest[1:])
	case "deployments":
		return runDeployments(e, rest[1:])
	case "keys":
		return runKeys(e, rest[1:])
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", rest[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func usage() string {
	return strings.TrimSpace(`
Usage: xcall-cli [--config path] [--log-level level] <command> [flags]

Commands:
  vote         submit one vote and follow it to a terminal phase
  votes        print the destination vote counters and cap
  fee          print the origin xCall fee for the destination
  campaign     vote repeatedly until the cap is reached
  status       show journaled lifecycles
  deployments  show or record the dapp deployment addresses
  keys         show signer addresses or encrypt a raw key into a keystore
`)
}

func (e *env) logger() *slog.Logger {
	return logging.SetupWith(logging.Options{Service: "xcall-cli", Level: e.logLevel, Writer: e.stderr})
}

func (e *env) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(e.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func passphrases(cfg *config.Config) (config.PassphraseFunc, config.PassphraseFunc) {
	return passphrase.NewSource("ICON", cfg.ICON.Key.PassphraseEnv).Get,
		passphrase.NewSource("EVM", cfg.EVM.Key.PassphraseEnv).Get
}

func (e *env) fail(err error) int {
	fmt.Fprintf(e.stderr, "Error: %v\n", err)
	return 1
}

func (e *env) writeJSON(v any) {
	enc := json.NewEncoder(e.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
