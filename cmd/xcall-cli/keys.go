package main

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"xcallvote/cmd/internal/passphrase"
	"xcallvote/config"
	"xcallvote/crypto"
)

// keystoreScrypt is the cost of keystores written by "keys encrypt".
var keystoreScrypt = crypto.StandardScrypt

func runKeys(e *env, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(e.stderr, "Usage: xcall-cli keys <show|encrypt> [flags]")
		return 1
	}
	switch args[0] {
	case "show":
		return runKeysShow(e, args[1:])
	case "encrypt":
		return runKeysEncrypt(e, args[1:])
	default:
		fmt.Fprintf(e.stderr, "Unknown keys subcommand: %s\n", args[0])
		return 1
	}
}

func runKeysShow(e *env, args []string) int {
	fs := flag.NewFlagSet("keys show", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	cfg, err := e.loadConfig()
	if err != nil {
		return e.fail(err)
	}
	iconPass, evmPass := passphrases(cfg)
	out := map[string]string{}
	if cfg.ICON.Key.IsSet() {
		key, err := config.LoadKey(cfg.ICON.Key, iconPass)
		if err != nil {
			return e.fail(fmt.Errorf("icon key: %w", err))
		}
		out["icon"] = key.PubKey().ICONAddress()
	}
	if cfg.EVM.Key.IsSet() {
		key, err := config.LoadKey(cfg.EVM.Key, evmPass)
		if err != nil {
			return e.fail(fmt.Errorf("evm key: %w", err))
		}
		out["evm"] = key.PubKey().EVMAddress().Hex()
	}
	e.writeJSON(out)
	return 0
}

func runKeysEncrypt(e *env, args []string) int {
	fs := flag.NewFlagSet("keys encrypt", flag.ContinueOnError)
	fs.SetOutput(e.stderr)
	var chainName, out string
	fs.StringVar(&chainName, "chain", "", "key to encrypt: icon or evm")
	fs.StringVar(&out, "out", "", "keystore path; defaults to keys/<chain>.keystore next to the config")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	chainName = strings.ToLower(strings.TrimSpace(chainName))
	format := crypto.KeystoreEVM
	switch chainName {
	case "icon":
		format = crypto.KeystoreICON
	case "evm":
	default:
		return e.fail(fmt.Errorf("--chain must be icon or evm"))
	}

	cfg, err := e.loadConfig()
	if err != nil {
		return e.fail(err)
	}
	settings, err := cfg.KeyFor(chainName)
	if err != nil {
		return e.fail(err)
	}
	if !settings.PrivateKey.IsSet() {
		return e.fail(fmt.Errorf("%s: no raw private key configured to encrypt", chainName))
	}
	key, err := config.LoadKey(config.Key{PrivateKey: settings.PrivateKey}, nil)
	if err != nil {
		return e.fail(fmt.Errorf("%s key: %w", chainName, err))
	}
	secret, err := passphrase.NewSource(strings.ToUpper(chainName), settings.PassphraseEnv).Get()
	if err != nil {
		return e.fail(err)
	}

	if strings.TrimSpace(out) == "" {
		out = filepath.Join(filepath.Dir(e.configPath), "keys", chainName+".keystore")
	}
	out, err = filepath.Abs(out)
	if err != nil {
		return e.fail(err)
	}
	if err := crypto.WriteKeystore(out, key, secret, format, keystoreScrypt); err != nil {
		return e.fail(fmt.Errorf("write keystore: %w", err))
	}
	if err := config.RecordKeystore(e.configPath, chainName, out); err != nil {
		return e.fail(err)
	}
	fmt.Fprintf(e.stdout, "Encrypted %s key into %s\n", chainName, out)
	return 0
}
