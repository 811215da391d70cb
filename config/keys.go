package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"xcallvote/crypto"
)

// PassphraseFunc supplies the passphrase of an encrypted keystore.
type PassphraseFunc func() (string, error)

// LoadKey resolves the signing key. A keystore takes precedence over a raw
// private key; its passphrase comes from passphrase.
func LoadKey(k Key, passphrase PassphraseFunc) (*crypto.PrivateKey, error) {
	if path := strings.TrimSpace(k.Keystore); path != "" {
		if passphrase == nil {
			return nil, fmt.Errorf("keystore %s: no passphrase source", path)
		}
		secret, err := passphrase()
		if err != nil {
			return nil, err
		}
		key, err := crypto.LoadKeystore(path, secret)
		if err != nil {
			return nil, fmt.Errorf("open keystore %s: %w", path, err)
		}
		return key, nil
	}
	if !k.PrivateKey.IsSet() {
		return nil, fmt.Errorf("no key configured")
	}
	raw, err := k.PrivateKey.Resolve()
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	return crypto.PrivateKeyFromHex(raw)
}

// KeyFor returns the key settings of chain, "icon" or "evm".
func (c *Config) KeyFor(chain string) (*Key, error) {
	switch strings.ToLower(strings.TrimSpace(chain)) {
	case "icon":
		return &c.ICON.Key, nil
	case "evm":
		return &c.EVM.Key, nil
	default:
		return nil, fmt.Errorf("unknown chain %q; use icon or evm", chain)
	}
}

// RecordKeystore points the key of chain in the config file at keystore and
// drops its raw private key. The rest of the file is written back as decoded,
// without defaults.
func RecordKeystore(path, chain, keystore string) error {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	key, err := cfg.KeyFor(chain)
	if err != nil {
		return err
	}
	key.Keystore = keystore
	key.PrivateKey = Secret{}
	return persist(path, cfg)
}
