package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// KeystoreFormat selects the address layout written into a keystore.
type KeystoreFormat int

const (
	// KeystoreEVM writes the plain v3 layout with a hex address.
	KeystoreEVM KeystoreFormat = iota
	// KeystoreICON writes an hx address and the icx coin type so ICON wallets
	// accept the file.
	KeystoreICON
)

// ScryptParams is the key derivation cost of a written keystore.
type ScryptParams struct {
	N int
	P int
}

var (
	StandardScrypt = ScryptParams{N: keystore.StandardScryptN, P: keystore.StandardScryptP}
	LightScrypt    = ScryptParams{N: keystore.LightScryptN, P: keystore.LightScryptP}
)

// ErrKeystoreAddress reports a keystore whose address field names a
// different account than the key it decrypts to.
var ErrKeystoreAddress = errors.New("crypto: keystore address does not match key")

type keystoreHeader struct {
	Address  string `json:"address"`
	CoinType string `json:"coinType,omitempty"`
}

// matches reports whether the recorded address belongs to pub. Files without
// an address are accepted.
func (h keystoreHeader) matches(pub *PublicKey) bool {
	addr := strings.TrimSpace(h.Address)
	switch {
	case addr == "":
		return true
	case strings.HasPrefix(addr, ICONAddressPrefix):
		return strings.EqualFold(addr, pub.ICONAddress())
	default:
		if !strings.HasPrefix(addr, "0x") {
			addr = "0x" + addr
		}
		return common.IsHexAddress(addr) && common.HexToAddress(addr) == pub.EVMAddress()
	}
}

// EncryptKeystore returns the v3 keystore JSON for key.
func EncryptKeystore(key *PrivateKey, passphrase string, format KeystoreFormat, params ScryptParams) ([]byte, error) {
	if key == nil {
		return nil, errors.New("crypto: nil private key")
	}
	if params.N <= 0 || params.P <= 0 {
		return nil, fmt.Errorf("crypto: invalid scrypt params n=%d p=%d", params.N, params.P)
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}
	pub := key.PubKey()
	encrypted, err := keystore.EncryptKey(&keystore.Key{
		Id:         id,
		Address:    pub.EVMAddress(),
		PrivateKey: key.PrivateKey,
	}, passphrase, params.N, params.P)
	if err != nil {
		return nil, err
	}
	if format != KeystoreICON {
		return encrypted, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(encrypted, &doc); err != nil {
		return nil, err
	}
	doc["address"], _ = json.Marshal(pub.ICONAddress())
	doc["coinType"], _ = json.Marshal("icx")
	return json.Marshal(doc)
}

// WriteKeystore encrypts key into path, replacing any existing file. Missing
// parent directories are created with 0700 permissions.
func WriteKeystore(path string, key *PrivateKey, passphrase string, format KeystoreFormat, params ScryptParams) error {
	if strings.TrimSpace(path) == "" {
		return errors.New("crypto: empty keystore path")
	}
	encoded, err := EncryptKeystore(key, passphrase, format, params)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".keystore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadKeystore decrypts an EVM or ICON v3 keystore and checks that its
// address field belongs to the decrypted key.
func LoadKeystore(path, passphrase string) (*PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var header keystoreHeader
	if err := json.Unmarshal(raw, &header); err != nil {
		return nil, fmt.Errorf("crypto: keystore: %w", err)
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, err
	}
	key := &PrivateKey{PrivateKey: decrypted.PrivateKey}
	if !header.matches(key.PubKey()) {
		return nil, fmt.Errorf("%w: %s", ErrKeystoreAddress, header.Address)
	}
	return key, nil
}
