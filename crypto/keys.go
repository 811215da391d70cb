package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/sha3"
)

// ICONAddressPrefix marks externally owned accounts on ICON networks.
const ICONAddressPrefix = "hx"

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// EVMAddress derives the keccak based account address used on EVM chains.
func (k *PublicKey) EVMAddress() common.Address {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

// ICONAddress derives the hx-prefixed account address used on ICON networks:
// the last 20 bytes of the SHA3-256 digest of the uncompressed public key
// without its 0x04 marker.
func (k *PublicKey) ICONAddress() string {
	raw := crypto.FromECDSAPub(k.PublicKey)
	digest := SHA3Sum256(raw[1:])
	return ICONAddressPrefix + hex.EncodeToString(digest[len(digest)-20:])
}

// SHA3Sum256 returns the FIPS-202 SHA3-256 digest ICON uses for transaction hashes.
func SHA3Sum256(data []byte) []byte {
	sum := sha3.Sum256(data)
	return sum[:]
}

// SignRecoverable signs a 32 byte digest and returns the 65 byte [R || S || V]
// signature with V in {0, 1}.
func (k *PrivateKey) SignRecoverable(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, k.PrivateKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded secp256k1 key with or without a 0x prefix.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(raw), "0x"), "0X")
	if trimmed == "" {
		return nil, fmt.Errorf("crypto: empty private key")
	}
	b, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode private key: %w", err)
	}
	return PrivateKeyFromBytes(b)
}
