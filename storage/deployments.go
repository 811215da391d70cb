package storage

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Deployment locates one deployed voting dapp.
type Deployment struct {
	Network  string `toml:"network"`
	Contract string `toml:"contract"`
}

// Deployments records where the dapps live: Primary on the origin chain,
// Secondary on the destination chain.
type Deployments struct {
	Primary   Deployment `toml:"primary"`
	Secondary Deployment `toml:"secondary"`
}

// Validate checks that both contracts are recorded.
func (d Deployments) Validate() error {
	if strings.TrimSpace(d.Primary.Contract) == "" {
		return fmt.Errorf("deployments: primary contract missing")
	}
	if strings.TrimSpace(d.Secondary.Contract) == "" {
		return fmt.Errorf("deployments: secondary contract missing")
	}
	return nil
}

// DeploymentsExist reports whether a record exists at path.
func DeploymentsExist(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// LoadDeployments reads the record at path. A missing file yields
// ErrNotFound.
func LoadDeployments(path string) (Deployments, error) {
	var d Deployments
	meta, err := toml.DecodeFile(path, &d)
	if errors.Is(err, os.ErrNotExist) {
		return Deployments{}, fmt.Errorf("deployments %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return Deployments{}, fmt.Errorf("read deployments: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Deployments{}, fmt.Errorf("deployments: unknown keys %v", undecoded)
	}
	return d, d.Validate()
}

// SaveDeployments writes the record atomically.
func SaveDeployments(path string, d Deployments) error {
	if err := d.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(d); err != nil {
		return fmt.Errorf("encode deployments: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create deployments dir: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write deployments: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace deployments: %w", err)
	}
	return nil
}
