package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"xcallvote/core/lifecycle"
)

// Journal persists lifecycle snapshots. Record is called on every phase
// transition and overwrites the previous snapshot of the same lifecycle.
type Journal interface {
	Record(ctx context.Context, lc lifecycle.Lifecycle) error
	Get(ctx context.Context, id string) (lifecycle.Lifecycle, error)
	// List returns the most recently created lifecycles first.
	List(ctx context.Context, limit int) ([]lifecycle.Lifecycle, error)
	Close() error
}

// JournalConfig selects the journal backend.
type JournalConfig struct {
	// Driver is one of memory, leveldb, sqlite or postgres.
	Driver string `toml:"Driver" yaml:"driver"`
	// DSN is the database path or connection string.
	DSN string `toml:"DSN" yaml:"dsn"`
}

// OpenJournal opens the configured backend.
func OpenJournal(cfg JournalConfig) (Journal, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewKVJournal(NewMemDB()), nil
	case "leveldb":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("leveldb journal: path required")
		}
		db, err := NewLevelDB(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open leveldb journal: %w", err)
		}
		return NewKVJournal(db), nil
	case "sqlite", "postgres":
		return OpenSQLJournal(cfg.Driver, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}

var lifecyclePrefix = []byte("lifecycle/")

// KVJournal keeps lifecycle snapshots as JSON in a key-value Database.
type KVJournal struct {
	db Database
}

// NewKVJournal wraps db.
func NewKVJournal(db Database) *KVJournal {
	return &KVJournal{db: db}
}

func lifecycleKey(id string) []byte {
	return append(append([]byte(nil), lifecyclePrefix...), id...)
}

// Record implements Journal.
func (j *KVJournal) Record(_ context.Context, lc lifecycle.Lifecycle) error {
	if strings.TrimSpace(lc.ID) == "" {
		return fmt.Errorf("journal: lifecycle id required")
	}
	payload, err := json.Marshal(lc)
	if err != nil {
		return fmt.Errorf("encode lifecycle %s: %w", lc.ID, err)
	}
	if err := j.db.Put(lifecycleKey(lc.ID), payload); err != nil {
		return fmt.Errorf("store lifecycle %s: %w", lc.ID, err)
	}
	return nil
}

// Get implements Journal.
func (j *KVJournal) Get(_ context.Context, id string) (lifecycle.Lifecycle, error) {
	payload, err := j.db.Get(lifecycleKey(id))
	if err != nil {
		return lifecycle.Lifecycle{}, fmt.Errorf("lifecycle %s: %w", id, err)
	}
	var lc lifecycle.Lifecycle
	if err := json.Unmarshal(payload, &lc); err != nil {
		return lifecycle.Lifecycle{}, fmt.Errorf("decode lifecycle %s: %w", id, err)
	}
	return lc, nil
}

// List implements Journal.
func (j *KVJournal) List(_ context.Context, limit int) ([]lifecycle.Lifecycle, error) {
	var out []lifecycle.Lifecycle
	err := j.db.Iterate(lifecyclePrefix, func(_, value []byte) error {
		var lc lifecycle.Lifecycle
		if err := json.Unmarshal(value, &lc); err != nil {
			return err
		}
		out = append(out, lc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list lifecycles: %w", err)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Journal.
func (j *KVJournal) Close() error { return j.db.Close() }
