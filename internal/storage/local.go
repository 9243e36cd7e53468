package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pruvlabs/xychain/pkg/xychain"
)

// LocalStore keeps one JSON file per chain under a directory. It is
// the default store for the CLI and for single-node deployments.
type LocalStore struct {
	dir string
}

// NewLocalStore creates the directory if needed and returns a store
// over it.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chain directory: %w", err)
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) path(chainID string) string {
	return filepath.Join(s.dir, chainID+".json")
}

// Save implements Store. The file is written atomically via a
// temp-file rename so a crash cannot leave a half-written chain.
func (s *LocalStore) Save(_ context.Context, c *xychain.Chain) error {
	data, err := c.Export()
	if err != nil {
		return fmt.Errorf("export chain %s: %w", c.ID(), err)
	}

	tmp, err := os.CreateTemp(s.dir, c.ID()+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write chain %s: %w", c.ID(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(c.ID())); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace chain file: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *LocalStore) Load(_ context.Context, chainID string) (*xychain.Chain, error) {
	data, err := os.ReadFile(s.path(chainID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, chainID)
		}
		return nil, fmt.Errorf("read chain %s: %w", chainID, err)
	}
	c, err := xychain.Load(data)
	if err != nil {
		return nil, fmt.Errorf("load chain %s: %w", chainID, err)
	}
	return c, nil
}

// List implements Store. Files that fail to parse are skipped.
func (s *LocalStore) List(_ context.Context) ([]ChainInfo, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan chain directory: %w", err)
	}
	sort.Strings(paths)

	infos := make([]ChainInfo, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		var summary struct {
			ID      string            `json:"id"`
			Name    string            `json:"name"`
			Entries []json.RawMessage `json:"entries"`
		}
		if err := json.Unmarshal(data, &summary); err != nil || summary.ID == "" {
			continue
		}
		infos = append(infos, ChainInfo{
			ID:     summary.ID,
			Name:   summary.Name,
			Length: len(summary.Entries),
		})
	}
	return infos, nil
}

// Delete implements Store.
func (s *LocalStore) Delete(_ context.Context, chainID string) error {
	err := os.Remove(s.path(chainID))
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, chainID)
	}
	return err
}

// Exists implements Store.
func (s *LocalStore) Exists(_ context.Context, chainID string) (bool, error) {
	if strings.ContainsAny(chainID, `/\`) {
		return false, nil
	}
	_, err := os.Stat(s.path(chainID))
	if os.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}
