// Package storage persists chains outside the core. Stores consume
// only the chain export surface; integrity is always re-established by
// the caller running Verify after a load.
package storage

import (
	"context"
	"errors"

	"github.com/pruvlabs/xychain/pkg/xychain"
)

// ErrNotFound is returned when no chain exists under the given id.
var ErrNotFound = errors.New("storage: chain not found")

// ChainInfo is the summary a List returns per stored chain.
type ChainInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Length int    `json:"length"`
}

// Store persists and retrieves chains by id.
type Store interface {
	// Save persists the chain's current entry sequence.
	Save(ctx context.Context, c *xychain.Chain) error

	// Load reconstructs a stored chain. The returned chain has no
	// signer or verifier attached.
	Load(ctx context.Context, chainID string) (*xychain.Chain, error)

	// List returns summaries of all stored chains.
	List(ctx context.Context) ([]ChainInfo, error)

	// Delete removes a stored chain. Deleting an absent chain returns
	// ErrNotFound.
	Delete(ctx context.Context, chainID string) error

	// Exists reports whether a chain is stored under the id.
	Exists(ctx context.Context, chainID string) (bool, error)
}
