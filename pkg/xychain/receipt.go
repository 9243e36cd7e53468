package xychain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/pruvlabs/xychain/pkg/canonical"
)

// Receipt summarises a completed chain of operations: how long it ran,
// how many transitions it recorded, and whether the chain verified.
// Its Hash field is a deterministic digest over the identifying
// fields, so a receipt can itself be checked for tampering.
type Receipt struct {
	ID         string `json:"id"`
	Task       string `json:"task"`
	ChainID    string `json:"chain_id"`
	ChainName  string `json:"chain_name"`
	EntryCount int    `json:"entry_count"`

	Started   time.Time `json:"started"`
	Completed time.Time `json:"completed"`

	FirstPrevProof string `json:"first_prev_proof"`
	RootProof      string `json:"root_proof"`
	HeadProof      string `json:"head_proof"`

	Valid      bool `json:"valid"`
	BreakIndex int  `json:"break_index"`

	Hash string `json:"hash"`
}

// NewReceipt verifies the chain and produces a receipt for it under
// the given task description.
func NewReceipt(c *Chain, task string) (*Receipt, error) {
	valid, breakIdx := c.Verify()

	r := &Receipt{
		ID:         newID(),
		Task:       task,
		ChainID:    c.ID(),
		ChainName:  c.Name(),
		EntryCount: c.Len(),
		FirstPrevProof: func() string {
			if first := c.Entry(0); first != nil {
				return first.PrevProof
			}
			return GenesisProof
		}(),
		RootProof:  c.Root(),
		HeadProof:  c.Head(),
		Valid:      valid,
		BreakIndex: breakIdx,
	}
	if first := c.Entry(0); first != nil {
		r.Started = first.Timestamp
	}
	if last := c.Entry(c.Len() - 1); last != nil {
		r.Completed = last.Timestamp
	}

	hash, err := r.computeHash()
	if err != nil {
		return nil, err
	}
	r.Hash = hash
	return r, nil
}

// Duration is the span between the first and last entry timestamps.
func (r *Receipt) Duration() time.Duration {
	return r.Completed.Sub(r.Started)
}

// Verify recomputes the receipt hash and compares it to the stored
// one.
func (r *Receipt) VerifyHash() bool {
	hash, err := r.computeHash()
	return err == nil && hash == r.Hash
}

// computeHash digests the identifying fields through the canonical
// encoder. Timestamps are excluded on purpose: two receipts over the
// same chain content hash identically.
func (r *Receipt) computeHash() (string, error) {
	fields, err := canonical.FromGo(map[string]any{
		"id":               r.ID,
		"task":             r.Task,
		"chain_id":         r.ChainID,
		"entry_count":      r.EntryCount,
		"first_prev_proof": r.FirstPrevProof,
		"root_proof":       r.RootProof,
		"head_proof":       r.HeadProof,
		"valid":            r.Valid,
	})
	if err != nil {
		return "", err
	}
	encoded, err := canonical.Encode(fields)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}
