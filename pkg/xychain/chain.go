// Package xychain implements a tamper-evident ledger of state
// transitions. Each entry records an action, the state before it (X),
// the state after it (Y), and a proof hash binding the entry to its
// predecessor. Any holder of the full entry sequence can re-verify it
// with no shared secret: Verify recomputes every proof and reports the
// first index where the chain breaks.
//
// The chain starts from the well-known GenesisProof constant. Chains
// may optionally be constructed with a Signer, binding each proof to an
// identity via a detached signature, and a Verifier that resolves key
// ids during verification.
package xychain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pruvlabs/xychain/pkg/canonical"
)

// newID returns a fresh 12-hex-char identifier derived from a UUID.
func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Chain is a named, append-only sequence of entries. A Chain owns its
// entry slice exclusively; entries are never mutated or removed once
// appended.
//
// Append is not safe for concurrent use: callers must serialise
// writers. Verify may run concurrently with other Verify calls, but
// not with an in-flight Append.
type Chain struct {
	id       string
	name     string
	entries  []*Entry
	signer   Signer
	verifier Verifier
	redactor func(canonical.Value) canonical.Value
}

// Option configures a Chain at construction time.
type Option func(*Chain)

// WithSigner enables signing: every appended entry carries a signature
// over its proof, produced by s. Signing failures abort the append.
func WithSigner(s Signer) Option {
	return func(c *Chain) { c.signer = s }
}

// WithVerifier enables signature checking during Verify. Without it a
// chain verifies hash integrity only - an explicit degraded mode, not
// a silent fallback.
func WithVerifier(v Verifier) Option {
	return func(c *Chain) { c.verifier = v }
}

// WithRedactor applies fn to both states before they are hashed into
// an entry. Used to scrub secrets out of recorded state.
func WithRedactor(fn func(canonical.Value) canonical.Value) Option {
	return func(c *Chain) { c.redactor = fn }
}

// WithID overrides the generated chain id. Used when reconstructing a
// chain from its exported form.
func WithID(id string) Option {
	return func(c *Chain) { c.id = id }
}

// New creates an empty chain with the given name.
func New(name string, opts ...Option) *Chain {
	c := &Chain{
		id:   newID(),
		name: name,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromEntries reconstructs a chain around an existing entry sequence,
// e.g. one loaded from storage or a foreign export. The entries are
// taken as-is; call Verify to establish their integrity.
func FromEntries(id, name string, entries []*Entry, opts ...Option) *Chain {
	c := New(name, opts...)
	if id != "" {
		c.id = id
	}
	c.entries = append(c.entries, entries...)
	return c
}

// ID returns the chain id.
func (c *Chain) ID() string { return c.id }

// Name returns the chain name.
func (c *Chain) Name() string { return c.name }

// Len returns the number of entries.
func (c *Chain) Len() int { return len(c.entries) }

// Entry returns the entry at the given zero-based index, or nil when
// the index is out of range.
func (c *Chain) Entry(index int) *Entry {
	if index < 0 || index >= len(c.entries) {
		return nil
	}
	return c.entries[index]
}

// Entries returns a copy of the entry sequence. The entries themselves
// are shared, not copied.
func (c *Chain) Entries() []*Entry {
	return append([]*Entry(nil), c.entries...)
}

// Head returns the proof of the most recent entry, or GenesisProof for
// an empty chain.
func (c *Chain) Head() string {
	if len(c.entries) == 0 {
		return GenesisProof
	}
	return c.entries[len(c.entries)-1].Proof
}

// Root returns the proof of the first entry, or "" for an empty chain.
func (c *Chain) Root() string {
	if len(c.entries) == 0 {
		return ""
	}
	return c.entries[0].Proof
}

// AppendOption adjusts a single Append call.
type AppendOption func(*appendParams)

type appendParams struct {
	timestamp time.Time
}

// WithTimestamp supplies the entry timestamp instead of the current
// time. Timestamps are signed input material but out-of-order clocks
// are not rejected.
func WithTimestamp(t time.Time) AppendOption {
	return func(p *appendParams) { p.timestamp = t }
}

// Append creates, links, and stores a new entry recording the
// transition x -> y under the given action. States may be nil (treated
// as empty), map[string]any, or canonical map Values.
//
// On any error - empty action, unencodable state, signing failure -
// the chain is left untouched.
func (c *Chain) Append(action string, xState, yState any, opts ...AppendOption) (*Entry, error) {
	if action == "" {
		return nil, ErrEmptyAction
	}

	params := appendParams{timestamp: time.Now().UTC()}
	for _, opt := range opts {
		opt(&params)
	}

	xv, err := toStateValue(xState)
	if err != nil {
		return nil, fmt.Errorf("x_state: %w", err)
	}
	yv, err := toStateValue(yState)
	if err != nil {
		return nil, fmt.Errorf("y_state: %w", err)
	}
	if c.redactor != nil {
		xv = c.redactor(xv)
		yv = c.redactor(yv)
	}

	index := len(c.entries)
	prevProof := GenesisProof
	if index > 0 {
		prevProof = c.entries[index-1].Proof
	}

	proof, err := computeProof(index, action, xv, yv, params.timestamp, prevProof)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		Index:     index,
		Action:    action,
		XState:    xv,
		YState:    yv,
		Timestamp: params.timestamp.UTC(),
		PrevProof: prevProof,
		Proof:     proof,
	}

	if c.signer != nil {
		sig, keyID, err := c.signer.Sign([]byte(proof))
		if err != nil {
			return nil, &SigningError{KeyID: keyID, Err: err}
		}
		entry.Signature = sig
		entry.KeyID = keyID
	}

	c.entries = append(c.entries, entry)
	return entry, nil
}

// toStateValue normalises caller-supplied state into a canonical map
// Value. nil means the empty state.
func toStateValue(state any) (canonical.Value, error) {
	if state == nil {
		return canonical.EmptyMap(), nil
	}
	v, err := canonical.FromGo(state)
	if err != nil {
		return canonical.Value{}, err
	}
	if v.Kind() != canonical.KindMap {
		return canonical.Value{}, &canonical.EncodingError{Reason: "state must be a map, got " + v.Kind().String()}
	}
	return v, nil
}

// Verify walks the chain from index 0 and reports whether every link,
// proof, and (when a Verifier is configured) signature holds. It
// returns (true, -1) for a fully valid or empty chain, or (false, i)
// where i is the first entry failing any check.
//
// An integrity failure is a normal result, not an error: a broken
// chain is detected, never repaired, and entries past the break carry
// no trust.
func (c *Chain) Verify() (bool, int) {
	for i, e := range c.entries {
		if !c.entryValid(i, e) {
			return false, i
		}
	}
	return true, -1
}

// VerifyAll is the full-audit variant of Verify: it returns every
// index that fails its own checks, not just the first. Link checks
// compare against the predecessor's stored proof, so one tampered
// entry reports once rather than cascading down the chain.
func (c *Chain) VerifyAll() []int {
	var breaks []int
	for i, e := range c.entries {
		if !c.entryValid(i, e) {
			breaks = append(breaks, i)
		}
	}
	return breaks
}

// entryValid runs the per-entry verification checks: link to the
// stored predecessor proof, proof recomputation, then signature.
func (c *Chain) entryValid(i int, e *Entry) bool {
	want := GenesisProof
	if i > 0 {
		want = c.entries[i-1].Proof
	}
	if e.PrevProof != want {
		return false
	}

	recomputed, err := e.recompute()
	if err != nil || recomputed != e.Proof {
		return false
	}

	if c.verifier != nil {
		if len(e.Signature) == 0 {
			return false
		}
		if !c.verifier.Verify([]byte(e.Proof), e.Signature, e.KeyID) {
			return false
		}
	}
	return true
}

// chainExport is the documented external representation of a chain.
type chainExport struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Entries []*Entry `json:"entries"`
}

// Export serialises the chain to its stable JSON representation so an
// independent implementation can re-verify it.
func (c *Chain) Export() ([]byte, error) {
	return json.MarshalIndent(chainExport{
		ID:      c.id,
		Name:    c.name,
		Entries: c.entries,
	}, "", "  ")
}

// Load reconstructs a chain from its exported JSON form. Options may
// supply a Verifier for subsequent signature checks. The loaded
// entries are not implicitly verified.
func Load(data []byte, opts ...Option) (*Chain, error) {
	var ex chainExport
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("parse chain export: %w", err)
	}
	return FromEntries(ex.ID, ex.Name, ex.Entries, opts...), nil
}
