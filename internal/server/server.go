// Package server exposes chains over HTTP. It is a thin wrapper around
// the four core interfaces (construct, append, verify, export): the
// engine itself does no I/O, so this package owns the per-chain write
// lock, persistence through a storage.Store, and the operational
// middleware (metrics, rate limiting, auth).
package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pruvlabs/xychain/internal/redact"
	"github.com/pruvlabs/xychain/internal/storage"
	"github.com/pruvlabs/xychain/pkg/xychain"
)

// Config holds server construction options.
type Config struct {
	// Redact applies secret redaction to appended states.
	Redact bool
}

// Server manages the set of live chains and their persistence.
type Server struct {
	mu     sync.RWMutex
	chains map[string]*managedChain

	store    storage.Store
	signer   xychain.Signer
	verifier xychain.Verifier
	cfg      Config
	logger   *zap.Logger
}

// managedChain pairs a chain with the mutex that serialises its
// writers, as the engine requires. signed records whether the chain
// was created with the server's signer, so construction options can
// be reattached when the chain is rebuilt.
type managedChain struct {
	mu     sync.Mutex
	chain  *xychain.Chain
	signed bool
}

// New creates a Server. store may be nil for memory-only operation;
// signer/verifier may be nil to run hash-only chains.
func New(store storage.Store, signer xychain.Signer, verifier xychain.Verifier, cfg Config, logger *zap.Logger) *Server {
	return &Server{
		chains:   make(map[string]*managedChain),
		store:    store,
		signer:   signer,
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
	}
}

// LoadAll restores every stored chain into memory. Chains that fail
// verification are still loaded; verification state is reported per
// request, never repaired.
func (s *Server) LoadAll(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	infos, err := s.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list stored chains: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, info := range infos {
		c, err := s.store.Load(ctx, info.ID)
		if err != nil {
			return fmt.Errorf("load chain %s: %w", info.ID, err)
		}
		s.chains[info.ID] = s.rebind(c)

		valid, breakIdx := s.chains[info.ID].chain.Verify()
		if !valid {
			s.logger.Warn("stored chain failed integrity check",
				zap.String("chain_id", info.ID),
				zap.Int("break_index", breakIdx),
			)
		}
	}
	s.logger.Info("chains restored", zap.Int("count", len(infos)))
	return nil
}

// rebind reattaches the server's capabilities to a freshly loaded
// chain, which comes back from storage without them.
func (s *Server) rebind(c *xychain.Chain) *managedChain {
	signed := len(c.Entries()) > 0 && c.Entries()[0].KeyID != ""
	return &managedChain{
		chain:  xychain.FromEntries(c.ID(), c.Name(), c.Entries(), s.chainOptions(signed)...),
		signed: signed,
	}
}

// chainOptions assembles construction options for a chain. signed
// controls whether the server's signer is attached.
func (s *Server) chainOptions(signed bool) []xychain.Option {
	var opts []xychain.Option
	if signed && s.signer != nil {
		opts = append(opts, xychain.WithSigner(s.signer))
	}
	if signed && s.verifier != nil {
		opts = append(opts, xychain.WithVerifier(s.verifier))
	}
	if s.cfg.Redact {
		opts = append(opts, xychain.WithRedactor(redact.State))
	}
	return opts
}

// get returns the managed chain for an id.
func (s *Server) get(id string) (*managedChain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.chains[id]
	return mc, ok
}

// persist saves a chain if a store is configured.
func (s *Server) persist(ctx context.Context, c *xychain.Chain) error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(ctx, c)
}
