package xychain

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
)

// Signer produces a signature over an entry's proof bytes at append
// time, together with an identifier for the verification key that
// applies. The chain engine depends only on this interface; any
// asymmetric scheme may be substituted.
type Signer interface {
	Sign(proof []byte) (signature []byte, keyID string, err error)
}

// Verifier checks an entry's signature against its proof bytes using
// the key named by keyID. A false result covers both a bad signature
// and an unresolvable key.
type Verifier interface {
	Verify(proof, signature []byte, keyID string) bool
}

// GenerateKeypair creates a fresh Ed25519 keypair.
func GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return pub, priv, nil
}

// Ed25519Signer signs proofs with a single Ed25519 private key.
type Ed25519Signer struct {
	priv  ed25519.PrivateKey
	keyID string
}

// NewEd25519Signer creates a Signer for the given private key. keyID is
// the identifier verifiers will use to look up the public key.
func NewEd25519Signer(priv ed25519.PrivateKey, keyID string) (*Ed25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("ed25519 private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	if keyID == "" {
		return nil, fmt.Errorf("key id must not be empty")
	}
	return &Ed25519Signer{priv: priv, keyID: keyID}, nil
}

// Sign implements Signer.
func (s *Ed25519Signer) Sign(proof []byte) ([]byte, string, error) {
	return ed25519.Sign(s.priv, proof), s.keyID, nil
}

// StaticResolver is a Verifier backed by a fixed key-id to public-key
// map. Safe for concurrent use.
type StaticResolver struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
}

// NewStaticResolver creates an empty StaticResolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{keys: make(map[string]ed25519.PublicKey)}
}

// Add registers a public key under the given id, replacing any
// previous key with that id.
func (r *StaticResolver) Add(keyID string, pub ed25519.PublicKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[keyID] = pub
}

// Verify implements Verifier.
func (r *StaticResolver) Verify(proof, signature []byte, keyID string) bool {
	r.mu.RLock()
	pub, ok := r.keys[keyID]
	r.mu.RUnlock()
	if !ok || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, proof, signature)
}
