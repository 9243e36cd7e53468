// Package balance provides standalone transfer proofs: a cryptographic
// record that a set of balances changed from one state to another,
// verifiable by anyone holding the before/after data.
//
// A proof hashes the normalised balances on each side of the transfer
// (X and Y) and binds them together with a transition hash, the same
// construction a chain entry uses. Conservation of value is a separate
// check (Balanced) so accounting errors and tampering are reported
// distinctly.
package balance

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/pruvlabs/xychain/pkg/canonical"
)

// Validation errors returned by Transfer.
var (
	ErrUnknownSender     = errors.New("balance: sender not present in balances")
	ErrNonPositiveAmount = errors.New("balance: amount must be positive")
	ErrInsufficientFunds = errors.New("balance: insufficient funds")
)

// Proof records one balance transfer with hashes over both sides.
type Proof struct {
	Before map[string]float64 `json:"before"`
	After  map[string]float64 `json:"after"`

	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Amount    float64   `json:"amount"`
	Memo      string    `json:"memo,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	X  string `json:"x"`
	Y  string `json:"y"`
	XY string `json:"xy"`
}

// Transfer builds a proof for moving amount from sender to recipient
// within balances. An absent recipient starts at zero; an absent
// sender, a non-positive amount, or insufficient funds are rejected.
func Transfer(balances map[string]float64, sender, recipient string, amount float64, memo string) (*Proof, error) {
	senderBal, ok := balances[sender]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSender, sender)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %v", ErrNonPositiveAmount, amount)
	}
	if senderBal < amount {
		return nil, fmt.Errorf("%w: %s has %v, needs %v", ErrInsufficientFunds, sender, senderBal, amount)
	}

	recipientBal := balances[recipient]
	p := &Proof{
		Before: map[string]float64{
			sender:    senderBal,
			recipient: recipientBal,
		},
		After: map[string]float64{
			sender:    round8(senderBal - amount),
			recipient: round8(recipientBal + amount),
		},
		Sender:    sender,
		Recipient: recipient,
		Amount:    amount,
		Memo:      memo,
		Timestamp: time.Now().UTC(),
	}
	if err := p.seal(); err != nil {
		return nil, err
	}
	return p, nil
}

// seal computes X, Y, and XY from the recorded balances.
func (p *Proof) seal() error {
	x, err := hashBalances(p.Before)
	if err != nil {
		return err
	}
	y, err := hashBalances(p.After)
	if err != nil {
		return err
	}
	xy, err := transitionHash(x, y, p.Timestamp)
	if err != nil {
		return err
	}
	p.X, p.Y, p.XY = x, y, xy
	return nil
}

// Valid recomputes all three hashes and compares them to the stored
// values.
func (p *Proof) Valid() bool {
	x, err := hashBalances(p.Before)
	if err != nil {
		return false
	}
	y, err := hashBalances(p.After)
	if err != nil {
		return false
	}
	xy, err := transitionHash(x, y, p.Timestamp)
	if err != nil {
		return false
	}
	return x == p.X && y == p.Y && xy == p.XY
}

// Delta returns the per-party balance change.
func (p *Proof) Delta() map[string]float64 {
	parties := make(map[string]struct{}, len(p.Before)+len(p.After))
	for k := range p.Before {
		parties[k] = struct{}{}
	}
	for k := range p.After {
		parties[k] = struct{}{}
	}
	delta := make(map[string]float64, len(parties))
	for party := range parties {
		delta[party] = round8(p.After[party] - p.Before[party])
	}
	return delta
}

// Balanced reports conservation of value: the deltas sum to zero.
func (p *Proof) Balanced() bool {
	var total float64
	for _, d := range p.Delta() {
		total += d
	}
	return round8(total) == 0
}

// hashBalances digests a balance map through the canonical encoder.
// Amounts are normalised to 8-decimal strings first so float noise
// cannot produce distinct hashes for equal balances.
func hashBalances(balances map[string]float64) (string, error) {
	fields := make(map[string]canonical.Value, len(balances))
	for party, amount := range balances {
		if math.IsNaN(amount) || math.IsInf(amount, 0) {
			return "", &canonical.EncodingError{Reason: "non-finite balance for " + party}
		}
		fields[party] = canonical.String(strconv.FormatFloat(round8(amount), 'f', -1, 64))
	}
	encoded, err := canonical.Encode(canonical.Map(fields))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// transitionHash binds the X and Y hashes and the timestamp together.
func transitionHash(x, y string, ts time.Time) (string, error) {
	// Nanosecond counts exceed float64's exact-integer range, so the
	// timestamp goes in as a decimal string rather than a number.
	fields, err := canonical.FromGo(map[string]any{
		"action":    "transfer",
		"x":         x,
		"y":         y,
		"timestamp": strconv.FormatInt(ts.UTC().UnixNano(), 10),
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

func round8(v float64) float64 {
	return math.Round(v*1e8) / 1e8
}
