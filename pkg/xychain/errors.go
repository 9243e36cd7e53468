package xychain

import "errors"

// ErrEmptyAction is returned by Append when the action string is empty.
var ErrEmptyAction = errors.New("xychain: action must not be empty")

// SigningError reports that the configured signer was unavailable or
// refused to sign. An append that fails to sign leaves the chain
// untouched; an entry is never stored half-signed.
type SigningError struct {
	KeyID string
	Err   error
}

func (e *SigningError) Error() string {
	if e.KeyID != "" {
		return "xychain: signing with key " + e.KeyID + ": " + e.Err.Error()
	}
	return "xychain: signing: " + e.Err.Error()
}

func (e *SigningError) Unwrap() error { return e.Err }
