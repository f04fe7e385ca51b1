package sealing

import "errors"

// Public, stable errors for callers.
var (
	ErrEmptyPassphrase = errors.New("sealing passphrase is empty")
	ErrInvalidEnvelope = errors.New("invalid sealed envelope")
	ErrWrongPassphrase = errors.New("wrong passphrase or corrupted envelope")
)
