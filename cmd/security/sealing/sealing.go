package sealing

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	kdfArgon2id     = "argon2id"
)

// envelope is the on-disk format. Byte slices are base64 encoded by encoding/json.
type envelope struct {
	V     int    `json:"v"`
	KDF   string `json:"kdf"`
	M     uint32 `json:"m"`
	T     uint32 `json:"t"`
	P     uint8  `json:"p"`
	Salt  []byte `json:"salt"`
	Nonce []byte `json:"nonce"`
	CT    []byte `json:"ct"`
}

// Seal encrypts plaintext under a key derived from passphrase and returns a JSON envelope.
func (c Config) Seal(passphrase string, plaintext []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}

	aead, err := newAEAD(passphrase, salt, c.Params)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}

	env := envelope{
		V:     envelopeVersion,
		KDF:   kdfArgon2id,
		M:     c.Params.MemoryKiB,
		T:     c.Params.Iterations,
		P:     c.Params.Parallelism,
		Salt:  salt,
		Nonce: nonce,
	}
	env.CT = aead.Seal(nil, nonce, plaintext, additionalData(env))

	return json.Marshal(env)
}

// Open decrypts an envelope produced by Seal.
// Returns ErrInvalidEnvelope for malformed input and ErrWrongPassphrase when authentication fails.
func (c Config) Open(passphrase string, sealed []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	var env envelope
	if err := json.Unmarshal(sealed, &env); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if env.V != envelopeVersion || env.KDF != kdfArgon2id {
		return nil, ErrInvalidEnvelope
	}

	params := Argon2idParams{
		MemoryKiB:   env.M,
		Iterations:  env.T,
		Parallelism: env.P,
		SaltLength:  uint32(len(env.Salt)), // #nosec G115 -- bounded by withinReasonableBounds.
	}
	// Anti-DoS: the file is attacker-writable in the worst case.
	if !withinReasonableBounds(params, c.Params) {
		return nil, ErrInvalidEnvelope
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidEnvelope
	}

	aead, err := newAEAD(passphrase, env.Salt, params)
	if err != nil {
		return nil, err
	}

	plain, err := aead.Open(nil, env.Nonce, env.CT, additionalData(env))
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}

// IsSealed reports whether data looks like a sealed envelope rather than a plain document.
func IsSealed(data []byte) bool {
	var head struct {
		KDF string `json:"kdf"`
		CT  []byte `json:"ct"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.KDF != "" && len(head.CT) > 0
}

func newAEAD(passphrase string, salt []byte, p Argon2idParams) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("aead: %w", err)
	}
	return aead, nil
}

// additionalData binds the KDF parameters to the ciphertext so they cannot be swapped.
func additionalData(env envelope) []byte {
	return []byte(fmt.Sprintf("crowd.sealed.v%d:%s:m=%d,t=%d,p=%d", env.V, env.KDF, env.M, env.T, env.P))
}

func withinReasonableBounds(got Argon2idParams, limits Argon2idParams) bool {
	// Allow opening envelopes sealed with older/smaller settings,
	// but reject wildly larger settings.
	if got.MemoryKiB == 0 || got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations == 0 || got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism == 0 || got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	return true
}
