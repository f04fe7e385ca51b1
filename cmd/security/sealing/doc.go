// Package sealing encrypts small secrets at rest for crowd.
//
// It is used by the file credential store to keep the access/refresh token pair unreadable
// without the user's passphrase. It implements:
// - Argon2id key derivation with configurable parameters (via environment variables)
// - XChaCha20-Poly1305 authenticated encryption
// - A self-describing JSON envelope that records the KDF parameters and salt
//
// Security notes:
// - Envelopes are treated as untrusted input during Open and validated accordingly.
// - Open refuses KDF parameters that exceed reasonable bounds (anti-DoS on tampered files).
package sealing
