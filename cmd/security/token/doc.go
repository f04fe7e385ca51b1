// Package token provides token fingerprinting primitives for crowd.
//
// Access and refresh tokens are bearer credentials and must never reach logs in plaintext.
// Everything that needs to correlate tokens in logs or metrics goes through Fingerprint.
//
// Design goals:
// - Default mode: truncated SHA-256(token) when no HMAC key is configured.
// - Keyed mode: truncated HMAC-SHA256(token, key) so fingerprints cannot be brute-forced offline.
// - Stable short hex output that is safe to print.
//
// Environment:
// - CROWD_TOKEN_HMAC_KEY: when set, enables keyed mode.
package token
