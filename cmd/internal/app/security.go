package app

import (
	"errors"
	"unicode/utf8"

	"crowd/cmd/internal/auth/tokenstore"
)

// minPassphraseRunes is the shortest passphrase accepted for sealing the credential file.
const minPassphraseRunes = 12

// ValidateSecurityConfig enforces the credential-at-rest policy at startup.
//
// Fail-fast: a policy that asks for a sealed file never silently falls back to plaintext.
func ValidateSecurityConfig(cfg Config, loc tokenstore.Location) error {
	if cfg.StorePassphrase != "" {
		if loc.Kind != tokenstore.KindFile {
			return errors.New("security policy: CROWD_STORE_PASSPHRASE only applies to file stores")
		}
		if utf8.RuneCountInString(cfg.StorePassphrase) < minPassphraseRunes {
			return errors.New("security policy: CROWD_STORE_PASSPHRASE is too short (min 12 characters)")
		}
	}

	if !cfg.RequireSealedStore {
		return nil
	}
	switch loc.Kind {
	case tokenstore.KindFile:
		if cfg.StorePassphrase == "" {
			return errors.New("security policy: CROWD_STORE_REQUIRE_SEALED=true but CROWD_STORE_PASSPHRASE is missing")
		}
	case tokenstore.KindMemory:
		// Nothing reaches disk.
	default:
		return errors.New("security policy: CROWD_STORE_REQUIRE_SEALED=true needs a file or memory store")
	}
	return nil
}
