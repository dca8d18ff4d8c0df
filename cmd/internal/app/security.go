package app

import (
	"errors"
	"fmt"

	"burnbox/cmd/internal/admin"
	"burnbox/cmd/security/token"
)

// ValidateSecurityConfig enforces the startup key policy. It fails fast rather
// than running with an unkeyed revoke-token hasher when a key is required.
func ValidateSecurityConfig(cfg Config) error {
	if _, err := token.NewHasher(cfg.TokenHMACKey, cfg.RequireTokenHMAC, token.MinKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrKeyMissing):
			return errors.New("security policy: require_token_hmac=true but token_hmac_key is missing")
		case errors.Is(err, token.ErrKeyTooShort):
			return fmt.Errorf("security policy: token_hmac_key is too short (min %d bytes)", token.MinKeyBytes)
		default:
			return err
		}
	}
	if cfg.AdminSecret != "" && len(cfg.AdminSecret) < admin.MinSecretBytes {
		return fmt.Errorf("security policy: admin_secret is too short (min %d bytes)", admin.MinSecretBytes)
	}
	return nil
}
