package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const apiTokenAccount = "local_api_token"

// APIToken returns the bearer token that guards the local HTTP API,
// generating and storing one on first use.
func APIToken(secrets Secrets) (string, error) {
	tok, err := secrets.Get(secretService, apiTokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", fmt.Errorf("reading API token: %w", err)
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	tok = hex.EncodeToString(buf)
	if err := secrets.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
