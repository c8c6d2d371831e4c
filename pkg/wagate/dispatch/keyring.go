// keyring.go provides API key storage in the operating system's native
// keyring (Linux: Secret Service/GNOME Keyring, macOS: Keychain, Windows:
// Credential Manager).
//
// Priority for resolving the key:
//  1. Explicit config value
//  2. Environment variable (GEMINI_API_KEY, then GOOGLE_API_KEY)
//  3. OS keyring
package dispatch

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "wagate"

	// keyringAPIKey is the key name for the model API key.
	keyringAPIKey = "api_key"
)

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring.
// Returns empty string if not found.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__wagate_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey resolves the model API key through the priority chain.
// Returns empty string when nothing is configured.
func ResolveAPIKey(configured string, logger *slog.Logger) string {
	if configured != "" {
		logger.Debug("API key loaded from config")
		return configured
	}
	for _, env := range []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"} {
		if val := os.Getenv(env); val != "" {
			logger.Debug("API key loaded from environment", "var", env)
			return val
		}
	}
	if val := GetKeyring(keyringAPIKey); val != "" {
		logger.Debug("API key loaded from OS keyring")
		return val
	}
	logger.Warn("no API key found. Set one with: wagate setup")
	return ""
}

// StoreAPIKey saves the model API key to the OS keyring.
func StoreAPIKey(apiKey string) error {
	if err := StoreKeyring(keyringAPIKey, apiKey); err != nil {
		return fmt.Errorf("storing in keyring: %w", err)
	}
	return nil
}

// ReadPassword reads a masked secret from the terminal.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(data), nil
}
