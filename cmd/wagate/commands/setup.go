package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wagate/pkg/wagate/dispatch"
)

// newSetupCmd creates the `wagate setup` command that stores the model
// API key in the OS keyring.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Store the model API key securely",
		Long: `Prompt for the model API key and store it in the OS keyring
(Linux: Secret Service/GNOME Keyring, macOS: Keychain, Windows:
Credential Manager). The serve command resolves the key from config,
environment, then keyring.`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	apiKey, err := dispatch.ReadPassword("Model API key: ")
	if err != nil {
		return err
	}
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return fmt.Errorf("empty API key")
	}

	if !dispatch.KeyringAvailable() {
		fmt.Println("OS keyring not available.")
		fmt.Println("Set GEMINI_API_KEY in your environment or .env file instead.")
		return nil
	}
	if err := dispatch.StoreAPIKey(apiKey); err != nil {
		return err
	}
	fmt.Println("API key stored in OS keyring.")
	return nil
}
