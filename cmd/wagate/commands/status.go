package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jholhewres/wagate/pkg/wagate/authstore"
)

// newStatusCmd creates the `wagate status` command that inspects stored
// sessions without connecting them.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List stored sessions",
		Long: `List the sessions with credentials on disk: their id, the
paired account, and when the credentials were last refreshed. Works
offline; nothing connects.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	store, err := authstore.New(cfg.StoreDir, nil)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}

	ids, err := store.Restorable()
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}
	if len(ids) == 0 {
		fmt.Println("No stored sessions. Start one with: wagate serve --session <id>")
		return nil
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-20s %-30s %s\n", "SESSION", "ACCOUNT", "UPDATED")
	for _, id := range ids {
		jid, updated := "-", "-"
		if snap, err := store.ReadSnapshot(id); err == nil && snap != nil {
			if snap.JID != "" {
				jid = snap.JID
			}
			if !snap.UpdatedAt.IsZero() {
				updated = snap.UpdatedAt.Format("2006-01-02 15:04")
			}
		} else if err != nil && !os.IsNotExist(err) {
			jid = "(unreadable)"
		}
		fmt.Fprintf(w, "%-20s %-30s %s\n", id, jid, updated)
	}
	return nil
}
