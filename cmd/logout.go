package cmd

import (
	"authkit/internal/session"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the persisted session",
		Long: `Sign out of the current session.

The in-memory and persisted credentials are cleared and the provider's
end-session endpoint is notified when it advertises one. Local state is
cleared even when the provider cannot be reached.`,
		RunE: runLogout,
	}
}

func runLogout(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	mgr, err := newManager(cfg, "")
	if err != nil {
		return err
	}
	defer mgr.Close()

	mgr.Restore(ctx)
	wasSignedIn := mgr.Status().Status == session.StatusSignedIn

	if err := mgr.SignOut(ctx); err != nil {
		return err
	}

	if wasSignedIn {
		printf("%s\n", text.FgGreen.Sprint("Signed out"))
	} else {
		printf("No active session; cleared any leftover credentials.\n")
	}
	return nil
}
