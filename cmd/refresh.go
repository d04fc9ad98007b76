package cmd

import (
	"time"

	"authkit/internal/session"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the access token now",
		Long: `Exchange the stored refresh token for fresh tokens immediately,
without waiting for the background schedule. The session stays signed in
with the previous tokens when the refresh fails.`,
		RunE: runRefresh,
	}
}

func runRefresh(cmd *cobra.Command, args []string) error {
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
	if mgr.Status().Status != session.StatusSignedIn {
		return &AuthRequiredError{Action: "refresh"}
	}

	if err := mgr.Refresh(ctx); err != nil {
		return err
	}

	printf("%s\n", text.FgGreen.Sprint("Tokens refreshed"))
	if expiry, ok := sessionExpiry(mgr); ok {
		printf("Expiry: %s (in %s)\n", expiry.Format(time.RFC3339), time.Until(expiry).Round(time.Second))
	}
	return nil
}
