package cmd

import (
	"time"

	"authkit/internal/session"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session status",
		Long: `Show the current session status.

Loads the persisted session, refreshing it first when the access token is
about to expire. Exits with code 2 when no session is active.`,
		RunE: runStatus,
	}
}

func runStatus(cmd *cobra.Command, args []string) error {
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
	snap := mgr.Status()

	if snap.Status != session.StatusSignedIn {
		printf("Status:  %s\n", text.FgYellow.Sprint("Not signed in"))
		return &AuthRequiredError{Action: "status"}
	}

	printf("Status:  %s\n", text.FgGreen.Sprint("Signed in"))
	printf("User:    %s\n", describeUser(snap.User))
	if snap.User != nil && snap.User.Subject != "" {
		printf("Subject: %s\n", snap.User.Subject)
	}
	printf("Issuer:  %s\n", cfg.Provider.Issuer)

	if expiry, ok := sessionExpiry(mgr); ok {
		remaining := time.Until(expiry).Round(time.Second)
		if remaining > 0 {
			printf("Expiry:  %s (in %s)\n", expiry.Format(time.RFC3339), remaining)
		} else {
			printf("Expiry:  %s\n", text.FgYellow.Sprint("expired, refresh pending"))
		}
	}

	return nil
}

// sessionExpiry reads the access-token expiry through the manager's token
// source.
func sessionExpiry(mgr *session.Manager) (time.Time, bool) {
	token, err := mgr.TokenSource().Token()
	if err != nil || token.Expiry.IsZero() {
		return time.Time{}, false
	}
	return token.Expiry, true
}
