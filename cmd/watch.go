package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"authkit/internal/credstore"
	"authkit/internal/session"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream session-state changes until interrupted",
		Long: `Subscribe to the session and print every state change as it happens,
including background token refreshes. When credential watching is enabled
in the config, sign-ins performed by another process are picked up too.

Press Ctrl-C to stop.`,
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
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

	subID := mgr.Subscribe(func(snap session.Snapshot) error {
		fmt.Printf("%s  %s", time.Now().Format(time.RFC3339), colorStatus(snap.Status))
		if snap.User != nil {
			fmt.Printf("  %s", describeUser(snap.User))
		}
		fmt.Println()
		return nil
	})
	defer mgr.Unsubscribe(subID)

	var watcher *credstore.Watcher
	if cfg.Session.WatchCredential {
		watcher, err = credstore.NewWatcher(credstore.WatcherConfig{
			Path: cfg.Session.CredentialFile,
			OnChange: func() {
				// Another process changed the credential; pick up an
				// external sign-in when this process has no session.
				if mgr.Status().Status == session.StatusSignedOut {
					mgr.Restore(ctx)
				}
			},
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(); err != nil {
			return err
		}
		defer watcher.Stop()
		printf("Watching %s for external changes\n", cfg.Session.CredentialFile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	printf("Stopped watching\n")
	return nil
}

// colorStatus renders a status with a color matching its severity.
func colorStatus(status session.Status) string {
	switch status {
	case session.StatusSignedIn:
		return text.FgGreen.Sprint(status.String())
	case session.StatusAuthenticating, session.StatusRefreshing:
		return text.FgYellow.Sprint(status.String())
	case session.StatusSignedOut:
		return text.FgRed.Sprint(status.String())
	default:
		return status.String()
	}
}
