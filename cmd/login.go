package cmd

import (
	"context"
	"fmt"
	"time"

	"authkit/internal/callback"
	"authkit/internal/config"
	"authkit/internal/session"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
)

var loginNoBrowser bool

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in through the configured OpenID Connect provider",
		Long: `Sign in through the configured OpenID Connect provider.

A temporary loopback server receives the provider's redirect. The
authorization URL is opened in the default browser; pass --no-browser to
print it instead.

Examples:
  authkit login
  authkit login --no-browser`,
		RunE: runLogin,
	}

	cmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "print the login URL instead of opening a browser")

	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	port := cfg.Session.CallbackPort
	if port == 0 {
		port = config.DefaultCallbackPort
	}

	server := callback.NewServer(port)
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	redirectURI, err := server.Start(serverCtx)
	if err != nil {
		return err
	}
	defer server.Stop()

	mgr, err := newManager(cfg, redirectURI)
	if err != nil {
		return err
	}
	defer mgr.Close()

	mgr.Restore(ctx)
	if snap := mgr.Status(); snap.Status == session.StatusSignedIn {
		printf("Already signed in as %s\n", text.FgGreen.Sprint(describeUser(snap.User)))
		return nil
	}

	authURL, err := mgr.CreateLoginRequest(ctx)
	if err != nil {
		return &AuthFailedError{Reason: "could not build the authorization URL", Err: err}
	}

	if loginNoBrowser {
		printf("Open this URL in your browser to sign in:\n\n  %s\n\n", authURL)
	} else {
		printf("Opening your browser to sign in...\n")
		if err := callback.OpenBrowser(authURL); err != nil {
			printf("Could not open a browser (%v).\nOpen this URL manually:\n\n  %s\n\n", err, authURL)
		}
	}

	result, err := waitForCallback(ctx, server)
	if err != nil {
		return err
	}
	if result.IsError() {
		return &AuthFailedError{
			Reason: fmt.Sprintf("provider returned %s: %s", result.Error, result.ErrorDescription),
		}
	}

	if err := mgr.CompleteLogin(ctx, result.Code, result.State); err != nil {
		return &AuthFailedError{Reason: "could not complete the login", Err: err}
	}

	snap := mgr.Status()
	printf("%s as %s\n", text.FgGreen.Sprint("Signed in"), describeUser(snap.User))
	return nil
}

// waitForCallback blocks on the loopback server with a spinner until the
// browser redirect arrives or the wait times out.
func waitForCallback(ctx context.Context, server *callback.Server) (*callback.Result, error) {
	waitCtx, cancel := context.WithTimeout(ctx, callback.WaitTimeout)
	defer cancel()

	var s *spinner.Spinner
	if !flagQuiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
		s.Suffix = " Waiting for the browser sign-in to complete..."
		s.Start()
		defer s.Stop()
	}

	result, err := server.Wait(waitCtx)
	if err != nil {
		return nil, &AuthFailedError{Reason: "no callback received", Err: err}
	}
	return result, nil
}

// describeUser renders a short identity line for output.
func describeUser(user *session.UserProfile) string {
	if user == nil {
		return "unknown user"
	}
	switch {
	case user.DisplayName != "" && user.Email != "":
		return fmt.Sprintf("%s <%s>", user.DisplayName, user.Email)
	case user.Email != "":
		return user.Email
	case user.DisplayName != "":
		return user.DisplayName
	default:
		return user.Subject
	}
}
