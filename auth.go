package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/stridekit/fitsync/internal/credstore"
)

// Token state constants for status reporting.
const (
	tokenStateMissing = "missing"
	tokenStateExpired = "expired"
	tokenStateValid   = "valid"
	tokenStateUnknown = "unknown" // opaque token without expiry
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in with email and password",
		Long: `Sign in to StrideKit on this device.

The password is read from --password, from a terminal prompt, or from the
first line of stdin when stdin is not a terminal. Signing in as a different
user than the one currently signed in discards that user's unsynced changes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignIn(cmd, args[0], false)
		},
	}

	cmd.Flags().String("password", "", "account password (prompted when omitted)")

	return cmd
}

func newRegisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account and sign in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSignIn(cmd, args[0], true)
		},
	}

	cmd.Flags().String("password", "", "account password (prompted when omitted)")

	return cmd
}

func runSignIn(cmd *cobra.Command, email string, register bool) error {
	ctx := cmd.Context()

	password, err := readPassword(cmd)
	if err != nil {
		return err
	}

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	signIn := a.Sessions.Login
	if register {
		signIn = a.Sessions.Register
	}

	sess, err := signIn(ctx, email, password)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		return writeJSON(cmd.OutOrStdout(), sessionJSON(sess))
	}

	cc.Statusf("Signed in as %s.\n", sess.UserID)

	return nil
}

// readPassword returns --password when set, otherwise prompts on a terminal
// without echo, otherwise reads one line from stdin.
func readPassword(cmd *cobra.Command) (string, error) {
	if pw, _ := cmd.Flags().GetString("password"); pw != "" {
		return pw, nil
	}

	in := cmd.InOrStdin()

	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")

		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(os.Stderr)

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(pw), nil
	}

	return readPasswordLine(in)
}

func readPasswordLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return "", errors.New("no password given: use --password or pipe it on stdin")
	}

	return strings.TrimRight(sc.Text(), "\r"), nil
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and discard unsynced changes",
		RunE:  runLogout,
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.currentUser(ctx)
	if errors.Is(err, errNotSignedIn) {
		cc.Statusf("Not signed in.\n")
		return nil
	}

	if err != nil {
		return err
	}

	stats, err := a.Queue.Stats(ctx, user, time.Now())
	if err != nil {
		return err
	}

	if err := a.Sessions.Logout(ctx); err != nil {
		return err
	}

	if stats.Pending > 0 {
		cc.Statusf("Discarded %d unsynced change(s).\n", stats.Pending)
	}

	cc.Statusf("Signed out.\n")

	return nil
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Display the signed-in user and token state",
		RunE:  runWhoami,
	}
}

// whoamiOutput is the JSON schema for `whoami --json`.
type whoamiOutput struct {
	UserID      string     `json:"user_id"`
	DeviceID    string     `json:"device_id"`
	SignedInAt  time.Time  `json:"signed_in_at"`
	TokenState  string     `json:"token_state"`
	TokenExpiry *time.Time `json:"token_expiry,omitempty"`
}

func sessionJSON(sess *credstore.Session) whoamiOutput {
	return whoamiOutput{
		UserID:     sess.UserID,
		DeviceID:   sess.DeviceID,
		SignedInAt: sess.CreatedAt,
	}
}

func runWhoami(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	a, cc, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.Sessions.Current(ctx)
	if errors.Is(err, credstore.ErrNoSession) {
		return errNotSignedIn
	}

	if err != nil {
		return err
	}

	out := sessionJSON(sess)

	state, expiry, err := tokenState(ctx, a.Creds, time.Now())
	if err != nil {
		return err
	}

	out.TokenState = state
	if !expiry.IsZero() {
		out.TokenExpiry = &expiry
	}

	if cc.Flags.JSON {
		return writeJSON(cmd.OutOrStdout(), out)
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "User:       %s\n", out.UserID)
	fmt.Fprintf(w, "Device:     %s\n", out.DeviceID)
	fmt.Fprintf(w, "Signed in:  %s\n", formatTime(out.SignedInAt))
	fmt.Fprintf(w, "Token:      %s\n", out.TokenState)

	return nil
}

type credentialReader interface {
	Get(ctx context.Context) (*credstore.Credentials, error)
}

// tokenState reports whether stored credentials exist and whether the access
// token has passed its expiry. An expired access token is still usable for
// refresh, so "expired" is informational.
func tokenState(ctx context.Context, creds credentialReader, now time.Time) (string, time.Time, error) {
	c, err := creds.Get(ctx)
	if err != nil {
		return "", time.Time{}, err
	}

	switch {
	case c == nil:
		return tokenStateMissing, time.Time{}, nil
	case c.Expiry.IsZero():
		return tokenStateUnknown, time.Time{}, nil
	case now.After(c.Expiry):
		return tokenStateExpired, c.Expiry, nil
	default:
		return tokenStateValid, c.Expiry, nil
	}
}
