// Package testutil provides shared environment helpers for E2E tests. It
// depends only on stdlib so that E2E tests (which cannot import internal/)
// can use it.
package testutil

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AllowlistEnv names the comma-separated list of accounts E2E tests may
// sign in as. Tests edit the account's settings, so a typo must not point
// them at a real user.
const AllowlistEnv = "FITSYNC_ALLOWED_TEST_ACCOUNTS"

// LoadDotEnv reads KEY=VALUE pairs from a .env file at the given path.
// Missing file is not an error (CI sets env vars directly).
// Existing env vars take precedence over .env values.
func LoadDotEnv(envPath string) {
	f, err := os.Open(envPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}

		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), "\"'")

		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

// RequireEnv returns the value of each named variable, exiting the process
// when any is missing.
func RequireEnv(names ...string) []string {
	values := make([]string, len(names))

	var missing []string

	for i, name := range names {
		values[i] = os.Getenv(name)
		if values[i] == "" {
			missing = append(missing, name)
		}
	}

	if len(missing) > 0 {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set (in .env or the environment)\n", strings.Join(missing, ", "))
		os.Exit(1)
	}

	return values
}

// ValidateAllowlist exits the process unless email appears in
// FITSYNC_ALLOWED_TEST_ACCOUNTS. Comparison ignores case and surrounding
// space.
func ValidateAllowlist(email string) {
	allowlist := os.Getenv(AllowlistEnv)
	if allowlist == "" {
		fmt.Fprintf(os.Stderr, "FATAL: %s not set\n", AllowlistEnv)
		fmt.Fprintf(os.Stderr, "Example: %s=e2e@stridekit.app\n", AllowlistEnv)
		os.Exit(1)
	}

	want := strings.ToLower(strings.TrimSpace(email))

	for _, a := range strings.Split(allowlist, ",") {
		if strings.ToLower(strings.TrimSpace(a)) == want {
			return
		}
	}

	fmt.Fprintf(os.Stderr, "FATAL: test account %q is not in %s=%q\n", email, AllowlistEnv, allowlist)
	os.Exit(1)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}
