// Command mint-token issues a bearer token for local development and smoke
// tests. It signs with the same secret the server verifies against.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gatecast/internal/auth"
)

type options struct {
	secret   string
	issuer   string
	audience string
	userID   string
	name     string
	ttl      time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.secret, "secret", "", "token signing secret (defaults to GATECAST_AUTH_TOKEN_SECRET)")
	flag.StringVar(&opts.issuer, "issuer", "", "token issuer (defaults to GATECAST_AUTH_ISSUER or gatecast)")
	flag.StringVar(&opts.audience, "audience", "", "token audience (defaults to GATECAST_AUTH_AUDIENCE)")
	flag.StringVar(&opts.userID, "user", "", "user id placed in the subject claim")
	flag.StringVar(&opts.name, "name", "", "display name claim")
	flag.DurationVar(&opts.ttl, "ttl", time.Hour, "token lifetime")
	flag.Parse()

	opts.secret = firstNonEmpty(opts.secret, os.Getenv("GATECAST_AUTH_TOKEN_SECRET"))
	opts.issuer = firstNonEmpty(opts.issuer, os.Getenv("GATECAST_AUTH_ISSUER"))
	opts.audience = firstNonEmpty(opts.audience, os.Getenv("GATECAST_AUTH_AUDIENCE"))

	expires, err := mint(os.Stdout, opts, time.Now)
	if err != nil {
		fatalf("mint token: %v", err)
	}
	fmt.Fprintf(os.Stderr, "expires %s\n", expires.UTC().Format(time.RFC3339))
}

// mint writes a signed token for opts to w and returns its expiry.
func mint(w io.Writer, opts options, now func() time.Time) (time.Time, error) {
	if strings.TrimSpace(opts.userID) == "" {
		return time.Time{}, fmt.Errorf("--user is required")
	}
	if opts.ttl <= 0 {
		return time.Time{}, fmt.Errorf("--ttl must be positive")
	}
	manager, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:   opts.secret,
		Issuer:   opts.issuer,
		Audience: opts.audience,
		TTL:      opts.ttl,
		Now:      now,
	})
	if err != nil {
		return time.Time{}, err
	}
	token, expires, err := manager.Issue(auth.Identity{
		UserID:      strings.TrimSpace(opts.userID),
		DisplayName: strings.TrimSpace(opts.name),
	}, opts.ttl)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := fmt.Fprintln(w, token); err != nil {
		return time.Time{}, err
	}
	return expires, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
