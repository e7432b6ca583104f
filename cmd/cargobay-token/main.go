// Command cargobay-token mints signed bearer tokens for Cargo Bay clients.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cargobay/cargobay/internal/tokenauth"
)

func main() {
	var (
		subject      string
		repositories []string
		ttl          time.Duration
		secret       string
	)

	cmd := &cobra.Command{
		Use:           "cargobay-token",
		Short:         "Mint a signed bearer token for a Cargo Bay client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("CARGOBAY_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("no secret: pass --secret or set CARGOBAY_JWT_SECRET")
			}
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}

			token, err := tokenauth.Issue(secret, subject, repositories, ttl)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject (required)")
	cmd.Flags().StringArrayVar(&repositories, "repository", nil, "repository this token may pull (repeatable; omit for unrestricted)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (default: $CARGOBAY_JWT_SECRET)")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
