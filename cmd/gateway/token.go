package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebridge/gateway/internal/config"
	"github.com/carebridge/gateway/internal/identity"
)

// tokenCmd mints a signed credential for local testing.
func tokenCmd() *cobra.Command {
	var (
		id   string
		role string
		ttl  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed credential for a user or therapist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return errors.New("JWT_SECRET is required to sign tokens")
			}
			kind, err := identity.ParseKind(role)
			if err != nil {
				return err
			}

			tok, err := identity.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer).Issue(id, kind, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "identity id")
	cmd.Flags().StringVar(&role, "role", "user", "user or therapist")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
