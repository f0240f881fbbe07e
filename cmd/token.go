package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"famshare/internal/auth"
)

var (
	tokenUser  string
	tokenEmail string
	tokenTTL   time.Duration
)

// tokenCmd mints development bearer tokens with the server's shared secret.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a development bearer token",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if tokenUser == "" {
			return errors.New("--user is required")
		}
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		token, err := auth.NewService(cfg.JWTSecret).Issue(tokenUser, tokenEmail, tokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "user id to embed in the token")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "optional email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "token lifetime")
}
