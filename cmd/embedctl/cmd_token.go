package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"fashion-similarity/internal/pkg/jwtutil"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token signed with auth.jwt_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set")
			}
			subject, _ := cmd.Flags().GetString("subject")
			scope, _ := cmd.Flags().GetString("scope")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if ttl <= 0 {
				ttl = time.Duration(cfg.Auth.JWTExpireMinute) * time.Minute
			}

			token, err := jwtutil.GenerateToken(cfg.Auth.JWTSecret, ttl, subject, scope)
			if err != nil {
				return err
			}
			return printResult(cmd, map[string]any{"token": token, "expires_in_sec": int(ttl.Seconds())}, func() {
				fmt.Fprintln(cmd.OutOrStdout(), token)
			})
		},
	}
	cmd.Flags().String("subject", "embedctl", "Token subject")
	cmd.Flags().String("scope", "", "Optional scope claim")
	cmd.Flags().Duration("ttl", 0, "Token lifetime (default auth.jwt_expire_minute)")
	return cmd
}
