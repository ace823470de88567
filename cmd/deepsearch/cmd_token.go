package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/csiyang/ai-hero/internal/auth"
	"github.com/csiyang/ai-hero/internal/types"
)

var tokenTTL time.Duration

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTTL, "token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Issue a bearer token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		authn, err := auth.New(cfg.Auth.JWTSecret, cfg.Auth.Admins)
		if err != nil {
			return fmt.Errorf("%w (run setup or set JWT_SECRET)", err)
		}
		token, err := authn.Sign(types.UserID(args[0]), tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}
