package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/islombek4642/tgsecret/internal/api"
	"github.com/islombek4642/tgsecret/internal/config"
	"github.com/islombek4642/tgsecret/internal/user"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API bearer token",
	Long: `Mint a bearer token for the HTTP control API, signed with api.jwt_secret.

A user token may only act for that user. A --control token may act for
every user and is meant for the operator's own control front end.`,
	RunE: runToken,
}

var (
	tokenUser    int64
	tokenControl bool
	tokenTTL     time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().Int64Var(&tokenUser, "user", 0, "user id the token is issued to (required)")
	tokenCmd.Flags().BoolVar(&tokenControl, "control", false, "allow the token to act for any user")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	_ = tokenCmd.MarkFlagRequired("user")
}

func runToken(cmd *cobra.Command, args []string) error {
	uid := user.ID(tokenUser)
	if !uid.Valid() {
		return fmt.Errorf("--user must be a positive user id")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.API.JWTSecret == "" {
		return fmt.Errorf("api.jwt_secret is not configured")
	}
	tok, err := api.IssueToken([]byte(cfg.API.JWTSecret), uid, tokenControl, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
