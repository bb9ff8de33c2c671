package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/devilmonastery/gatekeeper/internal/auth"
	"github.com/devilmonastery/gatekeeper/internal/config"
)

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Token commands",
		Long:  "Issue and inspect Gatekeeper tokens",
	}

	cmd.AddCommand(newTokenIssueCommand())
	cmd.AddCommand(newTokenInspectCommand())

	return cmd
}

func newTokenIssueCommand() *cobra.Command {
	var (
		email      string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a session token for an account",
		Long: `Issue a session token for an existing account without checking a credential.
The token is printed to stdout.`,
		Example: `  server token issue --email jane@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), "token issue", configPath, appOptions{logNotifications: true})
			if err != nil {
				return err
			}
			defer a.Close()

			session, err := a.auth.IssueSession(cmd.Context(), email)
			if err != nil {
				return err
			}

			a.log.Info("session token issued",
				"person_id", session.Person.ID,
				"expires_at", session.ExpiresAt.UTC().Format(time.RFC3339))
			fmt.Fprintln(cmd.OutOrStdout(), session.Token)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	cmd.MarkFlagRequired("email")

	return cmd
}

func newTokenInspectCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "inspect <token>",
		Short: "Validate a token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Only the signing secret is needed; no database connection
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if err := cfg.RequireSigningSecret(); err != nil {
				return err
			}

			codec, err := auth.NewTokenCodec([]byte(cfg.Auth.TokenSigningSecret))
			if err != nil {
				return err
			}
			claims, err := codec.Validate(args[0])
			if err != nil {
				return err
			}

			out := map[string]any{
				"purpose":         claims.Purpose,
				"person_id":       claims.PersonID,
				"email_id":        claims.EmailID,
				"login_method_id": claims.LoginMethodID,
				"jti":             claims.ID,
				"issuer":          claims.Issuer,
			}
			if claims.IssuedAt != nil {
				out["issued_at"] = claims.IssuedAt.Time.UTC()
			}
			if claims.ExpiresAt != nil {
				out["expires_at"] = claims.ExpiresAt.Time.UTC()
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	return cmd
}
