package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/devilmonastery/gatekeeper/internal/domain/services"
)

func newUserCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Account management commands",
		Long:  "Commands for managing Gatekeeper accounts directly against the database",
	}

	cmd.AddCommand(newUserCreateCommand())
	cmd.AddCommand(newUserSetPasswordCommand())
	cmd.AddCommand(newUserShowCommand())

	return cmd
}

func newUserCreateCommand() *cobra.Command {
	var (
		email      string
		firstName  string
		lastName   string
		password   string
		orgName    string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new account",
		Long: `Create a person, email, login method and organization exactly as signup does.

Without --password the account gets a random password and the welcome email
carries a link to choose one.`,
		Example: `  server user create --email jane@example.com --first-name Jane --last-name Doe
  server user create --email ops@example.com --first-name Ops --last-name Team --password 'S3cure!pass'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), "user create", configPath, appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			person, err := a.auth.Signup(cmd.Context(), services.SignupRequest{
				Email:            email,
				FirstName:        firstName,
				LastName:         lastName,
				Password:         password,
				OrganizationName: orgName,
			})
			if err != nil {
				if provider, ok := services.RegisteredProvider(err); ok {
					return fmt.Errorf("%s is already registered via %s", email, provider)
				}
				return err
			}

			slog.Info("account created",
				"person_id", person.ID,
				"email", strings.ToLower(strings.TrimSpace(email)),
				"name", person.DisplayName())
			fmt.Fprintln(cmd.OutOrStdout(), person.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&firstName, "first-name", "", "First name (required)")
	cmd.Flags().StringVar(&lastName, "last-name", "", "Last name (required)")
	cmd.Flags().StringVar(&password, "password", "", "Initial password (optional)")
	cmd.Flags().StringVar(&orgName, "organization", "", "Organization name (defaults to \"<First>'s Organization\")")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")

	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("first-name")
	cmd.MarkFlagRequired("last-name")

	return cmd
}

func newUserSetPasswordCommand() *cobra.Command {
	var (
		email      string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "set-password",
		Short: "Set an account password",
		Long: `Prompt for a new password and apply it through the password reset flow.
No email is sent. The address is marked verified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptPassword(cmd)
			if err != nil {
				return err
			}

			a, err := openApp(cmd.Context(), "user set-password", configPath, appOptions{logNotifications: true})
			if err != nil {
				return err
			}
			defer a.Close()

			token, err := a.auth.IssueResetToken(cmd.Context(), email)
			if err != nil {
				return err
			}
			session, err := a.auth.ResetPassword(cmd.Context(), token, password)
			if err != nil {
				return err
			}

			slog.Info("password updated", "person_id", session.Person.ID, "email", email)
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	cmd.MarkFlagRequired("email")

	return cmd
}

// promptPassword reads a password twice without echo, or once from a pipe
func promptPassword(cmd *cobra.Command) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return strings.TrimRight(line, "\r\n"), nil
	}

	fmt.Fprint(os.Stderr, "New password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}

func newUserShowCommand() *cobra.Command {
	var (
		email      string
		auditLimit int
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an account's login methods, memberships and recent activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), "user show", configPath, appOptions{logNotifications: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return showUser(cmd.Context(), a, cmd, email, auditLimit)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().IntVar(&auditLimit, "audit-limit", 10, "Number of recent audit entries to show")
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config file (optional)")
	cmd.MarkFlagRequired("email")

	return cmd
}

func showUser(ctx context.Context, a *app, cmd *cobra.Command, address string, auditLimit int) error {
	normalized, err := services.NormalizeEmail(address)
	if err != nil {
		return err
	}
	email, err := a.repos.Identity.FindEmail(ctx, normalized)
	if err != nil {
		return err
	}
	if email == nil {
		return fmt.Errorf("%s is not registered", normalized)
	}

	person, err := a.repos.Identity.GetPerson(ctx, email.PersonID)
	if err != nil {
		return err
	}
	methods, err := a.repos.Identity.ListLoginMethods(ctx, email.ID)
	if err != nil {
		return err
	}
	memberships, err := a.repos.Identity.ListMemberships(ctx, person.ID)
	if err != nil {
		return err
	}
	failed, err := a.repos.Audit.CountFailedLogins(ctx, email.Address, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	logs, err := a.repos.Audit.ListByPerson(ctx, person.ID, auditLimit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Person:\t%s (%s)\n", person.DisplayName(), person.ID)
	fmt.Fprintf(w, "Active:\t%t\n", person.IsActive)
	fmt.Fprintf(w, "Email:\t%s (verified: %t)\n", email.Address, email.IsVerified)
	fmt.Fprintf(w, "Failed logins (24h):\t%d\n", failed)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "METHOD\tACTIVE\tLAST USED")
	for _, m := range methods {
		lastUsed := "never"
		if m.LastUsedAt != nil {
			lastUsed = m.LastUsedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%t\t%s\n", m.Kind, m.IsActive, lastUsed)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "ORGANIZATION\tROLE")
	for _, m := range memberships {
		fmt.Fprintf(w, "%s\t%s\n", m.OrganizationID, m.Role)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "WHEN\tACTION\tSUCCESS")
	for _, l := range logs {
		fmt.Fprintf(w, "%s\t%s\t%t\n", l.CreatedAt.Format(time.RFC3339), l.Action, l.Success)
	}
	return w.Flush()
}
