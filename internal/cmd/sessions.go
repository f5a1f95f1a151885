package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/islombek4642/tgsecret/internal/config"
	"github.com/islombek4642/tgsecret/internal/credential"
	"github.com/islombek4642/tgsecret/internal/user"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored credentials",
	Long: `Commands for listing, invalidating and deleting the credentials in the
configured store. They operate on the store directly and work whether or
not the daemon is running.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials",
	RunE:  runSessionsList,
}

var sessionsInvalidateCmd = &cobra.Command{
	Use:   "invalidate <user-id>",
	Short: "Mark a credential as no longer usable",
	Long: `Mark the credential of a user invalid without deleting it. The userbot
will not start again until the user signs in anew.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsInvalidate,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Delete a credential",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var invalidateReason string

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsInvalidateCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	sessionsInvalidateCmd.Flags().StringVar(&invalidateReason, "reason", "invalidated by operator", "reason recorded with the credential")
}

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	validStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	invalidStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func withStore(cmd *cobra.Command, fn func(ctx context.Context, store credential.Store) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	return fn(ctx, store)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, store credential.Store) error {
		ids, err := store.List(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No stored credentials.")
			return nil
		}

		rows := [][]string{{"USER", "ACCOUNT", "STATUS", "CREATED", "NOTE"}}
		for _, id := range ids {
			cred, err := store.Get(ctx, id)
			if err != nil {
				rows = append(rows, []string{id.String(), "-", "unreadable", "-", err.Error()})
				continue
			}
			rows = append(rows, credentialRow(cred))
		}
		renderTable(out, rows)
		return nil
	})
}

func credentialRow(c credential.Credential) []string {
	account := accountLabel(&c.Account)
	if account == "" {
		account = fmt.Sprint(c.Account.ID)
	}
	status, note := "valid", ""
	if !c.Valid {
		status, note = "invalid", c.InvalidReason
	}
	return []string{c.UserID.String(), account, status, c.CreatedAt.Local().Format("2006-01-02 15:04"), note}
}

func renderTable(w io.Writer, rows [][]string) {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	for r, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i] + 2)
			switch {
			case r == 0:
				style = style.Inherit(headerStyle)
			case i == 2 && cell == "valid":
				style = style.Inherit(validStyle)
			case i == 2:
				style = style.Inherit(invalidStyle)
			case i == 4:
				style = style.Inherit(dimStyle)
			}
			cells[i] = style.Render(cell)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, ""), " "))
	}
}

func runSessionsInvalidate(cmd *cobra.Command, args []string) error {
	uid, err := user.Parse(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, store credential.Store) error {
		if err := store.Invalidate(ctx, uid, invalidateReason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Invalidated credential of user %s\n", uid)
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	uid, err := user.Parse(args[0])
	if err != nil {
		return err
	}
	return withStore(cmd, func(ctx context.Context, store credential.Store) error {
		if err := store.Delete(ctx, uid); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted credential of user %s\n", uid)
		return nil
	})
}
