package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"sessiond/cmd/internal/app"
	"sessiond/cmd/internal/creds"
)

func credsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Inspect or remove stored session credentials",
	}
	cmd.AddCommand(credsListCmd(), credsRemoveCmd())
	return cmd
}

func credsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List session ids with stored credentials",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, closeStore, err := app.OpenCredsStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			ids, err := st.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
}

func credsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm <session-id>...",
		Aliases: []string{"delete"},
		Short:   "Delete stored credentials (a running server revokes watched sessions)",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if err := creds.CheckSessionID(id); err != nil {
					return fmt.Errorf("%q: %w", id, err)
				}
			}

			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, closeStore, err := app.OpenCredsStore(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeStore()

			out := cmd.OutOrStdout()
			for _, id := range args {
				ok, err := st.Exists(cmd.Context(), id)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintf(out, "%s: not found\n", id)
					continue
				}
				if err := st.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("%s: %w", id, err)
				}
				fmt.Fprintf(out, "%s: deleted\n", id)
			}
			return nil
		},
	}
}
