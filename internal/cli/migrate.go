package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amazinernest/counsellhelp/internal/repository"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := repository.NewSQLiteStore(opts.cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			defer store.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("migrated"), opts.cfg.DatabaseURL)
			return nil
		},
	}
}
