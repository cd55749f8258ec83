package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amazinernest/counsellhelp/internal/logger"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel pending sessions whose checkout timed out",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openServices(cmd.Context(), opts.cfg, logger.Log)
			if err != nil {
				return err
			}
			defer svc.Close()

			n, err := svc.ledger.SweepStalePending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d stale pending session(s)\n", okStyle.Render("cancelled"), n)
			return nil
		},
	}
}
