package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/amazinernest/counsellhelp/internal/domain"
	"github.com/amazinernest/counsellhelp/internal/ledger"
	"github.com/amazinernest/counsellhelp/internal/logger"
)

func newSessionCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or move a booked session",
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd.Context(), opts, func(l *ledger.Ledger) error {
				s, err := l.Session(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				defer enc.Close()
				return enc.Encode(s)
			})
		},
	}

	move := func(use, short string, op func(*ledger.Ledger, context.Context, string) (*domain.Session, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <session-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLedger(cmd.Context(), opts, func(l *ledger.Ledger) error {
					s, err := op(l, cmd.Context(), args[0])
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s session %s\n", okStyle.Render(string(s.Status)), s.ID)
					return nil
				})
			},
		}
	}

	cmd.AddCommand(
		show,
		move("cancel", "Cancel a pending session", (*ledger.Ledger).Cancel),
		move("complete", "Mark a paid session completed", (*ledger.Ledger).Complete),
		move("refund", "Mark a paid session refunded", (*ledger.Ledger).Refund),
		move("verify", "Confirm a pending session with the payment processor", (*ledger.Ledger).VerifyAndConfirm),
	)
	return cmd
}

func withLedger(ctx context.Context, opts *rootOptions, fn func(*ledger.Ledger) error) error {
	svc, err := openServices(ctx, opts.cfg, logger.Log)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc.ledger)
}
