package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amazinernest/counsellhelp/internal/auth"
	"github.com/amazinernest/counsellhelp/internal/domain"
)

func newTokenCommand(opts *rootOptions) *cobra.Command {
	var u auth.User
	var role string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if u.ID == "" {
				return fmt.Errorf("--user is required")
			}
			switch domain.UserRole(role) {
			case domain.UserRoleClient, domain.UserRoleCounselor:
				u.Role = domain.UserRole(role)
			default:
				return fmt.Errorf("unknown role %q", role)
			}
			tokens, err := auth.NewTokens(opts.cfg.JWTSecret, opts.cfg.TokenTTL)
			if err != nil {
				return err
			}
			token, err := tokens.Issue(u)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&u.ID, "user", "", "User id (token subject)")
	cmd.Flags().StringVar(&u.Email, "email", "", "User email")
	cmd.Flags().StringVar(&role, "role", string(domain.UserRoleClient), "client or counselor")
	return cmd
}
