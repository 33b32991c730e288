package commands

import (
	"fmt"
	"time"

	"github.com/lemmego/gcap/gcapjwt"
	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var (
		secret  string
		issuer  string
		subject string
		roles   []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token",
		Long: `Mint an HS256 token accepted by "gcap serve" when auth.secret matches.

Examples:
  gcap token --secret s3cr3t --subject alice --role admin
  gcap token --secret s3cr3t --subject bob --ttl 0`,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := gcapjwt.NewVerifier(secret, issuer).Issue(subject, roles, ttl)
			if err != nil {
				return fmt.Errorf("failed to sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Signing secret, same as auth.secret (required)")
	cmd.Flags().StringVar(&issuer, "issuer", "", "Issuer claim, same as auth.issuer")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject of the token (required)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role granted to the subject, repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime, 0 never expires")
	_ = cmd.MarkFlagRequired("secret")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
