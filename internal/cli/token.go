package cli

import (
	"fmt"
	"time"

	"github.com/keygate/backend/internal/identity"
	"github.com/keygate/backend/internal/output"
	"github.com/spf13/cobra"
)

var (
	flagSubject string
	flagTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Development identity tokens",
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Mint a session token accepted in hmac identity mode",
	Long: `Mint a session token signed with IDENTITY_HMAC_SECRET. The server only
accepts it when IDENTITY_MODE=hmac.

  keygatectl token mint --subject user_123 --email ada@example.com
  curl -H "Authorization: Bearer $(keygatectl token mint ...)" localhost:8080/api/auth/me`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Identity.Mode != "hmac" {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: IDENTITY_MODE is %q, the server will reject this token\n", cfg.Identity.Mode)
		}

		token, err := identity.IssueDevToken(cfg.Identity.HMACSecret, identity.Claims{
			Subject: flagSubject,
			Email:   flagEmail,
		}, flagTTL)
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}

		if flagJSON {
			output.JSON(out(cmd), map[string]interface{}{
				"token":     token,
				"expiresAt": time.Now().Add(flagTTL).UTC(),
			})
			return nil
		}
		fmt.Fprintln(out(cmd), token)
		return nil
	},
}

func init() {
	tokenMintCmd.Flags().StringVar(&flagSubject, "subject", "", "Identity provider user id")
	tokenMintCmd.Flags().StringVar(&flagEmail, "email", "", "Email claim")
	tokenMintCmd.Flags().DurationVar(&flagTTL, "ttl", time.Hour, "Token lifetime")
	_ = tokenMintCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(tokenMintCmd)
	rootCmd.AddCommand(tokenCmd)
}
