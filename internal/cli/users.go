package cli

import (
	"fmt"

	"github.com/keygate/backend/internal/output"
	"github.com/keygate/backend/internal/services"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage principals mirrored from the identity provider",
}

var usersShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a principal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}

		user, err := directory.FindByEmail(cmd.Context(), flagEmail)
		if err != nil {
			return fmt.Errorf("finding %s: %w", flagEmail, err)
		}

		if flagJSON {
			output.JSON(out(cmd), user)
			return nil
		}
		output.UserInfo(out(cmd), user)
		return nil
	},
}

func staffCommand(use, short string, staff bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDB(); err != nil {
				return err
			}

			user, err := directory.SetStaff(cmd.Context(), flagEmail, staff)
			if err != nil {
				return fmt.Errorf("updating %s: %w", flagEmail, err)
			}

			audit := services.NewAuditService(db, nil)
			audit.LogAsync(services.AuditEntry{
				UserID:       &user.ID,
				Action:       services.AuditUserSynced,
				ResourceType: services.ResourceUser,
				ResourceID:   user.ExternalID,
				Details: map[string]interface{}{
					"is_staff": staff,
					"source":   "keygatectl",
				},
			})
			audit.Close()

			if flagJSON {
				output.JSON(out(cmd), user)
				return nil
			}
			fmt.Fprintf(out(cmd), "%s staff access: %v\n", user.Email, user.IsStaff)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagEmail, "email", "", "Principal email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete a principal with its keys and pending challenges",
	Long: `Delete a principal locally. The identity provider account is untouched, so
the principal is recreated on their next sign-in, without any keys.

  keygatectl users delete --email ada@example.com --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}

		user, err := directory.FindByEmail(cmd.Context(), flagEmail)
		if err != nil {
			return fmt.Errorf("finding %s: %w", flagEmail, err)
		}

		if !confirm(cmd, fmt.Sprintf("Delete %s and all of their security keys?", user.Email)) {
			return nil
		}

		if _, err := directory.Delete(cmd.Context(), user.ExternalID); err != nil {
			return fmt.Errorf("deleting %s: %w", user.Email, err)
		}

		audit := services.NewAuditService(db, nil)
		audit.LogAsync(services.AuditEntry{
			Action:       services.AuditUserDeleted,
			ResourceType: services.ResourceUser,
			ResourceID:   user.ExternalID,
			Details: map[string]interface{}{
				"user_id": user.ID.String(),
				"email":   user.Email,
				"source":  "keygatectl",
			},
		})
		audit.Close()

		fmt.Fprintf(out(cmd), "Deleted %s.\n", user.Email)
		return nil
	},
}

func init() {
	usersShowCmd.Flags().StringVar(&flagEmail, "email", "", "Principal email")
	_ = usersShowCmd.MarkFlagRequired("email")

	usersDeleteCmd.Flags().StringVar(&flagEmail, "email", "", "Principal email")
	usersDeleteCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Skip confirmation")
	_ = usersDeleteCmd.MarkFlagRequired("email")

	usersCmd.AddCommand(
		usersShowCmd,
		staffCommand("grant-staff", "Grant admin console access", true),
		staffCommand("revoke-staff", "Revoke admin console access", false),
		usersDeleteCmd,
	)
	rootCmd.AddCommand(usersCmd)
}
