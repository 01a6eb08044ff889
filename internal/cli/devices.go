package cli

import (
	"fmt"

	"github.com/keygate/backend/internal/credentials"
	"github.com/keygate/backend/internal/models"
	"github.com/keygate/backend/internal/output"
	"github.com/keygate/backend/internal/services"
	"github.com/spf13/cobra"
)

var (
	flagEmail    string
	flagDeviceID string
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Inspect and revoke registered security keys",
}

var devicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a principal's security keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}

		user, err := directory.FindByEmail(cmd.Context(), flagEmail)
		if err != nil {
			return fmt.Errorf("finding %s: %w", flagEmail, err)
		}

		creds, err := credentials.NewStore(db).ListFor(cmd.Context(), user.ID)
		if err != nil {
			return fmt.Errorf("listing devices: %w", err)
		}

		devices := output.Devices(creds)
		if flagJSON {
			output.JSON(out(cmd), devices)
			return nil
		}

		output.DeviceTable(out(cmd), devices)
		return nil
	},
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Remove a security key from a principal",
	Long: `Remove a security key so it can no longer complete a step-up ceremony.

  keygatectl devices revoke --email ada@example.com --id 3q2-7w
  keygatectl devices revoke --email ada@example.com --id 3q2-7w --force

Sessions already trusted through the key stay trusted until their window lapses.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}

		credentialID, err := models.DecodeCredentialID(flagDeviceID)
		if err != nil {
			return fmt.Errorf("invalid credential id %q", flagDeviceID)
		}

		user, err := directory.FindByEmail(cmd.Context(), flagEmail)
		if err != nil {
			return fmt.Errorf("finding %s: %w", flagEmail, err)
		}

		if !confirm(cmd, fmt.Sprintf("Revoke device %s for %s?", flagDeviceID, user.Email)) {
			return nil
		}

		cred, err := credentials.NewStore(db).Delete(cmd.Context(), credentialID, user.ID)
		if err != nil {
			return fmt.Errorf("revoking device: %w", err)
		}

		audit := services.NewAuditService(db, nil)
		audit.LogAsync(services.AuditEntry{
			UserID:       &user.ID,
			Action:       services.AuditCredentialRemoved,
			ResourceType: services.ResourceCredential,
			ResourceID:   cred.EncodedID(),
			Details: map[string]interface{}{
				"name":   cred.Name,
				"source": "keygatectl",
			},
		})
		audit.Close()

		if flagJSON {
			output.JSON(out(cmd), output.Devices([]models.WebAuthnCredential{*cred})[0])
			return nil
		}
		fmt.Fprintf(out(cmd), "Revoked %q (%s) for %s.\n", cred.Name, flagDeviceID, user.Email)
		return nil
	},
}

func init() {
	devicesListCmd.Flags().StringVar(&flagEmail, "email", "", "Principal email")
	_ = devicesListCmd.MarkFlagRequired("email")

	devicesRevokeCmd.Flags().StringVar(&flagEmail, "email", "", "Principal email")
	devicesRevokeCmd.Flags().StringVar(&flagDeviceID, "id", "", "Credential id (base64url, as shown by devices list)")
	devicesRevokeCmd.Flags().BoolVarP(&flagForce, "force", "f", false, "Skip confirmation")
	_ = devicesRevokeCmd.MarkFlagRequired("email")
	_ = devicesRevokeCmd.MarkFlagRequired("id")

	devicesCmd.AddCommand(devicesListCmd, devicesRevokeCmd)
	rootCmd.AddCommand(devicesCmd)
}
