// Package cli implements keygatectl, the operator tool for the step-up
// database: device revocation, challenge housekeeping and staff management.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/keygate/backend/internal/config"
	"github.com/keygate/backend/internal/database"
	"github.com/keygate/backend/internal/identity"
	"github.com/keygate/backend/pkg/logger"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	flagJSON  bool
	flagForce bool

	cfg       *config.Config
	db        *gorm.DB
	directory *identity.Directory
)

var rootCmd = &cobra.Command{
	Use:   "keygatectl",
	Short: "Keygate operator CLI",
	Long: `keygatectl works directly against the Keygate database.

  keygatectl devices list --email ada@example.com
  keygatectl devices revoke --email ada@example.com --id <credential id>
  keygatectl users grant-staff --email ada@example.com
  keygatectl challenges sweep`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.SetOutput(cmd.ErrOrStderr())
		cfg = config.Load()
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeDB()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// requireDB opens the configured database on first use.
func requireDB() error {
	if db != nil {
		return nil
	}
	conn, err := database.Connect(cfg.DB)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	db = conn
	directory = identity.NewDirectory(db, cfg.Identity.StaffEmails)
	return nil
}

func closeDB() error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	db, directory = nil, nil
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// confirm asks a yes/no question unless --force was given.
func confirm(cmd *cobra.Command, prompt string) bool {
	if flagForce {
		return true
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N] ", prompt)
	answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	answer = strings.TrimSpace(strings.ToLower(answer))
	if answer != "y" && answer != "yes" {
		fmt.Fprintln(cmd.OutOrStdout(), "Cancelled.")
		return false
	}
	return true
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
