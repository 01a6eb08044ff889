package cli

import (
	"fmt"

	"github.com/keygate/backend/internal/challenges"
	"github.com/keygate/backend/internal/output"
	"github.com/keygate/backend/internal/services"
	"github.com/spf13/cobra"
)

var challengesCmd = &cobra.Command{
	Use:   "challenges",
	Short: "Ceremony challenge housekeeping",
}

var challengesSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired ceremony challenges",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDB(); err != nil {
			return err
		}

		sweeper := services.NewChallengeSweeper(challenges.NewStore(db), nil)
		purged, err := sweeper.Sweep(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweeping challenges: %w", err)
		}

		if flagJSON {
			output.JSON(out(cmd), map[string]int64{"purged": purged})
			return nil
		}
		fmt.Fprintf(out(cmd), "Purged %d expired challenge(s).\n", purged)
		return nil
	},
}

func init() {
	challengesCmd.AddCommand(challengesSweepCmd)
	rootCmd.AddCommand(challengesCmd)
}
