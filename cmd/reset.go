package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newResetCmd creates the 'reset' subcommand, which discards all recorded
// progress.
func newResetCmd() *cobra.Command {
	var confirmed bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard all recorded progress",
		Long: `Clears every record from the state snapshot so the next pull starts
from scratch. Downloaded artifacts are not touched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to reset without --yes")
			}
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := a.Store().Reset(); err != nil {
				return fmt.Errorf("reset state: %w", err)
			}
			cmd.Println("state reset")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirmed, "yes", false, "confirm the reset")

	return cmd
}
