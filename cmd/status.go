package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// newStatusCmd creates the 'status' subcommand, which prints snapshot
// progress without running a pass.
func newStatusCmd() *cobra.Command {
	var (
		key        string
		showFailed bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded progress",
		Long: `Prints the aggregate progress recorded in the state snapshot. With
--key it prints the stored record for a single day; with --failed it
lists every failed day and its reason.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}

			switch {
			case key != "":
				rec, ok := a.Store().Record(key)
				if !ok {
					return fmt.Errorf("key %q is not tracked", key)
				}
				return printJSON(cmd, map[string]any{"key": key, "record": rec})
			case showFailed:
				return printJSON(cmd, a.Store().FailedKeys())
			default:
				return printJSON(cmd, a.Store().Summary())
			}
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "show one day's record (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&showFailed, "failed", false, "list failed days with reasons")

	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	cmd.Println(string(out))
	return nil
}
