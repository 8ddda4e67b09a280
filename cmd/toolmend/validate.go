package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"toolmend/internal/types"
)

var (
	validateSession string
)

var validateCmd = &cobra.Command{
	Use:   "validate <tool-id> <payload-json>",
	Short: "Validate and repair a proposed tool call",
	Long: `Checks a proposed call against the learned contract for the tool,
repairs blocking mismatches when possible, and prints the outcome as JSON.
Exit status is 0 for passed/repaired and 2 for unresolvable.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		toolID := args[0]

		var payload map[string]interface{}
		if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
			return fmt.Errorf("payload is not valid JSON: %w", err)
		}

		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		outcome, err := eng.ValidateAndRepair(cmd.Context(), toolID, payload, validateSession)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(outcome, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))

		if outcome.Status == types.StatusUnresolvable {
			os.Exit(2)
		}
		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateSession, "session", "", "session ID for trace correlation")
}
