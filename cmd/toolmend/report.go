package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	reportStatus int
	reportBody   string
)

var reportCmd = &cobra.Command{
	Use:   "report <tool-id> <payload-json>",
	Short: "Report the real outcome of a dispatched call",
	Long: `Feeds ground truth back into the learning loop: a 2xx status
confirms the payload shape, a 4xx weakens the beliefs that approved it.`,
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

		if err := eng.ReportRealExecution(cmd.Context(), toolID, payload, reportStatus, reportBody); err != nil {
			return err
		}
		fmt.Printf("Recorded ground truth for %s (http %d)\n", toolID, reportStatus)
		return nil
	},
}

func init() {
	reportCmd.Flags().IntVar(&reportStatus, "status", 200, "HTTP status the real execution returned")
	reportCmd.Flags().StringVar(&reportBody, "body", "", "response body, kept for error diagnosis on 4xx")
}
