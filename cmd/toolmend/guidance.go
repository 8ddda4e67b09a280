package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	guidanceTool string
	guidanceTopK int
)

var guidanceCmd = &cobra.Command{
	Use:   "guidance <concept-query>",
	Short: "Query learned knowledge by semantic similarity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := newEngine()
		if err != nil {
			return err
		}
		defer eng.Close()

		results, err := eng.QueryGuidance(cmd.Context(), args[0], guidanceTool, guidanceTopK)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No guidance found.")
			return nil
		}

		for i, r := range results {
			meta, _ := json.Marshal(r.Entry.Metadata)
			fmt.Printf("%d. [%.3f] (%s) %s\n", i+1, r.Score, r.Entry.Kind, r.Entry.Content)
			if len(r.Entry.Metadata) > 0 {
				fmt.Printf("   %s\n", meta)
			}
		}
		return nil
	},
}

func init() {
	guidanceCmd.Flags().StringVar(&guidanceTool, "tool", "", "scope results to one tool")
	guidanceCmd.Flags().IntVar(&guidanceTopK, "top-k", 0, "number of results (0 uses the configured default)")
}
