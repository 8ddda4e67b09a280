package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"toolmend/internal/store"
)

var (
	contractsHistory bool
	recipesTrusted   bool
)

var contractsCmd = &cobra.Command{
	Use:   "contracts [tool-id]",
	Short: "Inspect learned tool contracts",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.New(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer s.Close()

		if len(args) == 0 {
			ids, err := s.ListToolIDs()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("No contracts learned yet.")
				return nil
			}
			for _, id := range ids {
				c, err := s.GetContract(id)
				if err != nil {
					continue
				}
				fmt.Printf("%s  v%d  %d fields  updated %s\n",
					c.ToolID, c.Version, len(c.Fields), c.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		}

		toolID := args[0]
		if contractsHistory {
			versions, err := s.ContractHistory(toolID, 50)
			if err != nil {
				return err
			}
			for _, c := range versions {
				fmt.Printf("v%d  %s  %d fields  prev=%s\n",
					c.Version, c.UpdatedAt.Format("2006-01-02 15:04:05"), len(c.Fields), c.PrevID)
			}
			return nil
		}

		c, err := s.GetContract(toolID)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var recipesCmd = &cobra.Command{
	Use:   "recipes",
	Short: "List learned transformation recipes",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.New(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer s.Close()

		recipes, err := s.ListRecipes(recipesTrusted)
		if err != nil {
			return err
		}
		if len(recipes) == 0 {
			fmt.Println("No recipes learned yet.")
			return nil
		}

		for _, r := range recipes {
			trust := " "
			if r.Trusted {
				trust = "*"
			}
			fmt.Printf("%s %-8s %s -> %s  (%.0f%% over %d applications)\n",
				trust, r.Kind, r.SourceConcept, r.TargetConcept,
				r.SuccessRate()*100, r.SuccessCount+r.FailureCount)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show knowledge store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := store.New(cfg.Store.DatabasePath)
		if err != nil {
			return err
		}
		defer s.Close()

		stats, err := s.Stats()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	contractsCmd.Flags().BoolVar(&contractsHistory, "history", false, "show the full version chain")
	recipesCmd.Flags().BoolVar(&recipesTrusted, "trusted", false, "only show trusted recipes")
}
