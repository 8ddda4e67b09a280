// Command toolmend is the CLI surface over the semantic mismatch engine:
// validate proposed tool calls, report ground truth, query learned
// guidance, and inspect the knowledge store.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"toolmend/internal/config"
	"toolmend/internal/embedding"
	"toolmend/internal/engine"
	"toolmend/internal/logging"
)

var (
	configPath string
	workspace  string

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "toolmend",
	Short: "Runtime detection and repair of semantic tool-call mismatches",
	Long: `toolmend sits between a reasoning model and the tools it calls. It
learns each tool's real input contract from observed traffic, detects
proposed calls that would fail, and repairs them with learned
transformation recipes before dispatch.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := logging.Initialize(workspace); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if err := logging.InitAudit(); err != nil {
			logging.Get(logging.CategoryBoot).Warn("Audit log unavailable: %v", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAudit()
		logging.CloseAll()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".toolmend/config.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", ".", "workspace directory for logs and data")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(guidanceCmd)
	rootCmd.AddCommand(contractsCmd)
	rootCmd.AddCommand(recipesCmd)
	rootCmd.AddCommand(statsCmd)
}

// newEngine assembles the runtime for one command invocation. The embedding
// collaborator is best-effort: if it cannot be created the engine runs with
// retrieval degraded.
func newEngine() (*engine.Engine, error) {
	var opts []engine.Option

	embedder, err := embedding.NewEngine(embedding.Config{
		Provider:       cfg.Embedding.Provider,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
		GenAIAPIKey:    cfg.Embedding.GenAIAPIKey,
		GenAIModel:     cfg.Embedding.GenAIModel,
		RequestTimeout: cfg.RetrievalTimeout(),
	})
	if err != nil {
		logging.Get(logging.CategoryBoot).Warn("Embedding collaborator unavailable, retrieval degraded: %v", err)
	} else {
		opts = append(opts, engine.WithEmbedder(embedder))
	}

	return engine.New(cfg, opts...)
}
