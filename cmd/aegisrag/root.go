package main

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aegisrag/aegisrag/internal/config"
)

var (
	configPath string
	verbose    bool
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "aegisrag",
	Short: "Retrieval-augmented question answering over your documents",
	Long: `AegisRAG ingests documents, transcripts and image descriptions into a
local knowledge base and answers questions over it with streamed,
source-cited responses.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; real env vars win either way.
		_ = godotenv.Load()

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.aegisrag/config/aegisrag.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(historyCmd)
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			path = filepath.Join(home, ".aegisrag", "config", "aegisrag.yaml")
		}
		created, err := config.WriteDefaultTemplate(path)
		if err != nil {
			return err
		}
		if created {
			cmd.Printf("Created config file at %s\n", path)
		} else {
			cmd.Printf("Config file already exists at %s\n", path)
		}
		return nil
	},
}
