package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nimasrn/campaign-pipeline/internal/app"
	"github.com/nimasrn/campaign-pipeline/internal/config"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
	"github.com/spf13/cobra"
)

var envPath string

var rootCmd = &cobra.Command{
	Use:           "campaignctl",
	Short:         "Operate the campaign delivery pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envPath, "env", "", "path to a .env file")
	rootCmd.AddCommand(migrateCmd, executeCmd, cancelCmd, statsCmd, audienceCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := envPath
	if path == "" {
		if _, err := os.Stat(".env"); err == nil {
			path = ".env"
		}
	}
	if err := config.Load(path); err != nil {
		return nil, err
	}
	return config.Get(), nil
}

func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
