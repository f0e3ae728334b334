package main

import (
	"fmt"
	"os"

	"github.com/ignatij/campaignflow/internal/cli"
	"github.com/ignatij/campaignflow/internal/config"
	"github.com/ignatij/campaignflow/internal/log"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.Load()
	log.Configure(cfg.LogLevel, cfg.LogFormat)

	rootCmd := &cobra.Command{
		Use:   "campaignflow",
		Short: "Campaign automation workflow engine",
	}
	cli.SetupCLI(rootCmd, cfg)
	if err := rootCmd.Execute(); err != nil {
		log.GetLogger().Debugf("Command failed: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
