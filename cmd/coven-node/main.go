// ABOUTME: Entry point for coven-node, the agent that executes gateway commands on this machine.
// ABOUTME: Builds the cobra command tree; every subcommand shares the config and logging flags.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-node/internal/config"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __   ___   __| | ___
 / __/ _ \ \ / / _ \ '_ \ _____| '_ \ / _ \ / _' |/ _ \
| (_| (_) \ V /  __/ | | |_____| | | | (_) | (_| |  __/
 \___\___/ \_/ \___|_| |_|     |_| |_|\___/ \__,_|\___|
`

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "coven-node",
	Short:         "Run commands from a coven gateway on this machine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		cancel()
		os.Exit(1)
	}
}

// loadConfig reads the selected config file, falling back to defaults when the
// default location does not exist.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault(config.DefaultPath())
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func printBanner(cfgPath string, cfg *config.Config) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	endpoint, _ := cfg.GatewayEndpoint()
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", cfgPath)
	green.Print("    ▶ ")
	fmt.Printf("Node:      %s\n", cfg.NodeID)
	green.Print("    ▶ ")
	fmt.Printf("Gateway:   %s\n", endpoint)
	if cfg.Status.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Status:    %s\n", cfg.Status.Addr)
	}
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Addr)
	}
	fmt.Println()
}

func effectiveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultPath()
}
