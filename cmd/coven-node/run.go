// ABOUTME: run, service and tray commands: foreground node, service-managed node, and the status tray helper.
// ABOUTME: All three go through the instance arbiter before doing anything else.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-node/internal/config"
	"github.com/2389/coven-node/internal/instance"
	"github.com/2389/coven-node/internal/status"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node in the foreground",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runNode(cmd, instance.RoleRunner, true)
	},
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Run the node under a service manager",
	Long:  "Runs the node without the banner, as launched by systemd, launchd or the Windows service host.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runNode(cmd, instance.RoleService, false)
	},
}

var trayInterval time.Duration

var trayCmd = &cobra.Command{
	Use:   "tray",
	Short: "Watch the local node's status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg.Logging)

		lock, err := instance.NewArbiter(instance.NewLocker(), logger).Acquire(instance.DomainTray, instance.RoleTray)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()

		logger.Info("watching node status", "addr", cfg.Status.Addr, "interval", trayInterval)
		status.Watch(cmd.Context(), cfg.Status.Addr, trayInterval, func(st status.State) {
			logger.Info("node status changed", "state", st)
		})
		return nil
	},
}

func init() {
	trayCmd.Flags().DurationVar(&trayInterval, "interval", 2*time.Second, "probe interval")
	rootCmd.AddCommand(runCmd, serviceCmd, trayCmd)
}

func runNode(cmd *cobra.Command, role instance.Role, showBanner bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if showBanner {
		printBanner(effectiveConfigPath(), cfg)
	}
	logger := setupLogger(cfg.Logging)
	return startNode(cmd.Context(), cfg, role, instance.NewArbiter(instance.NewLocker(), logger), logger)
}

// startNode takes node ownership before building anything, so a denied start
// leaves no files, listeners or sessions behind.
func startNode(ctx context.Context, cfg *config.Config, role instance.Role, arbiter *instance.Arbiter, logger *slog.Logger) error {
	lock, err := arbiter.Acquire(instance.DomainNodeOwner, role)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Release() }()

	n, err := newNode(cfg, role, logger)
	if err != nil {
		return err
	}
	defer n.Close()

	logger.Info("starting coven-node",
		"node_id", cfg.NodeID,
		"role", role,
		"device_id", n.identity.DeviceID(),
	)
	return n.run(ctx)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the local node is connected",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
		defer cancel()
		st, err := status.Probe(ctx, cfg.Status.Addr)
		switch st {
		case status.StateServing:
			fmt.Println(color.GreenString("●"), "connected to gateway")
			return nil
		case status.StateNotServing:
			fmt.Println(color.YellowString("●"), "running, not connected to gateway")
		default:
			fmt.Println(color.RedString("●"), "not running")
		}
		if err != nil {
			return fmt.Errorf("probing %s: %w", cfg.Status.Addr, err)
		}
		return fmt.Errorf("node is %s", st)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
