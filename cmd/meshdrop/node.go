package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meshdrop/meshdrop/internal/api"
	"github.com/meshdrop/meshdrop/internal/audit"
	"github.com/meshdrop/meshdrop/internal/config"
	"github.com/meshdrop/meshdrop/internal/metadata"
	"github.com/meshdrop/meshdrop/internal/node"
	"github.com/meshdrop/meshdrop/internal/scheduler"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newNodeCmd() *cobra.Command {
	nodeCmd := &cobra.Command{
		Use:   "node",
		Short: "Run and maintain a storage node",
	}

	nodeCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve the node API and run scheduled maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, nodeConfigPath())
		},
	})

	nodeCmd.AddCommand(&cobra.Command{
		Use:       "task <name>",
		Short:     "Run one maintenance task and exit",
		Long:      "Run one maintenance task. Tasks: " + fmt.Sprint(node.Tasks()),
		Args:      cobra.ExactArgs(1),
		ValidArgs: node.Tasks(),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openNode()
			if err != nil {
				return err
			}
			return svc.RunTask(cmd.Context(), args[0])
		},
	})

	nodeCmd.AddCommand(&cobra.Command{
		Use:   "reactivate <file_id>",
		Short: "Restore an archived file to active storage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openNode()
			if err != nil {
				return err
			}
			auditLog := audit.NewLogger(log.Logger)
			if err := svc.Archiver().Reactivate(args[0], metadata.DefaultChunkID); err != nil {
				auditLog.LogFileOp(audit.OpReactivate, args[0], audit.ResultFailed, err.Error(), "cli")
				return err
			}
			auditLog.LogFileOp(audit.OpReactivate, args[0], audit.ResultOK, "", "cli")
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reactivated %s\n", args[0])
			return nil
		},
	})

	return nodeCmd
}

func nodeConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "node.yaml"
}

func loadNodeConfig(path string) (*config.NodeConfig, error) {
	cfg, err := config.LoadNodeConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)
	return cfg, nil
}

func openNode() (*node.Service, error) {
	cfg, err := loadNodeConfig(nodeConfigPath())
	if err != nil {
		return nil, err
	}
	return node.New(cfg, node.Options{Version: Version})
}

// runNode serves until ctx is cancelled. It is shared by the CLI and the
// OS service.
func runNode(ctx context.Context, configPath string) error {
	cfg, err := loadNodeConfig(configPath)
	if err != nil {
		return err
	}
	svc, err := node.New(cfg, node.Options{Version: Version})
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	log.Info().
		Str("node_id", cfg.NodeID).
		Str("url", cfg.NodeURL).
		Str("data_dir", cfg.DataDir).
		Str("version", Version).
		Msg("meshdrop node starting")

	var sched *scheduler.Scheduler
	if !cfg.Scheduler.Disabled {
		intervals := make(map[string]time.Duration)
		for _, task := range node.Tasks() {
			intervals[task] = cfg.TaskInterval(task)
		}
		sched = scheduler.New(svc, intervals)
		sched.Start(ctx)
	}

	err = api.NewServer(svc).ListenAndServe(ctx, cfg.Listen)
	if sched != nil {
		sched.Wait()
	}
	return err
}
