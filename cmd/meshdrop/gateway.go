package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshdrop/meshdrop/internal/config"
	"github.com/meshdrop/meshdrop/internal/gateway"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGatewayCmd() *cobra.Command {
	gatewayCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Run the download gateway",
	}

	gatewayCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Serve downloads across healthy nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, gatewayConfigPath())
		},
	})

	gatewayCmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Poll every known node once and update the peer status mirror",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := openGateway(gatewayConfigPath())
			if err != nil {
				return err
			}
			res, err := g.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "checked %d nodes, %d ok, %d discovered\n",
				res.Checked, res.OK, res.Discovered)
			return nil
		},
	})

	return gatewayCmd
}

func gatewayConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return "gateway.yaml"
}

func openGateway(path string) (*gateway.Gateway, error) {
	cfg, err := config.LoadGatewayConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.LogLevel)
	return gateway.New(cfg)
}

func runGateway(ctx context.Context, configPath string) error {
	g, err := openGateway(configPath)
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Msg("meshdrop gateway starting")
	return g.Run(ctx)
}
