package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/meshdrop/meshdrop/internal/svc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	serviceMode  string
	serviceName  string
	serviceUser  string
	forceInstall bool
	logsFollow   bool
	logsLines    int
)

func newServiceCmd() *cobra.Command {
	serviceCmd := &cobra.Command{
		Use:   "service",
		Short: "Manage meshdrop as a system service",
		Long: `Install and control a meshdrop node or gateway under systemd, launchd
or the Windows Service Control Manager.

  sudo meshdrop service install --mode node --config /etc/meshdrop/node.yaml
  sudo meshdrop service status --mode node
  sudo meshdrop service logs --mode gateway --follow`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging("")
			if !svc.ValidMode(serviceMode) {
				return fmt.Errorf("--mode must be %q or %q", svc.ModeNode, svc.ModeGateway)
			}
			return nil
		},
	}
	serviceCmd.PersistentFlags().StringVar(&serviceMode, "mode", svc.ModeNode, "service mode: node or gateway")
	serviceCmd.PersistentFlags().StringVarP(&serviceName, "name", "n", "", "service name (default: meshdrop-<mode>)")

	installCmd := &cobra.Command{
		Use:   "install",
		Short: "Install the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			cfg := serviceConfig()
			if err := svc.Install(cfg, forceInstall); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "installed %s (config %s)\n", cfg.Name, cfg.ConfigPath)
			return nil
		},
	}
	installCmd.Flags().StringVar(&serviceUser, "user", "", "run the service as this user (Linux/macOS only)")
	installCmd.Flags().BoolVarP(&forceInstall, "force", "f", false, "reinstall if already installed")
	serviceCmd.AddCommand(installCmd)

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Remove the service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc.CheckPrivileges(); err != nil {
				return err
			}
			return svc.Uninstall(serviceConfig())
		},
	})

	for _, action := range []string{"start", "stop", "restart"} {
		serviceCmd.AddCommand(&cobra.Command{
			Use:   action,
			Short: "Control the service: " + action,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := svc.CheckPrivileges(); err != nil {
					return err
				}
				return svc.Control(serviceConfig(), action)
			},
		})
	}

	serviceCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := serviceConfig()
			status, err := svc.Status(cfg)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cfg.Name, status)
			return nil
		},
	})

	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Show service logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return svc.ViewLogs(runtime.GOOS, svc.LogOptions{
				ServiceName: serviceConfig().Name,
				Follow:      logsFollow,
				Lines:       logsLines,
			})
		},
	}
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "follow log output")
	logsCmd.Flags().IntVar(&logsLines, "lines", 50, "number of lines to show")
	serviceCmd.AddCommand(logsCmd)

	return serviceCmd
}

func serviceConfig() *svc.ServiceConfig {
	name := serviceName
	if name == "" {
		name = svc.DefaultServiceName(serviceMode)
	}
	path := cfgFile
	if path == "" {
		path = svc.DefaultConfigPath(serviceMode)
	}
	return &svc.ServiceConfig{
		Name:       name,
		Mode:       serviceMode,
		ConfigPath: path,
		UserName:   serviceUser,
	}
}

func isServiceRun(args []string) bool {
	return svc.IsServiceMode(args)
}

// runAsService is the entry point when the service manager starts meshdrop.
func runAsService() {
	setupServiceLogging()
	inService = true

	mode := svc.ModeFromArgs(os.Args)
	var configPath string
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}
	if mode == "" {
		log.Fatal().Msg("service mode not specified")
	}
	if configPath == "" {
		configPath = svc.DefaultConfigPath(mode)
	}
	cfgFile = configPath

	log.Info().Str("mode", mode).Str("config", configPath).Str("version", Version).Msg("starting as service")

	prg := &svc.Program{
		Mode:       mode,
		ConfigPath: configPath,
		Run: map[string]svc.RunFunc{
			svc.ModeNode:    runNode,
			svc.ModeGateway: runGateway,
		},
	}
	cfg := &svc.ServiceConfig{
		Name:       svc.DefaultServiceName(mode),
		Mode:       mode,
		ConfigPath: configPath,
	}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("service error")
	}
}

// setupServiceLogging writes to a log file as well as stderr, since some
// service managers drop stderr.
func setupServiceLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	var out io.Writer = os.Stderr
	if runtime.GOOS != "windows" {
		if f, err := os.OpenFile("/var/log/meshdrop-service.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644); err == nil {
			out = io.MultiWriter(f, os.Stderr)
		}
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
}
