// Package svc runs meshdrop nodes and gateways under the OS service manager.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// Service modes.
const (
	ModeNode    = "node"
	ModeGateway = "gateway"
)

// RunFunc runs one mode until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface.
type Program struct {
	Mode       string
	ConfigPath string
	Run        map[string]RunFunc // mode -> run function

	cancel context.CancelFunc
	done   chan error
}

// Start launches the mode's run function. It must not block.
func (p *Program) Start(service.Service) error {
	run, ok := p.Run[p.Mode]
	if !ok {
		return fmt.Errorf("unknown mode: %s", p.Mode)
	}
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan error, 1)
	go func() { p.done <- run(ctx, p.ConfigPath) }()
	return nil
}

// Stop cancels the run function and waits for it to return.
func (p *Program) Stop(service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServiceConfig describes an installed service.
type ServiceConfig struct {
	Name       string
	Mode       string
	ConfigPath string
	UserName   string // Linux/macOS only
}

// ValidMode reports whether mode is node or gateway.
func ValidMode(mode string) bool {
	return mode == ModeNode || mode == ModeGateway
}

// DefaultServiceName returns the service name for mode.
func DefaultServiceName(mode string) string {
	if mode == ModeGateway {
		return "meshdrop-gateway"
	}
	return "meshdrop-node"
}

// DefaultConfigPath returns the platform config path for mode.
func DefaultConfigPath(mode string) string {
	dir := "/etc/meshdrop"
	if runtime.GOOS == "windows" {
		dir = filepath.Join(os.Getenv("ProgramData"), "meshdrop")
	}
	return filepath.Join(dir, mode+".yaml")
}

// Arguments returns the command line the service manager starts.
func Arguments(cfg *ServiceConfig) []string {
	return []string{
		"--service-run",
		cfg.Mode, "serve",
		"--config", cfg.ConfigPath,
	}
}

// NewServiceConfig builds the kardianos service definition for cfg.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	display := "meshdrop storage node"
	if cfg.Mode == ModeGateway {
		display = "meshdrop download gateway"
	}
	sc := &service.Config{
		Name:        cfg.Name,
		DisplayName: display,
		Description: "meshdrop peer-to-peer replicated file store (" + cfg.Mode + ")",
		Arguments:   Arguments(cfg),
	}

	switch runtime.GOOS {
	case "linux":
		sc.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		sc.Option = service.KeyValue{"Restart": "on-failure", "RestartSec": "5"}
		sc.UserName = cfg.UserName
	case "darwin":
		sc.Option = service.KeyValue{"KeepAlive": true, "RunAtLoad": true}
		sc.UserName = cfg.UserName
	case "windows":
		sc.Option = service.KeyValue{"OnFailure": "restart", "OnFailureDelay": "5s"}
	}
	return sc
}

func newService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	s, err := service.New(prg, NewServiceConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}
	return s, nil
}

// Install installs the service. An existing installation is replaced only
// when force is set.
func Install(cfg *ServiceConfig, force bool) error {
	s, err := newService(&Program{Mode: cfg.Mode, ConfigPath: cfg.ConfigPath}, cfg)
	if err != nil {
		return err
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops the service if running and removes it.
func Uninstall(cfg *ServiceConfig) error {
	s, err := newService(&Program{Mode: cfg.Mode}, cfg)
	if err != nil {
		return err
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs a start, stop or restart action.
func Control(cfg *ServiceConfig, action string) error {
	s, err := newService(&Program{Mode: cfg.Mode}, cfg)
	if err != nil {
		return err
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns a human-readable service status.
func Status(cfg *ServiceConfig) (string, error) {
	s, err := newService(&Program{Mode: cfg.Mode}, cfg)
	if err != nil {
		return "", err
	}
	status, err := s.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		return "not installed", nil
	}
	if err != nil {
		return "", err
	}
	return StatusString(status), nil
}

// StatusString names a service status.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands control to the service manager.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := newService(prg, cfg)
	if err != nil {
		return err
	}
	return s.Run()
}

// CheckPrivileges fails when a Unix user is not root.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether the process was started by the service manager.
func IsServiceMode(args []string) bool {
	for _, arg := range args {
		if arg == "--service-run" {
			return true
		}
	}
	return false
}

// ModeFromArgs returns the mode subcommand in a service command line.
func ModeFromArgs(args []string) string {
	for _, arg := range args {
		if ValidMode(arg) {
			return arg
		}
	}
	return ""
}
