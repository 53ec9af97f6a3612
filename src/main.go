package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/campusnet/portal-keeper/src/cli"
	"github.com/campusnet/portal-keeper/src/config_manager"
	"github.com/campusnet/portal-keeper/src/connectivity_probe"
	"github.com/campusnet/portal-keeper/src/crowsnest"
	"github.com/campusnet/portal-keeper/src/event_log"
	"github.com/campusnet/portal-keeper/src/metrics"
	"github.com/campusnet/portal-keeper/src/portal_executor"
	"github.com/campusnet/portal-keeper/src/reauth_controller"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConfigPath = "/etc/portal-keeper/config.json"
	configPathEnv     = "PORTAL_KEEPER_CONFIG_PATH"
	shutdownTimeout   = 5 * time.Second
	captiveTimeout    = 5 * time.Second
)

var logger = logrus.WithField("module", "main")

type options struct {
	ConfigPath string
	LogLevel   string
	SocketPath string
	StatusAddr string
}

// parseFlags reads the command line. The config path comes from --config,
// then the environment, then the built-in default.
func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("portal-keeper", pflag.ContinueOnError)
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "Path of the JSON settings file (env "+configPathEnv+")")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Override log_level from the settings file")
	fs.StringVar(&opts.SocketPath, "socket", "", "Override cli_socket_path from the settings file")
	fs.StringVar(&opts.StatusAddr, "status-addr", "", "Override status_listen_addr from the settings file")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}

	if opts.ConfigPath == "" {
		opts.ConfigPath = os.Getenv(configPathEnv)
	}
	if opts.ConfigPath == "" {
		opts.ConfigPath = defaultConfigPath
	}
	return opts, nil
}

// applyOverrides lets flags win over the settings file
func applyOverrides(cfg *config_manager.Config, opts options) {
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.SocketPath != "" {
		cfg.CLISocketPath = opts.SocketPath
	}
	if opts.StatusAddr != "" {
		cfg.StatusListenAddr = opts.StatusAddr
	}
}

// daemon holds the wired components
type daemon struct {
	events     *event_log.Log
	monitor    *crowsnest.Monitor
	controller *reauth_controller.Controller
	watcher    *crowsnest.LinkWatcher
	cliServer  *cli.CLIServer
	status     *cli.StatusServer
}

func newDaemon(cm *config_manager.ConfigManager, cfg *config_manager.Config) (*daemon, error) {
	policy, err := reauth_controller.PolicyFromConfig(cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("invalid retry settings: %w", err)
	}
	executor, err := portal_executor.NewExecutor(cfg.Executor)
	if err != nil {
		return nil, fmt.Errorf("invalid executor settings: %w", err)
	}

	clk := clock.New()
	events := event_log.New(cfg.EventLogCapacity)
	collectors := metrics.New()
	collectors.Attach(events)

	prober := connectivity_probe.NewProber(cfg.Probe, clk)
	monitor := crowsnest.NewMonitor(prober, cfg.Probe.PollInterval(), clk, events)
	controller := reauth_controller.NewController(monitor, executor, cm, policy, clk, events)

	d := &daemon{
		events:     events,
		monitor:    monitor,
		controller: controller,
	}
	if cfg.Probe.WatchInterfaces {
		d.watcher = crowsnest.NewLinkWatcher(cfg.Probe, monitor, clk)
	}

	captiveClient := connectivity_probe.NewCaptiveClient(captiveTimeout)
	services := cli.Services{
		Monitor:    monitor,
		Controller: controller,
		Scanner:    prober,
		Events:     events,
		Settings:   cm,
		DetectCaptivePortal: func(ctx context.Context) connectivity_probe.CaptivePortalReport {
			return connectivity_probe.DetectCaptivePortal(ctx, captiveClient, connectivity_probe.DefaultCaptiveEndpoints)
		},
	}
	d.cliServer = cli.NewCLIServer(cfg.CLISocketPath, services)
	d.status = cli.NewStatusServer(cfg.StatusListenAddr, services, collectors.Handler())
	return d, nil
}

// run blocks until ctx is done or a component fails
func (d *daemon) run(ctx context.Context) error {
	if err := d.cliServer.Start(); err != nil {
		return err
	}
	if err := d.status.Listen(); err != nil {
		return multierr.Append(fmt.Errorf("status server: %w", err), d.cliServer.Stop())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error { return d.controller.Run(gctx) })
	g.Go(d.status.Serve)
	if d.watcher != nil {
		g.Go(func() error {
			// losing the watcher only costs reaction time, the poll still runs
			if err := d.watcher.Run(gctx); err != nil {
				logger.WithError(err).Warn("Link watcher stopped, relying on periodic probes")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return multierr.Combine(
			d.status.Shutdown(shutdownCtx),
			d.cliServer.Stop(),
		)
	})

	return g.Wait()
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	cm, err := config_manager.NewConfigManager(opts.ConfigPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create config manager")
	}
	cfg, err := cm.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	if cfg == nil {
		cfg = config_manager.NewDefaultConfig()
	}
	applyOverrides(cfg, opts)

	InitializeGlobalLogger(cfg.LogLevel)
	logger.WithFields(logrus.Fields{
		"config":   opts.ConfigPath,
		"version":  cli.Version,
		"executor": cfg.Executor.Kind,
	}).Info("Starting portal-keeper")

	d, err := newDaemon(cm, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialise")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("portal-keeper stopped with error")
		stop()
		os.Exit(1)
	}
	logger.Info("portal-keeper stopped")
}
