package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/framectl/framectl/internal/api"
	"github.com/framectl/framectl/internal/command"
	"github.com/framectl/framectl/internal/config"
	"github.com/framectl/framectl/internal/controller"
	"github.com/framectl/framectl/internal/dispatch"
	"github.com/framectl/framectl/internal/history"
	"github.com/framectl/framectl/internal/logging"
	"github.com/framectl/framectl/internal/subsystem"
)

var version = "dev"

func main() {
	var (
		mode         string
		subsystems   string
		endpoints    []string
		ctrlTimeout  float64
		pollInterval float64
		profilePath  string
		liveview     bool
		cmdTemplate  string
		historyPath  string
		listenAddr   string
		logLevel     string
		logFormat    string
	)

	rootCmd := &cobra.Command{
		Use:           "framectld",
		Short:         "Control plane for detector frame-processing workers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := logging.Init(logLevel, logFormat); err != nil {
				return fmt.Errorf("initialise logging: %w", err)
			}
			defer logging.Sync()

			settings := config.Settings{
				Mode:         mode,
				Subsystems:   config.SplitList(subsystems),
				Endpoints:    parseEndpointFlags(endpoints),
				CtrlTimeout:  time.Duration(ctrlTimeout * float64(time.Second)),
				PollInterval: time.Duration(pollInterval * float64(time.Second)),
				ProfilePath:  profilePath,
				Liveview:     liveview,
				CmdTemplate:  cmdTemplate,
				HistoryPath:  historyPath,
				ListenAddr:   listenAddr,
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			return runDaemon(settings)
		},
	}
	rootCmd.Version = version

	flags := rootCmd.Flags()
	flags.StringVar(&mode, "mode", config.ModeFleet, "execution mode: fleet or command")
	flags.StringVar(&subsystems, "subsystems", "", "comma-separated subsystem names")
	flags.StringArrayVar(&endpoints, "endpoints", nil,
		"worker endpoints per subsystem, e.g. --endpoints babyd=tcp://h1:5000,tcp://h2:5000")
	flags.Float64Var(&ctrlTimeout, "ctrl-timeout", 1.0, "control request timeout in seconds")
	flags.Float64Var(&pollInterval, "poll-interval", 1.0, "status poll interval in seconds")
	flags.StringVar(&profilePath, "profile", "", "path to the worker configuration document")
	flags.BoolVar(&liveview, "liveview", false, "enable liveview control")
	flags.StringVar(&cmdTemplate, "cmd-template", "", "command template for command mode")
	flags.StringVar(&historyPath, "history", "", "path to the acquisition history database")
	flags.StringVar(&listenAddr, "listen", "127.0.0.1:8888", "control API listen address")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&logFormat, "log-format", "console", "log format: console or json")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runDaemon(settings config.Settings) error {
	log := logging.For("framectld")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *history.Store
	if settings.HistoryPath != "" {
		var err error
		store, err = history.Open(settings.HistoryPath)
		if err != nil {
			return err
		}
	}

	controllers := map[string]controller.AcquisitionController{}
	var managers []*subsystem.Manager
	var names []string

	switch settings.Mode {
	case config.ModeCommand:
		ctrl, err := command.New(settings.CmdTemplate, settings.CtrlTimeout, logging.For("command"))
		if err != nil {
			return err
		}
		names = []string{"command"}
		controllers["command"] = ctrl

	default:
		for _, name := range settings.Subsystems {
			manager, err := subsystem.New(subsystem.Options{
				Subsystem:    name,
				Endpoints:    settings.Endpoints[name],
				Timeout:      settings.CtrlTimeout,
				PollInterval: settings.PollInterval,
				ProfilePath:  settings.ProfilePath,
				Liveview:     settings.Liveview,
				Logger:       logging.For("subsystem." + name),
			})
			if err != nil {
				return err
			}
			names = append(names, name)
			controllers[name] = manager
			managers = append(managers, manager)
		}
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Subsystems:  names,
		Controllers: controllers,
		History:     store,
		Logger:      logging.For("dispatch"),
	})
	if err != nil {
		return err
	}
	defer dispatcher.Close()

	for _, manager := range managers {
		go manager.Run(ctx)
	}

	server := api.NewServer(dispatcher, settings.ListenAddr, logging.For("api"))
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	log.Infow("framectld started", "pid", os.Getpid(),
		"mode", settings.Mode, "listen", settings.ListenAddr,
		"subsystems", names)

	select {
	case <-ctx.Done():
		log.Infow("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control API server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during shutdown", "error", err)
	}
	return nil
}

// parseEndpointFlags turns repeated "name=ep1,ep2" flags into the per-
// subsystem endpoint lists.
func parseEndpointFlags(raw []string) map[string][]string {
	out := map[string][]string{}
	for _, entry := range raw {
		name, list, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(name)] = config.SplitList(list)
	}
	return out
}
