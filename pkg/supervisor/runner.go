package supervisor

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-stack/pkg/errors"
	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/processfile"
)

// RunOptions drive one supervisor invocation from the command line.
type RunOptions struct {
	// ConfigFile is a native stack configuration file. Exactly one of
	// ConfigFile and ComposeFile must be set.
	ConfigFile string

	// ComposeFile is a compose descriptor to import instead of a native
	// configuration.
	ComposeFile string

	// ListenAddress enables the status API when non-empty. Overrides the
	// configuration file value.
	ListenAddress string

	// PIDFile records the supervisor's own PID when non-empty.
	PIDFile string

	// RunDuration stops the stack after a fixed interval. Zero means run
	// until a shutdown signal.
	RunDuration time.Duration
}

// Run loads the configuration, brings the stack up and blocks until a
// shutdown signal or the run duration elapses.
func Run(options RunOptions, logger logging.Logger) error {
	logger.Infof("Stack runner starting...")

	config, err := loadRunConfig(options, logger)
	if err != nil {
		return err
	}

	supervisor, err := NewSupervisorFromConfig(config, logger)
	if err != nil {
		return err
	}

	logger.Infof("Configuration loaded, stack: %s, units: %d", config.Stack.Name, len(config.Units))

	if options.PIDFile != "" {
		pidFile := processfile.New(options.PIDFile, logger)
		if err := pidFile.Write(); err != nil {
			return err
		}
		defer pidFile.Remove()
	}

	ctx := context.Background()
	var cancelTimeout context.CancelFunc
	if options.RunDuration > 0 {
		logger.Infof("Using run duration of %v", options.RunDuration)
		ctx, cancelTimeout = context.WithTimeout(ctx, options.RunDuration)
		defer cancelTimeout()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listenAddress := options.ListenAddress
	if listenAddress == "" {
		listenAddress = config.Stack.ListenAddress
	}
	if listenAddress != "" {
		statusServer := NewStatusServer(supervisor, listenAddress, logger)
		statusServer.Start()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			statusServer.Stop(shutdownCtx)
		}()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)

	go func() {
		select {
		case receivedSignal := <-sig:
			logger.Infof("Stack runner received signal: %v", receivedSignal)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := supervisor.Run(ctx); err != nil {
		return err
	}

	// Blockage reports from the run are the operator's cue to inspect the
	// stack; they do not fail a clean shutdown by themselves, but they are
	// summarized before exit.
	for _, failure := range supervisor.Failures() {
		logger.Warnf("Unit blockage report: %v", failure)
	}

	logger.Infof("Stack runner stopped")
	return nil
}

func loadRunConfig(options RunOptions, logger logging.Logger) (*StackConfig, error) {
	switch {
	case options.ConfigFile != "" && options.ComposeFile != "":
		return nil, errors.NewValidationError("config file and compose file are mutually exclusive", nil)
	case options.ConfigFile != "":
		logger.Infof("Using configuration file: %s", options.ConfigFile)
		return LoadConfigFromFile(options.ConfigFile)
	case options.ComposeFile != "":
		logger.Infof("Importing compose file: %s", options.ComposeFile)
		return ImportComposeFile(options.ComposeFile)
	default:
		return nil, errors.NewValidationError("a configuration file or a compose file is required", nil)
	}
}
