package main

import (
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-stack/pkg/logging"
	"github.com/core-tools/hsu-stack/pkg/supervisor"
)

type flagOptions struct {
	Config      string `long:"config" description:"stack configuration file"`
	Compose     string `long:"compose" description:"compose descriptor to import instead of a stack configuration"`
	Listen      string `long:"listen" description:"status API listen address (overrides the configuration file)"`
	PIDFile     string `long:"pid-file" description:"write the supervisor PID to this file"`
	LogLevel    string `long:"log-level" description:"log level: debug, info, warn, error" default:"info"`
	RunDuration int    `long:"run-duration" description:"seconds to run before stopping, 0 means run until a signal"`
	Validate    bool   `long:"validate" description:"validate the configuration and exit"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s-server , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v", err)
		os.Exit(1)
	}

	if opts.Config == "" && opts.Compose == "" {
		fmt.Println("A configuration file (--config) or a compose file (--compose) is required")
		os.Exit(1)
	}

	zapLogger := logging.NewZapLogger(opts.LogLevel)
	stackLogger := logging.NewLogger(
		logPrefix("hsu-stack"), logging.LogFuncs{
			Debugf: zapLogger.Debugf,
			Infof:  zapLogger.Infof,
			Warnf:  zapLogger.Warnf,
			Errorf: zapLogger.Errorf,
		})

	stackLogger.Infof("opts: %+v", opts)

	if opts.Validate {
		if err := validate(opts); err != nil {
			stackLogger.Errorf("Configuration is invalid: %v", err)
			os.Exit(1)
		}
		stackLogger.Infof("Configuration is valid")
		return
	}

	runOptions := supervisor.RunOptions{
		ConfigFile:    opts.Config,
		ComposeFile:   opts.Compose,
		ListenAddress: opts.Listen,
		PIDFile:       opts.PIDFile,
		RunDuration:   time.Duration(opts.RunDuration) * time.Second,
	}
	if err := supervisor.Run(runOptions, stackLogger); err != nil {
		stackLogger.Errorf("Stack runner failed: %v", err)
		os.Exit(1)
	}
}

func validate(opts flagOptions) error {
	if opts.Compose != "" {
		config, err := supervisor.ImportComposeFile(opts.Compose)
		if err != nil {
			return err
		}
		return supervisor.ValidateConfig(config)
	}
	return supervisor.ValidateConfigFile(opts.Config)
}
