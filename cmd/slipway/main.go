package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := flag.NewFlagSet("slipway", flag.ContinueOnError)
	configPath := flags.String("config", "", "Path to config file")
	checkConfig := flags.Bool("check", false, "Validate configuration and exit")
	showVersion := flags.Bool("version", false, "Print version and exit")
	if err := flags.Parse(args); err != nil {
		return ExitConfigError
	}

	if *showVersion {
		fmt.Printf("slipway %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	if *checkConfig {
		fmt.Println("configuration ok")
		return ExitSuccess
	}

	logger := SetupLogger(cfg)
	logger.Info("starting slipway",
		"version", Version,
		"config", *configPath,
		"driver", cfg.Provision.Driver,
	)

	server, err := NewServer(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		return exitCode(err)
	}

	if err := server.Start(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		return exitCode(err)
	}

	return ExitSuccess
}

// exitCode maps a server error to its process exit code. Anything that is not
// a ServerError counts as a configuration problem.
func exitCode(err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		return sErr.ExitCode
	}
	return ExitConfigError
}
