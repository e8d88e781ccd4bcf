package main

import (
	"fmt"
	"os"

	"dhmreg/internal/cli"
	"dhmreg/internal/config"
	"dhmreg/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, sink, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := cli.NewRootCmd(cfg, logger, sink).Execute(); err != nil {
		os.Exit(1)
	}
}
