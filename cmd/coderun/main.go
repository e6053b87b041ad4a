package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/isdmx/coderun/config"
	"github.com/isdmx/coderun/logger"
)

var (
	configFlag string
	langFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "coderun",
	Short: "coderun - run untrusted python and C++ in throwaway containers",
	Long: `coderun executes a snippet of python or C++ inside a disposable,
network-less container and reports its output, errors and resource usage.

It can also ask an OpenAI-compatible model to write or optimize code when
an API key is configured.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Path to a config file (defaults to ./config.yaml when present)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config and builds the logger shared by every subcommand.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating logger: %w", err)
	}

	return cfg, log, nil
}
