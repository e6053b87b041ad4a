package main

import (
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/coderun/config"
)

const maskedSecret = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file and environment
overrides have been applied. The API key is masked.`,
	Args: cobra.NoArgs,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return err
	}
	return renderConfig(cmd.OutOrStdout(), cfg)
}

func renderConfig(w io.Writer, cfg *config.Config) error {
	masked := *cfg
	if masked.Assist.APIKey != "" {
		masked.Assist.APIKey = maskedSecret
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return err
	}
	return enc.Close()
}
