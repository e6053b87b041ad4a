package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/isdmx/coderun/assist"
)

var generateCmd = &cobra.Command{
	Use:   "generate <prompt>",
	Short: "Ask the model to write code for a task",
	Long: `Ask the configured model to write code for a task described in plain words.
Requires assist.api_key (or GEMINI_API_KEY).

Examples:
  coderun generate "print the first ten primes"
  coderun generate --lang cpp "reverse a linked list"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runGenerate,
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize <file|->",
	Short: "Ask the model to optimize a source file",
	Long: `Ask the configured model for a faster version of a source file that
prints the same output. Pass "-" to read the code from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: runOptimize,
}

func init() {
	generateCmd.Flags().StringVarP(&langFlag, "lang", "l", "python", "Target language")
	optimizeCmd.Flags().StringVarP(&langFlag, "lang", "l", "python", "Source language")
	rootCmd.AddCommand(generateCmd, optimizeCmd)
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	client := assist.NewFromConfig(cfg, log)
	reply := client.Generate(cmd.Context(), strings.Join(args, " "), langFlag, cfg.Assist.APIKey)
	return printReply(cmd, reply)
}

func runOptimize(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	code, err := readSource(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	client := assist.NewFromConfig(cfg, log)
	reply := client.Optimize(cmd.Context(), code, langFlag, cfg.Assist.APIKey)
	return printReply(cmd, reply)
}

// printReply prints code replies to stdout and turns "Error:" replies into
// a command error.
func printReply(cmd *cobra.Command, reply string) error {
	if strings.HasPrefix(reply, "Error:") {
		return errors.New(reply)
	}
	_, err := fmt.Fprintln(cmd.OutOrStdout(), reply)
	return err
}
