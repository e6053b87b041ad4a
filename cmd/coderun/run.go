package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/isdmx/coderun/sandbox"
	"github.com/isdmx/coderun/workspace"
)

var runCmd = &cobra.Command{
	Use:   "run <file|->",
	Short: "Run a source file in the sandbox and print the result as JSON",
	Long: `Run a python or C++ source file in a disposable container.
Pass "-" to read the code from stdin.

Examples:
  coderun run hello.py
  coderun run --lang cpp main.cpp
  echo 'print(1)' | coderun run -`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&langFlag, "lang", "l", "python", "Source language (python, cpp)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	code, err := readSource(cmd.InOrStdin(), args[0])
	if err != nil {
		return err
	}

	ws := workspace.New(cfg.Sandbox.WorkspaceDir, log)
	if err := ws.EnsureDir(); err != nil {
		return err
	}

	executor, err := sandbox.NewExecutor(log, cfg, ws)
	if err != nil {
		return fmt.Errorf("creating executor: %w", err)
	}

	// Run failures are reported in the printed result, not the exit status.
	result := executor.Execute(cmd.Context(), code, langFlag)
	return writeResult(cmd.OutOrStdout(), result)
}

// readSource reads code from path, or from stdin when path is "-".
func readSource(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading source: %w", err)
	}
	return string(data), nil
}

func writeResult(w io.Writer, result sandbox.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
