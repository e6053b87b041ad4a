// Package sandbox runs untrusted code in disposable containers.
//
// The Executor drives one run end to end: it writes the code to the
// workspace, connects to the container runtime, makes sure the language
// image is present and starts a network-less, resource-limited container.
// It then waits for the container under a timeout, collects its output and
// memory usage and classifies abnormal exits. Everything a run acquires is
// released on the way out, whatever the outcome.
//
// Failures never escape as Go errors. Every call to Execute returns a
// Result whose Error field carries a human-readable message.
//
// Usage:
//
//	ws := workspace.New(cfg.Sandbox.WorkspaceDir, logger)
//	executor, err := sandbox.NewExecutor(logger, cfg, ws)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result := executor.Execute(ctx, "print('Hello, World!')", "python")
package sandbox
