// Package logger provides structured logging capabilities.
//
// The logger package sets up and configures the application's logging
// system using zap. Every entry produced while a submission runs carries
// the run_id and language fields, so the lines of one run can be pulled
// out of a busy server's output.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	runLog := logger.ForRun(log, runID, "python")
//	runLog.Info("container started")
package logger
