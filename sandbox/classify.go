package sandbox

import (
	"fmt"
	"time"
)

// Exit codes with a known likely cause.
const (
	exitKilled          = 137 // 128 + SIGKILL: OOM killer or a hard kill at the deadline
	exitSegfault        = 139 // 128 + SIGSEGV
	exitCommandNotFound = 127
)

// killSlack is how close to the time budget a SIGKILL must land to be
// blamed on the timeout rather than on memory.
const killSlack = 500 * time.Millisecond

// Classify guesses why a run exited with exitCode and returns a diagnostic,
// or "" when it has nothing to add.
//
// The guess is best-effort. Exit code and wall time cannot tell an OOM kill
// near the deadline from a timeout kill. It should only be made stronger
// once the runtime reports OOM kills explicitly.
func Classify(exitCode int64, elapsed, budget time.Duration, memoryLimit string) string {
	switch exitCode {
	case exitKilled:
		if elapsed >= budget-killSlack {
			return fmt.Sprintf("Process likely killed due to timeout (%gs).", budget.Seconds())
		}
		return fmt.Sprintf("Process likely killed due to memory limit (%s).", memoryLimit)
	case exitSegfault:
		return "Process likely caused a Segmentation Fault."
	case exitCommandNotFound:
		return "Command not found within the sandbox (check image/path)."
	default:
		return ""
	}
}
