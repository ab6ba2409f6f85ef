// Command agentflow runs the agent pipeline orchestrator: `run` drives a
// single pipeline synchronously from the shell, `serve` exposes the event
// hub over websocket plus Prometheus metrics.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Process exit codes for the run command.
const (
	exitCompleted = 0
	exitFailed    = 2
	exitCancelled = 3
	exitConfig    = 4
	exitInternal  = 64
)

// exitError carries a process exit code through cobra's error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error { return e.err }

func configErr(err error) error   { return &exitError{code: exitConfig, err: err} }
func internalErr(err error) error { return &exitError{code: exitInternal, err: err} }
func statusExit(code int) error   { return &exitError{code: code} }

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentflow",
		Short:         "Multi-stage agent pipeline orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newServeCmd())
	return root
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		os.Exit(exitCompleted)
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "agentflow:", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintln(os.Stderr, "agentflow:", err)
	os.Exit(exitInternal)
}
