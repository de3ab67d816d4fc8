package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

// KindExec runs Args[0] as a child process with Args[1:] as its arguments.
// Exit status 0 is a graceful exit.
const KindExec = "exec"

func checkExecArgs(args []string) error {
	if len(args) == 0 || args[0] == "" {
		return fmt.Errorf("exec worker needs a command")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return err
	}
	return nil
}

// execWorker runs the child until it exits or ctx is cancelled. On cancel
// the child gets an interrupt and StopGrace to exit before it is killed.
func (h *Host) execWorker(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = h.cfg.Stdout
	cmd.Stderr = h.cfg.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = h.cfg.StopGrace

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s: exit status %d", args[0], exitErr.ExitCode())
	}
	return fmt.Errorf("failed to execute %s: %w", args[0], err)
}
