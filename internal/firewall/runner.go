// Package firewall implements the platform firewall drivers.
package firewall

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/appfence/appfence/internal/domain"
)

// DefaultCommandTimeout bounds every external firewall command invocation.
const DefaultCommandTimeout = 10 * time.Second

// ExecRunner implements domain.CommandRunner using os/exec with a
// per-invocation timeout. A deadline hit surfaces as an error wrapping
// context.DeadlineExceeded so drivers can mark it as a timeout.
type ExecRunner struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecRunner creates a runner with the given per-command timeout.
func NewExecRunner(timeout time.Duration, logger *zap.Logger) *ExecRunner {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &ExecRunner{timeout: timeout, logger: logger}
}

// Run executes the command, discarding stdout.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.Output(ctx, name, args...)
	return err
}

// Output executes the command and returns its stdout.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, name, args...)
	cmd.Stdin = nil // Prevent any interactive prompts

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("running command",
		zap.String("name", name),
		zap.Strings("args", args))

	err := cmd.Run()
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return stdout.String(), fmt.Errorf("%s timed out after %s: %w", name, r.timeout, context.DeadlineExceeded)
		}
		// netsh prints its diagnostics to stdout, iptables to stderr.
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("%s %s: %s", name, strings.Join(args, " "), msg)
	}

	return stdout.String(), nil
}

// isTimeout reports whether a runner error was a deadline hit.
func isTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

// Ensure ExecRunner implements domain.CommandRunner.
var _ domain.CommandRunner = (*ExecRunner)(nil)
