package remediators

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// Maximum combined output kept from a hook (1MB)
	maxHookOutputSize = 1 * 1024 * 1024

	// defaultWaitDelay bounds how long Wait keeps reading output after the
	// hook was killed, in case a grandchild still holds the pipe open.
	defaultWaitDelay = 2 * time.Second
)

// Environment variables passed to every hook.
const (
	EnvBusID = "XHCI_REBIND_BUS_ID"
	EnvStage = "XHCI_REBIND_STAGE"
)

// HookErrorKind classifies hook failures.
type HookErrorKind int

const (
	// HookSpawn means the hook could not be started.
	HookSpawn HookErrorKind = iota
	// HookTimeout means the hook outlived its timeout and was killed.
	HookTimeout
	// HookExit means the hook ran but exited unsuccessfully.
	HookExit
	// HookCanceled means the caller's context ended while the hook ran.
	HookCanceled
)

func (k HookErrorKind) String() string {
	switch k {
	case HookSpawn:
		return "spawn"
	case HookTimeout:
		return "timeout"
	case HookExit:
		return "exit"
	case HookCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// HookError describes a failed hook run. Hook errors never abort a recovery
// cycle.
type HookError struct {
	Kind     HookErrorKind
	Path     string
	Timeout  time.Duration
	ExitCode int
	Err      error
}

func (e *HookError) Error() string {
	switch e.Kind {
	case HookTimeout:
		return fmt.Sprintf("hook %s timed out after %v and was killed", e.Path, e.Timeout)
	case HookExit:
		return fmt.Sprintf("hook %s failed (exit code %d): %v", e.Path, e.ExitCode, e.Err)
	case HookSpawn:
		return fmt.Sprintf("hook %s could not be started: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("hook %s %s: %v", e.Path, e.Kind, e.Err)
	}
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// IsHookTimeout reports whether err is a hook timeout.
func IsHookTimeout(err error) bool {
	var hookErr *HookError
	return errors.As(err, &hookErr) && hookErr.Kind == HookTimeout
}

// HookOutput is the result of a hook that was started.
type HookOutput struct {
	// Output holds the combined stdout and stderr, truncated to 1MB.
	Output   string
	ExitCode int
	Duration time.Duration
}

// HookRunner runs operator hook scripts with a wall-clock timeout.
//
// Each hook is started in its own process group. When the timeout fires the
// whole group receives SIGKILL and the hook is reaped before Run returns, so
// neither the hook nor anything it forked is left behind.
type HookRunner struct {
	waitDelay time.Duration
}

// NewHookRunner creates a hook runner.
func NewHookRunner() *HookRunner {
	return &HookRunner{
		waitDelay: defaultWaitDelay,
	}
}

// Run executes the program at path with the given extra environment and
// waits up to timeout for it to exit. The returned output is non-nil whenever
// the hook was started, including on timeout and non-zero exit.
func (r *HookRunner) Run(ctx context.Context, path string, timeout time.Duration, env map[string]string) (*HookOutput, error) {
	if err := checkHookExecutable(path); err != nil {
		return nil, &HookError{Kind: HookSpawn, Path: path, ExitCode: -1, Err: err}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, path)
	cmd.Dir = filepath.Dir(path)
	cmd.Env = prepareEnvironment(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = r.waitDelay

	// One writer for both streams keeps their interleaving.
	output := &limitedBuffer{limit: maxHookOutputSize}
	cmd.Stdout = output
	cmd.Stderr = output

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, &HookError{Kind: HookSpawn, Path: path, ExitCode: -1, Err: err}
	}
	waitErr := cmd.Wait()

	result := &HookOutput{
		Output:   output.String(),
		ExitCode: getExitCode(cmd.ProcessState, waitErr),
		Duration: time.Since(start),
	}

	return result, classifyWait(path, timeout, cmd.ProcessState, waitErr, ctx.Err(), execCtx.Err())
}

// classifyWait turns the outcome of Wait into a HookError, or nil for a hook
// that exited 0. Timeout and cancellation are only reported when the process
// did not exit on its own, so a hook that finished right at the deadline
// keeps its real exit status.
func classifyWait(path string, timeout time.Duration, state *os.ProcessState, waitErr, ctxErr, execErr error) error {
	if waitErr == nil {
		return nil
	}

	exitCode := getExitCode(state, waitErr)
	exited := state != nil && state.Exited()

	switch {
	case exited && state.Success():
		// A background child kept the output pipe open past WaitDelay; the
		// hook itself succeeded and its output may be truncated.
		return nil
	case !exited && ctxErr != nil:
		return &HookError{Kind: HookCanceled, Path: path, ExitCode: exitCode, Err: ctxErr}
	case !exited && errors.Is(execErr, context.DeadlineExceeded):
		return &HookError{Kind: HookTimeout, Path: path, Timeout: timeout, ExitCode: exitCode, Err: execErr}
	default:
		return &HookError{Kind: HookExit, Path: path, ExitCode: exitCode, Err: waitErr}
	}
}

// killProcessGroup sends SIGKILL to the process group led by pid.
func killProcessGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// checkHookExecutable verifies the hook exists and has proper permissions.
func checkHookExecutable(path string) error {
	if path == "" {
		return fmt.Errorf("hook path cannot be empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("hook does not exist: %s", path)
		}
		return fmt.Errorf("failed to stat hook: %w", err)
	}

	if !info.Mode().IsRegular() {
		return fmt.Errorf("hook is not a regular file: %s", path)
	}

	if info.Mode().Perm()&0111 == 0 {
		return fmt.Errorf("hook is not executable: %s (permissions: %s)", path, info.Mode().Perm())
	}

	return nil
}

// prepareEnvironment merges custom environment variables with the current environment
func prepareEnvironment(customEnv map[string]string) []string {
	env := os.Environ()
	for key, value := range customEnv {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// getExitCode extracts the exit code from the process state, or -1 when the
// process did not exit normally (for example, it was killed).
func getExitCode(state *os.ProcessState, err error) int {
	if state != nil {
		return state.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// limitedBuffer is a buffer that stops accepting writes after reaching a size limit
type limitedBuffer struct {
	bytes.Buffer
	limit int
}

// Write implements io.Writer with a size limit. Excess data is discarded
// but reported as written so the child does not get EPIPE.
func (b *limitedBuffer) Write(p []byte) (n int, err error) {
	if b.limit > 0 && b.Len() >= b.limit {
		return len(p), nil
	}

	remaining := b.limit - b.Len()
	if remaining < len(p) {
		_, err = b.Buffer.Write(p[:remaining])
		return len(p), err
	}

	return b.Buffer.Write(p)
}
