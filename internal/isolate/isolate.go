// Package isolate runs a command inside a prepared root filesystem. On Linux
// the command gets its own PID and mount namespaces; elsewhere it is only
// chrooted.
package isolate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

var (
	ErrNamespaceSetup = errors.New("namespace setup failed")
	ErrExec           = errors.New("cannot execute command")
)

// Exit codes for failures that happen before the command runs, following
// the shell convention.
const (
	ExitSetupFailed = 125
	ExitCannotExec  = 126
	ExitNotFound    = 127
)

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Process is a command to run with Root as its filesystem root. Nil stdio
// fields inherit the caller's.
type Process struct {
	Root    string
	Command string
	Args    []string
	Env     []string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

func (p Process) String() string {
	return strings.Join(append([]string{p.Command}, p.Args...), " ")
}

func (p Process) env() []string {
	if p.Env != nil {
		return p.Env
	}
	return []string{"PATH=" + defaultPath}
}

func (p Process) stdio(cmd *exec.Cmd) {
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	if p.Stdin != nil {
		cmd.Stdin = p.Stdin
	}
	if p.Stdout != nil {
		cmd.Stdout = p.Stdout
	}
	if p.Stderr != nil {
		cmd.Stderr = p.Stderr
	}
}

// ExitError is a failure with the exit code the caller should report.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%v (exit code %d)", e.Err, e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// initError is what the init helper reports over its status pipe when it
// fails before the command takes over.
type initError struct {
	Stage   string `json:"stage"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *initError) err() error {
	sentinel := ErrNamespaceSetup
	if e.Stage == stageExec {
		sentinel = ErrExec
	}
	return &ExitError{Code: e.Code, Err: fmt.Errorf("%w: %s: %s", sentinel, e.Stage, e.Message)}
}

const stageExec = "exec"

// readInitError returns the helper's report, or nil if the pipe closed
// without one because exec succeeded.
func readInitError(r io.Reader) *initError {
	var ie initError
	if err := json.NewDecoder(r).Decode(&ie); err != nil {
		return nil
	}
	return &ie
}

// waitResult maps the end of the child to an exit code. A child killed by a
// signal is reported as 128+signal together with ErrExec.
func waitResult(p Process, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitSetupFailed, &ExitError{Code: ExitSetupFailed, Err: fmt.Errorf("%w: waiting for %q: %w", ErrExec, p, err)}
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		code := 128 + int(status.Signal())
		return code, &ExitError{Code: code, Err: fmt.Errorf("%w: %q terminated by %s", ErrExec, p, status.Signal())}
	}
	return exitErr.ExitCode(), nil
}

// lookPathIn resolves command against the PATH entries of env as seen from
// inside root. Commands containing a slash are only checked for existence.
func lookPathIn(root, command string, env []string) (string, error) {
	if command == "" {
		return "", exec.ErrNotFound
	}
	if strings.Contains(command, "/") {
		if err := executable(filepath.Join(root, command)); err != nil {
			return "", err
		}
		return command, nil
	}
	path := defaultPath
	for _, kv := range env {
		if v, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = v
		}
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		candidate := filepath.Join(dir, command)
		if executable(filepath.Join(root, candidate)) == nil {
			return candidate, nil
		}
	}
	return "", exec.ErrNotFound
}

func executable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return os.ErrPermission
	}
	return nil
}

// notFoundOrDenied picks 127 for a missing command and 126 for anything else
// that stops it from being executed.
func notFoundOrDenied(err error) int {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
		return ExitNotFound
	}
	return ExitCannotExec
}
