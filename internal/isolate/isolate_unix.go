//go:build unix && !linux

package isolate

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"github.com/ciiiii/mydocker/internal/log"
)

// Run runs p chrooted into p.Root. Namespaces are Linux-only, so the command
// shares the host's process tree and mount table.
func Run(p Process) (int, error) {
	logger := log.WithComponent("isolate").With().Str("root", p.Root).Str("command", p.String()).Logger()

	env := p.env()
	path, err := lookPathIn(p.Root, p.Command, env)
	if err != nil {
		code := notFoundOrDenied(err)
		return code, &ExitError{Code: code, Err: fmt.Errorf("%w: %q: %w", ErrExec, p, err)}
	}

	cmd := &exec.Cmd{
		Path: path,
		Args: append([]string{p.Command}, p.Args...),
		Env:  env,
		Dir:  "/",
		SysProcAttr: &syscall.SysProcAttr{
			Chroot: p.Root,
		},
	}
	p.stdio(cmd)

	if err := cmd.Start(); err != nil {
		code := ExitCannotExec
		if errors.Is(err, syscall.EPERM) {
			code = int(syscall.EPERM)
		}
		return code, &ExitError{Code: code, Err: fmt.Errorf("%w: chroot %s: %w", ErrNamespaceSetup, p.Root, err)}
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("command started")

	code, err := waitResult(p, cmd.Wait())
	logger.Debug().Int("exit_code", code).Msg("command exited")
	return code, err
}
