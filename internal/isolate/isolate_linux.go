package isolate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/moby/sys/reexec"
	"golang.org/x/sys/unix"

	"github.com/ciiiii/mydocker/internal/log"
)

// initName is argv[0] of the helper the binary re-executes as. main must
// call reexec.Init before anything else for it to take effect.
const initName = "mydocker-init"

// statusFd is the helper's end of the status pipe, the first ExtraFiles
// entry.
const statusFd = 3

func init() {
	reexec.Register(initName, initMain)
}

// Run starts p as PID 1 of new PID and mount namespaces and waits for it.
// The returned code is the command's exit code, or the errno when the
// namespaces cannot be created.
func Run(p Process) (int, error) {
	logger := log.WithComponent("isolate").With().Str("root", p.Root).Str("command", p.String()).Logger()

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return ExitSetupFailed, &ExitError{Code: ExitSetupFailed, Err: fmt.Errorf("%w: status pipe: %w", ErrNamespaceSetup, err)}
	}
	defer statusR.Close()

	cmd := reexec.Command(append([]string{initName, p.Root, p.Command}, p.Args...)...)
	p.stdio(cmd)
	cmd.Env = p.env()
	cmd.ExtraFiles = []*os.File{statusW}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = unix.CLONE_NEWPID | unix.CLONE_NEWNS

	err = cmd.Start()
	statusW.Close()
	if err != nil {
		code := ExitSetupFailed
		var errno syscall.Errno
		if errors.As(err, &errno) {
			code = int(errno)
		}
		return code, &ExitError{Code: code, Err: fmt.Errorf("%w: cloning namespaces for %q: %w", ErrNamespaceSetup, p, err)}
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("init helper started")

	report := readInitError(statusR)
	waitErr := cmd.Wait()
	if report != nil {
		return report.Code, report.err()
	}
	code, err := waitResult(p, waitErr)
	logger.Debug().Int("exit_code", code).Msg("command exited")
	return code, err
}

// initMain runs in the re-executed helper, already inside the new
// namespaces: os.Args is [initName, root, command, args...].
func initMain() {
	runtime.LockOSThread()

	status := os.NewFile(statusFd, "status")
	unix.CloseOnExec(statusFd)

	fail := func(stage string, code int, err error) {
		_ = json.NewEncoder(status).Encode(initError{Stage: stage, Code: code, Message: err.Error()})
		os.Exit(code)
	}

	if len(os.Args) < 3 {
		fail("args", ExitSetupFailed, fmt.Errorf("usage: %s <root> <command> [args...]", initName))
	}
	root, command, args := os.Args[1], os.Args[2], os.Args[3:]

	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		fail("mount", ExitSetupFailed, fmt.Errorf("making mounts private: %w", err))
	}
	if err := os.MkdirAll(filepath.Join(root, "proc"), 0o755); err != nil {
		fail("mount", ExitSetupFailed, err)
	}
	if err := unix.Chroot(root); err != nil {
		fail("chroot", ExitSetupFailed, fmt.Errorf("chroot %s: %w", root, err))
	}
	if err := unix.Chdir("/"); err != nil {
		fail("chroot", ExitSetupFailed, fmt.Errorf("chdir /: %w", err))
	}
	if err := unix.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NODEV|unix.MS_NOEXEC, ""); err != nil {
		fail("mount", ExitSetupFailed, fmt.Errorf("mounting /proc: %w", err))
	}

	env := os.Environ()
	path, err := lookPathIn("/", command, env)
	if err != nil {
		fail(stageExec, notFoundOrDenied(err), fmt.Errorf("%s %q: %w", command, args, err))
	}
	err = unix.Exec(path, append([]string{command}, args...), env)
	fail(stageExec, notFoundOrDenied(err), fmt.Errorf("%s %q: %w", command, args, err))
}
