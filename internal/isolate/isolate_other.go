//go:build !unix

package isolate

import "fmt"

func Run(p Process) (int, error) {
	return ExitSetupFailed, &ExitError{Code: ExitSetupFailed, Err: fmt.Errorf("%w: chroot is not available on this platform", ErrNamespaceSetup)}
}
