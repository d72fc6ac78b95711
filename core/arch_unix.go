//go:build unix

package core

import (
	"runtime"

	"golang.org/x/sys/unix"
)

func machine() string {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return runtime.GOARCH
	}
	return unix.ByteSliceToString(uts.Machine[:])
}
