package rootfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

type unixMounter struct{}

func NewMounter() Mounter {
	return unixMounter{}
}

func (unixMounter) Overlay(spec OverlaySpec) error {
	opts, err := spec.Options()
	if err != nil {
		return err
	}
	if err := unix.Mount("overlay", spec.Target, "overlay", 0, opts); err != nil {
		return &os.PathError{Op: "mount overlay", Path: spec.Target, Err: err}
	}
	return nil
}

func (unixMounter) Tmpfs(target string) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", target, "tmpfs", 0, ""); err != nil {
		return &os.PathError{Op: "mount tmpfs", Path: target, Err: err}
	}
	return nil
}

func (unixMounter) Unmount(target string) error {
	mounted, err := mountinfo.Mounted(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking mount %s: %w", target, err)
	}
	if !mounted {
		return nil
	}
	err = unix.Unmount(target, unix.MNT_FORCE)
	if errors.Is(err, unix.EBUSY) {
		err = unix.Unmount(target, unix.MNT_DETACH)
	}
	if err != nil {
		return &os.PathError{Op: "unmount", Path: target, Err: err}
	}
	return nil
}
