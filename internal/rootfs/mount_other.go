//go:build !linux

package rootfs

type unsupportedMounter struct{}

// NewMounter returns a mounter that refuses every mount, which makes the
// assembler flatten layers into a plain directory.
func NewMounter() Mounter {
	return unsupportedMounter{}
}

func (unsupportedMounter) Overlay(OverlaySpec) error {
	return ErrUnsupported
}

func (unsupportedMounter) Tmpfs(string) error {
	return ErrUnsupported
}

func (unsupportedMounter) Unmount(string) error {
	return nil
}
