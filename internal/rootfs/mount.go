package rootfs

// Mounter performs the mounts an assembled root filesystem needs.
type Mounter interface {
	Overlay(spec OverlaySpec) error
	Tmpfs(target string) error
	// Unmount detaches target if it is a mount point and is a no-op
	// otherwise.
	Unmount(target string) error
}
