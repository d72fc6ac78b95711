package rootfs

import "errors"

var (
	ErrRootFSAssembly = errors.New("root filesystem assembly failed")
	// ErrUnsupported is returned by mounters on platforms without overlayfs.
	ErrUnsupported = errors.New("overlay mounts are not supported on this platform")
)
