package layer

import "golang.org/x/sys/unix"

// mkWhiteout creates the 0/0 character device overlayfs reads as a deleted
// entry.
func mkWhiteout(path string) error {
	return unix.Mknod(path, unix.S_IFCHR, 0)
}

func setOpaque(dir string) error {
	return unix.Setxattr(dir, "trusted.overlay.opaque", []byte("y"), 0)
}
