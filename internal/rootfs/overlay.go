package rootfs

import (
	"fmt"
	"strings"
)

// OverlaySpec describes one overlay mount. LowerDirs is in image order:
// index 0 is the base layer.
type OverlaySpec struct {
	LowerDirs []string
	UpperDir  string
	WorkDir   string
	Target    string
}

// Options renders the mount data string. The kernel stacks lowerdir entries
// left over right, so the top layer is listed first.
func (s OverlaySpec) Options() (string, error) {
	if len(s.LowerDirs) == 0 {
		return "", fmt.Errorf("overlay on %s has no lower directories", s.Target)
	}
	for i, dir := range s.LowerDirs {
		if err := validateOverlayPath(dir, fmt.Sprintf("lower[%d]", i)); err != nil {
			return "", err
		}
	}
	if err := validateOverlayPath(s.UpperDir, "upper"); err != nil {
		return "", err
	}
	if err := validateOverlayPath(s.WorkDir, "work"); err != nil {
		return "", err
	}

	stacked := make([]string, len(s.LowerDirs))
	for i, dir := range s.LowerDirs {
		stacked[len(s.LowerDirs)-1-i] = dir
	}
	return fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s",
		strings.Join(stacked, ":"), s.UpperDir, s.WorkDir), nil
}

// validateOverlayPath rejects paths that would corrupt the option string:
// commas separate options and colons separate lower directories.
func validateOverlayPath(path, field string) error {
	if path == "" {
		return fmt.Errorf("overlay %s path is empty", field)
	}
	if strings.ContainsAny(path, ",:") {
		return fmt.Errorf("overlay %s path %q contains ',' or ':'", field, path)
	}
	return nil
}
