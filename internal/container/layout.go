package container

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ciiiii/mydocker/internal/rootfs"
)

// Layout derives every path mydocker uses from one base directory:
//
//	<base>/containers/<name>/{pid, meta.yaml, rootfs/, layers/{lower/, writable/{upper/, work/}}}
//	<base>/layers/                shared layer cache
//	<base>/locks/<name>.lock
type Layout struct {
	base string
}

func NewLayout(base string) Layout {
	return Layout{base: base}
}

func (l Layout) ContainersDir() string {
	return filepath.Join(l.base, "containers")
}

// LayersDir is the shared layer cache, not a container's own layers/.
func (l Layout) LayersDir() string {
	return filepath.Join(l.base, "layers")
}

func (l Layout) LocksDir() string {
	return filepath.Join(l.base, "locks")
}

func (l Layout) lockFile(name string) string {
	return filepath.Join(l.LocksDir(), name+".lock")
}

// Record holds the paths of one container.
type Record struct {
	Name        string
	Dir         string
	RootFS      string
	PIDFile     string
	MetaFile    string
	LayersDir   string
	LowerDir    string
	WritableDir string
	UpperDir    string
	WorkDir     string
}

func (l Layout) Record(name string) (*Record, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(l.ContainersDir(), name)
	layers := filepath.Join(dir, "layers")
	writable := filepath.Join(layers, "writable")
	return &Record{
		Name:        name,
		Dir:         dir,
		RootFS:      filepath.Join(dir, "rootfs"),
		PIDFile:     filepath.Join(dir, "pid"),
		MetaFile:    filepath.Join(dir, "meta.yaml"),
		LayersDir:   layers,
		LowerDir:    filepath.Join(layers, "lower"),
		WritableDir: writable,
		UpperDir:    filepath.Join(writable, "upper"),
		WorkDir:     filepath.Join(writable, "work"),
	}, nil
}

// Dirs is the subset of the record the root filesystem assembler writes to.
func (r *Record) Dirs() rootfs.Dirs {
	return rootfs.Dirs{
		RootFS:      r.RootFS,
		LowerDir:    r.LowerDir,
		WritableDir: r.WritableDir,
		UpperDir:    r.UpperDir,
		WorkDir:     r.WorkDir,
	}
}

// mountPoints lists what may be mounted under the container, innermost
// first.
func (r *Record) mountPoints() []string {
	return []string{
		filepath.Join(r.RootFS, "proc"),
		r.WritableDir,
		r.RootFS,
	}
}

// ValidateName rejects names that are not a single, visible path component.
func ValidateName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty", ErrInvalidName)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case len(name) > 128:
		return fmt.Errorf("%w: %q is longer than 128 bytes", ErrInvalidName, name)
	}
	return nil
}
