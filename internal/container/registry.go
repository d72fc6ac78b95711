// Package container tracks containers on disk. A container is a directory
// named after it plus a pid file naming the process that holds it; there is
// no daemon.
package container

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/ciiiii/mydocker/internal/log"
	"github.com/ciiiii/mydocker/internal/rootfs"
)

// Mode selects what Acquire prepares.
type Mode int

const (
	// ModeRun starts from an empty container tree.
	ModeRun Mode = iota
	// ModeExec reuses an assembled root filesystem.
	ModeExec
)

func (m Mode) String() string {
	if m == ModeExec {
		return "exec"
	}
	return "run"
}

// Meta is written to meta.yaml when a container is created.
type Meta struct {
	Image   string    `yaml:"image"`
	Command []string  `yaml:"command"`
	Created time.Time `yaml:"created"`
}

// Entry is one container as seen by List.
type Entry struct {
	Name  string
	PID   int
	Alive bool
	Meta  *Meta
}

type Registry struct {
	layout  Layout
	mounter rootfs.Mounter
	alive   func(pid int) bool
}

func NewRegistry(layout Layout, mounter rootfs.Mounter) *Registry {
	return &Registry{
		layout:  layout,
		mounter: mounter,
		alive:   processAlive,
	}
}

// Acquire claims name for the calling process. It fails with a *BusyError
// when another live process holds the container and force is false. In
// ModeRun any previous state of the container is torn down first; in
// ModeExec the root filesystem must already exist.
func (r *Registry) Acquire(name string, mode Mode, force bool) (*Record, error) {
	rec, err := r.layout.Record(name)
	if err != nil {
		return nil, err
	}
	logger := log.WithContainer("container", name).With().Str("mode", mode.String()).Logger()

	unlock, err := r.lock(name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	pid, err := readPID(rec.PIDFile)
	switch {
	case err == nil:
		if r.alive(pid) {
			if !force {
				return nil, &BusyError{Name: name, PID: pid}
			}
			logger.Warn().Int("pid", pid).Msg("forcing container held by a live process")
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		logger.Warn().Err(err).Msg("ignoring unreadable pid file")
	}

	switch mode {
	case ModeRun:
		r.teardown(rec)
		if err := os.RemoveAll(rec.Dir); err != nil {
			return nil, fmt.Errorf("removing previous state of %q: %w", name, err)
		}
		for _, dir := range []string{rec.RootFS, rec.LowerDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating container %q: %w", name, err)
			}
		}
	case ModeExec:
		if fi, err := os.Stat(rec.RootFS); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("%w: %q", ErrNoSuchContainer, name)
		}
	}

	if err := writePID(rec.PIDFile, os.Getpid()); err != nil {
		return nil, fmt.Errorf("writing pid of %q: %w", name, err)
	}
	logger.Debug().Int("pid", os.Getpid()).Msg("container acquired")
	return rec, nil
}

// Release unmounts whatever is still mounted under the container and deletes
// its directory. Unmount failures are logged; releasing an absent container
// succeeds.
func (r *Registry) Release(name string) error {
	rec, err := r.layout.Record(name)
	if err != nil {
		return err
	}
	unlock, err := r.lock(name)
	if err != nil {
		return err
	}
	defer unlock()

	r.teardown(rec)
	if err := os.RemoveAll(rec.Dir); err != nil {
		return fmt.Errorf("removing container %q: %w", name, err)
	}
	if err := os.Remove(r.layout.lockFile(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock of %q: %w", name, err)
	}
	logger := log.WithContainer("container", name)
	logger.Debug().Msg("container released")
	return nil
}

func (r *Registry) teardown(rec *Record) {
	for _, target := range rec.mountPoints() {
		if err := r.mounter.Unmount(target); err != nil {
			logger := log.WithContainer("container", rec.Name)
			logger.Warn().Err(err).Str("path", target).Msg("unmount failed")
		}
	}
}

// List returns the containers under the base directory, sorted by name.
func (r *Registry) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(r.layout.ContainersDir())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if !de.IsDir() || ValidateName(de.Name()) != nil {
			continue
		}
		rec, _ := r.layout.Record(de.Name())
		entry := Entry{Name: de.Name()}
		if pid, err := readPID(rec.PIDFile); err == nil {
			entry.PID = pid
			entry.Alive = r.alive(pid)
		}
		if meta, err := ReadMeta(rec); err == nil {
			entry.Meta = meta
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func WriteMeta(rec *Record, meta *Meta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return err
	}
	return writeFileAtomic(rec.MetaFile, data)
}

func ReadMeta(rec *Record) (*Meta, error) {
	data, err := os.ReadFile(rec.MetaFile)
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", rec.MetaFile, err)
	}
	return &meta, nil
}

// lock takes an exclusive flock on the container's lock file, serialising
// the check and the write of the pid file across processes. Release unlinks
// the file while holding it, so a lock won on an unlinked file is retried.
func (r *Registry) lock(name string) (func(), error) {
	if err := os.MkdirAll(r.layout.LocksDir(), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir: %w", err)
	}
	path := r.layout.lockFile(name)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening lock %s: %w", path, err)
		}
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
			f.Close()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		unlock := func() {
			_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
			f.Close()
		}

		held, err := f.Stat()
		if err != nil {
			unlock()
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
		current, err := os.Stat(path)
		if err == nil && os.SameFile(held, current) {
			return unlock, nil
		}
		unlock()
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("locking %s: %w", path, err)
		}
	}
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("parsing %s: invalid pid %d", path, pid)
	}
	return pid, nil
}

func writePID(path string, pid int) error {
	return writeFileAtomic(path, []byte(strconv.Itoa(pid)))
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// processAlive probes pid with signal 0. EPERM means the process exists but
// belongs to someone else.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
