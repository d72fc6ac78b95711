// Package rootfs builds a container's root filesystem from cached layer
// archives: one directory per layer joined by an overlay mount, with a tmpfs
// fallback for the writable layer and a flattened copy where overlayfs is
// unavailable.
package rootfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ciiiii/mydocker/internal/layer"
	"github.com/ciiiii/mydocker/internal/log"
)

// Fetcher resolves a layer to a local archive. *layer.Cache satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, repo string, index int, dgst digest.Digest) (string, error)
}

// Dirs are the directories of one container the assembler writes to.
type Dirs struct {
	RootFS      string
	LowerDir    string
	WritableDir string
	UpperDir    string
	WorkDir     string
}

// Plan is the outcome of Prepare: every layer is local and unpacked, and
// nothing is mounted yet.
type Plan struct {
	Dirs     Dirs
	Overlay  OverlaySpec
	Archives []string
}

type Assembler struct {
	fetcher     Fetcher
	mounter     Mounter
	concurrency int
	log         zerolog.Logger
}

func NewAssembler(fetcher Fetcher, mounter Mounter, concurrency int) *Assembler {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Assembler{
		fetcher:     fetcher,
		mounter:     mounter,
		concurrency: concurrency,
		log:         log.WithComponent("rootfs"),
	}
}

// Prepare fetches and unpacks every layer into lower/<index>. Layers are
// processed concurrently; the resulting lower directories keep image order.
func (a *Assembler) Prepare(ctx context.Context, dirs Dirs, repo string, layers []digest.Digest) (*Plan, error) {
	lowerDirs := make([]string, len(layers))
	archives := make([]string, len(layers))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, dgst := range layers {
		i, dgst := i, dgst
		g.Go(func() error {
			archive, err := a.fetcher.Fetch(ctx, repo, i, dgst)
			if err != nil {
				return err
			}
			lower := filepath.Join(dirs.LowerDir, strconv.Itoa(i))
			if err := os.RemoveAll(lower); err != nil {
				return fmt.Errorf("%w: clearing %s: %w", ErrRootFSAssembly, lower, err)
			}
			if err := layer.Extract(archive, lower, layer.WhiteoutOverlay); err != nil {
				return err
			}
			a.log.Debug().Int("index", i).Str("digest", dgst.String()).Str("dir", lower).Msg("layer unpacked")
			archives[i] = archive
			lowerDirs[i] = lower
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// overlayfs needs at least one lower directory
	if len(lowerDirs) == 0 {
		empty := filepath.Join(dirs.LowerDir, "empty")
		if err := os.MkdirAll(empty, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRootFSAssembly, err)
		}
		lowerDirs = []string{empty}
	}

	return &Plan{
		Dirs: dirs,
		Overlay: OverlaySpec{
			LowerDirs: lowerDirs,
			UpperDir:  dirs.UpperDir,
			WorkDir:   dirs.WorkDir,
			Target:    dirs.RootFS,
		},
		Archives: archives,
	}, nil
}

// Mount mounts the planned overlay on the root filesystem directory. When the
// first attempt fails a tmpfs is mounted over the writable directory and the
// overlay is retried once.
func (a *Assembler) Mount(plan *Plan) error {
	if _, err := plan.Overlay.Options(); err != nil {
		return fmt.Errorf("%w: %w", ErrRootFSAssembly, err)
	}
	if err := a.writableDirs(plan.Dirs); err != nil {
		return err
	}

	err := a.mounter.Overlay(plan.Overlay)
	switch {
	case err == nil:
	case errors.Is(err, ErrUnsupported):
		a.log.Info().Str("rootfs", plan.Dirs.RootFS).Msg("overlay unavailable, flattening layers")
		if err := a.flatten(plan); err != nil {
			return err
		}
	default:
		a.log.Warn().Err(err).Str("writable", plan.Dirs.WritableDir).Msg("overlay mount failed, retrying on tmpfs")
		if err := a.mounter.Tmpfs(plan.Dirs.WritableDir); err != nil {
			return fmt.Errorf("%w: tmpfs on %s: %w", ErrRootFSAssembly, plan.Dirs.WritableDir, err)
		}
		if err := a.writableDirs(plan.Dirs); err != nil {
			return err
		}
		if err := a.mounter.Overlay(plan.Overlay); err != nil {
			return fmt.Errorf("%w: overlay on %s after tmpfs fallback: %w", ErrRootFSAssembly, plan.Dirs.RootFS, err)
		}
	}

	return populate(plan.Dirs.RootFS)
}

func (a *Assembler) writableDirs(dirs Dirs) error {
	for _, dir := range []string{dirs.UpperDir, dirs.WorkDir, dirs.RootFS} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %w", ErrRootFSAssembly, err)
		}
	}
	return nil
}

// flatten unpacks the archives on top of each other into the root directory.
func (a *Assembler) flatten(plan *Plan) error {
	for i, archive := range plan.Archives {
		if err := layer.Extract(archive, plan.Dirs.RootFS, layer.WhiteoutRemove); err != nil {
			return fmt.Errorf("%w: layer %d: %w", ErrRootFSAssembly, i, err)
		}
	}
	return nil
}

// populate creates the mount point for /proc and a /dev/null placeholder
// the command can open before any device node exists.
func populate(root string) error {
	for _, dir := range []string{"proc", "dev"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return fmt.Errorf("%w: %w", ErrRootFSAssembly, err)
		}
	}
	null := filepath.Join(root, "dev", "null")
	if _, err := os.Lstat(null); err == nil {
		return nil
	}
	f, err := os.OpenFile(null, os.O_CREATE|os.O_WRONLY, 0o666)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRootFSAssembly, err)
	}
	return f.Close()
}
