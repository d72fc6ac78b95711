// Package engine wires the registry client, layer cache, root filesystem
// assembler, isolator and container registry into the run and exec flows.
//
// Every flow has two phases. Prepare does all network and file I/O,
// concurrently where it can, and returns a Plan once every goroutine it
// started has finished. Commit then mounts and starts the command from the
// calling goroutine alone.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ciiiii/mydocker/core"
	"github.com/ciiiii/mydocker/internal/config"
	"github.com/ciiiii/mydocker/internal/container"
	"github.com/ciiiii/mydocker/internal/isolate"
	"github.com/ciiiii/mydocker/internal/layer"
	"github.com/ciiiii/mydocker/internal/log"
	"github.com/ciiiii/mydocker/internal/rootfs"
)

const DefaultName = "default"

type Engine struct {
	cfg        *config.Config
	layout     container.Layout
	mounter    rootfs.Mounter
	containers *container.Registry
	run        func(isolate.Process) (int, error)
	log        zerolog.Logger
}

func New(cfg *config.Config, mounter rootfs.Mounter) *Engine {
	layout := container.NewLayout(cfg.BaseDir)
	return &Engine{
		cfg:        cfg,
		layout:     layout,
		mounter:    mounter,
		containers: container.NewRegistry(layout, mounter),
		run:        isolate.Run,
		log:        log.WithComponent("engine"),
	}
}

// Stdio is the standard streams handed to the command. Nil fields inherit
// the caller's.
type Stdio struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type RunRequest struct {
	Name    string
	Image   string
	Command string
	Args    []string
	Force   bool
	Stdio   Stdio
}

type ExecRequest struct {
	Name    string
	Command string
	Args    []string
	Force   bool
	Stdio   Stdio
}

// Plan is everything Commit needs. RootFS is nil for exec, whose root
// filesystem is already in place.
type Plan struct {
	Record  *container.Record
	Image   *core.Image
	RootFS  *rootfs.Plan
	Process isolate.Process

	assembler *rootfs.Assembler
}

// PrepareRun claims the container, resolves the image and unpacks its
// layers.
func (e *Engine) PrepareRun(ctx context.Context, req RunRequest) (*Plan, error) {
	if req.Name == "" {
		req.Name = DefaultName
	}
	ref, err := core.ParseReference(req.Image)
	if err != nil {
		return nil, err
	}
	rec, err := e.containers.Acquire(req.Name, container.ModeRun, req.Force)
	if err != nil {
		return nil, err
	}

	client := core.NewClient(core.Options{
		Registry: core.RegistryURL(ref.Registry, e.cfg.Registry),
		Account:  e.cfg.Account(),
		Timeout:  e.cfg.Timeout,
		Logger:   log.WithComponent("registry"),
	})
	// no pooled connection may outlive the I/O phase
	defer client.CloseIdleConnections()

	resolver := core.NewResolver(client, e.cfg.Arch)
	logger := log.WithContainer("engine", req.Name).With().
		Str("image", ref.String()).
		Str("registry", client.Registry()).
		Str("arch", resolver.Arch()).
		Logger()

	image, err := resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("layers", len(image.Manifest.Layers)).Str("kind", image.Manifest.Kind.String()).Msg("image resolved")

	cache := layer.NewCache(e.layout.LayersDir(), client, e.cfg.VerifyCache)
	assembler := rootfs.NewAssembler(cache, e.mounter, e.cfg.Concurrency)
	rootPlan, err := assembler.Prepare(ctx, rec.Dirs(), image.Repository, image.Manifest.Layers)
	if err != nil {
		return nil, err
	}

	meta := &container.Meta{
		Image:   ref.String(),
		Command: append([]string{req.Command}, req.Args...),
		Created: time.Now().UTC(),
	}
	if err := container.WriteMeta(rec, meta); err != nil {
		logger.Warn().Err(err).Msg("cannot write container metadata")
	}

	return &Plan{
		Record:    rec,
		Image:     image,
		RootFS:    rootPlan,
		Process:   process(rec, req.Command, req.Args, req.Stdio),
		assembler: assembler,
	}, nil
}

// PrepareExec claims an existing container for another command.
func (e *Engine) PrepareExec(req ExecRequest) (*Plan, error) {
	rec, err := e.containers.Acquire(req.Name, container.ModeExec, req.Force)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Record:  rec,
		Process: process(rec, req.Command, req.Args, req.Stdio),
	}, nil
}

// Commit mounts the planned root filesystem, if any, and runs the command in
// it, returning its exit code.
func (e *Engine) Commit(plan *Plan) (int, error) {
	if plan.RootFS != nil {
		if err := plan.assembler.Mount(plan.RootFS); err != nil {
			return isolate.ExitSetupFailed, err
		}
	}
	logger := log.WithContainer("engine", plan.Record.Name)
	logger.Debug().Str("command", plan.Process.String()).Msg("starting command")
	return e.run(plan.Process)
}

// Remove releases each named container. Every name is attempted; the errors
// are joined.
func (e *Engine) Remove(names ...string) error {
	var errs []error
	for _, name := range names {
		if err := e.containers.Release(name); err != nil {
			errs = append(errs, err)
			continue
		}
		logger := log.WithContainer("engine", name)
		logger.Info().Msg("container removed")
	}
	return errors.Join(errs...)
}

func (e *Engine) Containers() ([]container.Entry, error) {
	return e.containers.List()
}

// Images lists the repositories with cached layers.
func (e *Engine) Images() ([]string, error) {
	return layer.NewCache(e.layout.LayersDir(), nil, false).Images()
}

// RemoveImages drops the cached layers of each image.
func (e *Engine) RemoveImages(images ...string) error {
	cache := layer.NewCache(e.layout.LayersDir(), nil, false)
	var errs []error
	for _, image := range images {
		ref, err := core.ParseReference(image)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		n, err := cache.Remove(ref.Repository)
		if err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", ref.Repository, err))
			continue
		}
		e.log.Info().Str("image", ref.Repository).Int("layers", n).Msg("image removed")
	}
	return errors.Join(errs...)
}

func process(rec *container.Record, command string, args []string, stdio Stdio) isolate.Process {
	return isolate.Process{
		Root:    rec.RootFS,
		Command: command,
		Args:    args,
		Stdin:   stdio.Stdin,
		Stdout:  stdio.Stdout,
		Stderr:  stdio.Stderr,
	}
}
