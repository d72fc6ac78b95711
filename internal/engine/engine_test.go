package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/klauspost/compress/gzip"
	"github.com/moby/sys/reexec"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciiiii/mydocker/core"
	"github.com/ciiiii/mydocker/internal/config"
	"github.com/ciiiii/mydocker/internal/container"
	"github.com/ciiiii/mydocker/internal/isolate"
	"github.com/ciiiii/mydocker/internal/registrytest"
	"github.com/ciiiii/mydocker/internal/rootfs"
)

func TestMain(m *testing.M) {
	if reexec.Init() {
		return
	}
	os.Exit(m.Run())
}

type fakeMounter struct {
	overlays   []rootfs.OverlaySpec
	overlayErr error
	tmpfsErr   error
}

func (m *fakeMounter) Overlay(spec rootfs.OverlaySpec) error {
	m.overlays = append(m.overlays, spec)
	return m.overlayErr
}

func (m *fakeMounter) Tmpfs(string) error   { return m.tmpfsErr }
func (m *fakeMounter) Unmount(string) error { return nil }

func gzipTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var raw bytes.Buffer
	tw := tar.NewWriter(&raw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o755, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	_, err := zw.Write(raw.Bytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return out.Bytes()
}

// publishBusybox serves a two-layer amd64 image behind a manifest list.
func publishBusybox(t *testing.T, srv *registrytest.Server) []digest.Digest {
	t.Helper()
	layers := []digest.Digest{
		srv.AddBlob(gzipTar(t, map[string]string{"bin/busybox": "base"})),
		srv.AddBlob(gzipTar(t, map[string]string{"etc/motd": "top"})),
	}
	var descriptors []map[string]interface{}
	for _, d := range layers {
		descriptors = append(descriptors, map[string]interface{}{
			"mediaType": schema2.MediaTypeLayer,
			"size":      1,
			"digest":    d,
		})
	}
	manifest := srv.AddJSON(t, "library/busybox", "amd64", schema2.MediaTypeManifest, map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     schema2.MediaTypeManifest,
		"config":        map[string]interface{}{"mediaType": schema2.MediaTypeImageConfig, "size": 2, "digest": digest.FromString("{}")},
		"layers":        descriptors,
	})
	srv.AddJSON(t, "library/busybox", "latest", manifestlist.MediaTypeManifestList, map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     manifestlist.MediaTypeManifestList,
		"manifests": []map[string]interface{}{{
			"mediaType": schema2.MediaTypeManifest,
			"size":      1,
			"digest":    manifest,
			"platform":  map[string]string{"os": "linux", "architecture": "amd64"},
		}},
	})
	return layers
}

type harness struct {
	engine  *Engine
	srv     *registrytest.Server
	mounter *fakeMounter
	ran     []isolate.Process
	layers  []digest.Digest
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := registrytest.New(t)
	h := &harness{srv: srv, mounter: &fakeMounter{}}
	h.layers = publishBusybox(t, srv)

	cfg := &config.Config{
		BaseDir:     t.TempDir(),
		Registry:    srv.URL,
		Arch:        "amd64",
		Concurrency: 2,
	}
	h.engine = New(cfg, h.mounter)
	h.engine.run = func(p isolate.Process) (int, error) {
		h.ran = append(h.ran, p)
		return 0, nil
	}
	return h
}

func TestRun(t *testing.T) {
	h := newHarness(t)

	plan, err := h.engine.PrepareRun(context.Background(), RunRequest{
		Image:   "busybox",
		Command: "/bin/busybox",
		Args:    []string{"true"},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, plan.Record.Name)
	assert.Equal(t, "library/busybox", plan.Image.Repository)
	assert.Equal(t, []string{
		filepath.Join(plan.Record.LowerDir, "0"),
		filepath.Join(plan.Record.LowerDir, "1"),
	}, plan.RootFS.Overlay.LowerDirs)
	assert.FileExists(t, filepath.Join(plan.Record.LowerDir, "0", "bin", "busybox"))
	assert.FileExists(t, filepath.Join(plan.Record.LowerDir, "1", "etc", "motd"))

	meta, err := container.ReadMeta(plan.Record)
	require.NoError(t, err)
	assert.Equal(t, "library/busybox:latest", meta.Image)
	assert.Equal(t, []string{"/bin/busybox", "true"}, meta.Command)

	code, err := h.engine.Commit(plan)
	require.NoError(t, err)
	assert.Zero(t, code)
	require.Len(t, h.mounter.overlays, 1)
	assert.Equal(t, plan.RootFS.Overlay, h.mounter.overlays[0])
	require.Len(t, h.ran, 1)
	assert.Equal(t, plan.Record.RootFS, h.ran[0].Root)
	assert.Equal(t, "/bin/busybox", h.ran[0].Command)
	assert.FileExists(t, filepath.Join(plan.Record.RootFS, "dev", "null"))
}

func TestRunReusesCachedLayers(t *testing.T) {
	h := newHarness(t)
	req := RunRequest{Name: "c", Image: "busybox", Command: "/bin/true", Force: true}

	_, err := h.engine.PrepareRun(context.Background(), req)
	require.NoError(t, err)
	_, err = h.engine.PrepareRun(context.Background(), req)
	require.NoError(t, err)

	for _, d := range h.layers {
		// one challenged request and one authorized request, once
		assert.Equal(t, 2, h.srv.BlobHits("library/busybox", d))
	}
}

func TestRunBusy(t *testing.T) {
	h := newHarness(t)
	req := RunRequest{Name: "c", Image: "busybox", Command: "/bin/true"}

	_, err := h.engine.PrepareRun(context.Background(), req)
	require.NoError(t, err)

	_, err = h.engine.PrepareRun(context.Background(), req)
	assert.ErrorIs(t, err, container.ErrContainerBusy)
}

func TestRunErrors(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.PrepareRun(context.Background(), RunRequest{Image: "Not/Valid", Command: "/bin/true"})
	assert.ErrorIs(t, err, core.ErrInvalidReference)

	_, err = h.engine.PrepareRun(context.Background(), RunRequest{Name: "a", Image: "alpine", Command: "/bin/true"})
	assert.ErrorIs(t, err, core.ErrManifestFetch)

	_, err = h.engine.PrepareRun(context.Background(), RunRequest{Name: "../x", Image: "busybox", Command: "/bin/true"})
	assert.ErrorIs(t, err, container.ErrInvalidName)
}

func TestCommitMountFailure(t *testing.T) {
	h := newHarness(t)
	h.mounter.overlayErr = os.ErrPermission
	h.mounter.tmpfsErr = os.ErrPermission

	plan, err := h.engine.PrepareRun(context.Background(), RunRequest{Image: "busybox", Command: "/bin/true"})
	require.NoError(t, err)

	code, err := h.engine.Commit(plan)
	assert.ErrorIs(t, err, rootfs.ErrRootFSAssembly)
	assert.Equal(t, isolate.ExitSetupFailed, code)
	assert.Empty(t, h.ran)
}

func TestCommitPropagatesExitCode(t *testing.T) {
	h := newHarness(t)
	h.engine.run = func(isolate.Process) (int, error) { return 3, nil }

	plan, err := h.engine.PrepareRun(context.Background(), RunRequest{Image: "busybox", Command: "/bin/false"})
	require.NoError(t, err)
	code, err := h.engine.Commit(plan)
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestExec(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.PrepareExec(ExecRequest{Name: "web", Command: "/bin/sh"})
	assert.ErrorIs(t, err, container.ErrNoSuchContainer)

	run, err := h.engine.PrepareRun(context.Background(), RunRequest{Name: "web", Image: "busybox", Command: "/bin/true"})
	require.NoError(t, err)
	_, err = h.engine.Commit(run)
	require.NoError(t, err)

	// the run above recorded this process, which is still alive
	_, err = h.engine.PrepareExec(ExecRequest{Name: "web", Command: "/bin/sh"})
	assert.ErrorIs(t, err, container.ErrContainerBusy)

	plan, err := h.engine.PrepareExec(ExecRequest{Name: "web", Command: "/bin/sh", Args: []string{"-c", "ls"}, Force: true})
	require.NoError(t, err)
	assert.Nil(t, plan.RootFS)

	_, err = h.engine.Commit(plan)
	require.NoError(t, err)
	require.Len(t, h.ran, 2)
	assert.Equal(t, run.Record.RootFS, h.ran[1].Root)
	assert.Equal(t, []string{"-c", "ls"}, h.ran[1].Args)
	assert.Len(t, h.mounter.overlays, 1)
}

func TestListAndRemove(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.PrepareRun(context.Background(), RunRequest{Name: "web", Image: "busybox", Command: "/bin/true"})
	require.NoError(t, err)

	containers, err := h.engine.Containers()
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "web", containers[0].Name)
	assert.True(t, containers[0].Alive)

	images, err := h.engine.Images()
	require.NoError(t, err)
	assert.Equal(t, []string{"library/busybox"}, images)

	require.NoError(t, h.engine.Remove("web"))
	require.NoError(t, h.engine.Remove("web"))
	containers, err = h.engine.Containers()
	require.NoError(t, err)
	assert.Empty(t, containers)

	require.NoError(t, h.engine.RemoveImages("busybox:latest"))
	images, err = h.engine.Images()
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestRemoveReportsEveryFailure(t *testing.T) {
	h := newHarness(t)
	err := h.engine.Remove("ok", "../bad", ".worse")
	assert.ErrorIs(t, err, container.ErrInvalidName)
	assert.Len(t, unwrapAll(err), 2)

	err = h.engine.RemoveImages("busybox", "Bad")
	assert.ErrorIs(t, err, core.ErrInvalidReference)
}

func unwrapAll(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}
