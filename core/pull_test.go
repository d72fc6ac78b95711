package core

import (
	"context"
	"io"
	"testing"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciiiii/mydocker/internal/registrytest"
)

const testRepo = "library/busybox"

type platformEntry struct {
	os, arch  string
	mediaType string
	digest    digest.Digest
}

func imageManifest(mediaType string, layers ...digest.Digest) map[string]interface{} {
	var descriptors []map[string]interface{}
	for _, l := range layers {
		descriptors = append(descriptors, map[string]interface{}{
			"mediaType": "application/vnd.docker.image.rootfs.diff.tar.gzip",
			"size":      32,
			"digest":    l,
		})
	}
	return map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     mediaType,
		"config": map[string]interface{}{
			"mediaType": "application/vnd.docker.container.image.v1+json",
			"size":      2,
			"digest":    digest.FromString("{}"),
		},
		"layers": descriptors,
	}
}

func manifestList(schemaVersion int, entries ...platformEntry) map[string]interface{} {
	var manifests []map[string]interface{}
	for _, e := range entries {
		manifests = append(manifests, map[string]interface{}{
			"mediaType": e.mediaType,
			"size":      100,
			"digest":    e.digest,
			"platform": map[string]string{
				"os":           e.os,
				"architecture": e.arch,
			},
		})
	}
	return map[string]interface{}{
		"schemaVersion": schemaVersion,
		"mediaType":     manifestlist.MediaTypeManifestList,
		"manifests":     manifests,
	}
}

func newResolver(t *testing.T, srv *registrytest.Server, arch string) *Resolver {
	t.Helper()
	client := NewClient(Options{Registry: srv.URL, Logger: zerolog.Nop()})
	t.Cleanup(client.CloseIdleConnections)
	return NewResolver(client, arch)
}

// multiArch publishes one distinct manifest per architecture under the
// "latest" tag and returns the layer each of them carries.
func multiArch(t *testing.T, srv *registrytest.Server) map[string]digest.Digest {
	t.Helper()
	layers := map[string]digest.Digest{}
	var entries []platformEntry
	for _, arch := range []string{"amd64", "arm64", "i386"} {
		layer := digest.FromString("layer-" + arch)
		layers[arch] = layer
		d := srv.AddJSON(t, testRepo, "manifest-"+arch, schema2.MediaTypeManifest,
			imageManifest(schema2.MediaTypeManifest, layer))
		entries = append(entries, platformEntry{os: "linux", arch: arch, mediaType: schema2.MediaTypeManifest, digest: d})
	}
	srv.AddJSON(t, testRepo, "latest", manifestlist.MediaTypeManifestList, manifestList(2, entries...))
	return layers
}

func TestResolveSelectsMatchingArchitecture(t *testing.T) {
	for _, arch := range []string{"amd64", "arm64", "i386"} {
		t.Run(arch, func(t *testing.T) {
			srv := registrytest.New(t)
			layers := multiArch(t, srv)

			ref, err := ParseReference("busybox")
			require.NoError(t, err)

			image, err := newResolver(t, srv, arch).Resolve(context.Background(), ref)
			require.NoError(t, err)
			assert.Equal(t, testRepo, image.Repository)
			assert.Equal(t, KindDistribution, image.Manifest.Kind)
			assert.Equal(t, []digest.Digest{layers[arch]}, image.Manifest.Layers)
			assert.NotEmpty(t, image.Manifest.Digest)
			// challenged once, then served
			assert.Equal(t, 2, srv.Hits("/v2/"+testRepo+"/manifests/"+image.Manifest.Digest.String()))
		})
	}
}

func TestResolveKeepsLayerOrder(t *testing.T) {
	srv := registrytest.New(t)
	base := digest.FromString("base")
	middle := digest.FromString("middle")
	top := digest.FromString("top")
	srv.AddJSON(t, testRepo, "ordered", schema2.MediaTypeManifest,
		imageManifest(schema2.MediaTypeManifest, base, middle, top))

	ref, err := ParseReference("busybox:ordered")
	require.NoError(t, err)
	image, err := newResolver(t, srv, "amd64").Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, []digest.Digest{base, middle, top}, image.Manifest.Layers)
}

func TestResolveOCIIndex(t *testing.T) {
	srv := registrytest.New(t)
	layer := digest.FromString("oci-layer")
	d := srv.AddJSON(t, testRepo, "oci-arm64", ocispec.MediaTypeImageManifest,
		imageManifest(ocispec.MediaTypeImageManifest, layer))
	index := manifestList(2, platformEntry{os: "linux", arch: "arm64", mediaType: ocispec.MediaTypeImageManifest, digest: d})
	index["mediaType"] = ocispec.MediaTypeImageIndex
	srv.AddJSON(t, testRepo, "oci", ocispec.MediaTypeImageIndex, index)

	ref, err := ParseReference("busybox:oci")
	require.NoError(t, err)
	image, err := newResolver(t, srv, "arm64").Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, KindOCI, image.Manifest.Kind)
	assert.Equal(t, d, image.Manifest.Digest)
	assert.Equal(t, []digest.Digest{layer}, image.Manifest.Layers)
}

func TestResolveSkipsOtherOperatingSystems(t *testing.T) {
	srv := registrytest.New(t)
	windows := srv.AddJSON(t, testRepo, "win", schema2.MediaTypeManifest,
		imageManifest(schema2.MediaTypeManifest, digest.FromString("windows")))
	linux := srv.AddJSON(t, testRepo, "lin", schema2.MediaTypeManifest,
		imageManifest(schema2.MediaTypeManifest, digest.FromString("linux")))
	srv.AddJSON(t, testRepo, "mixed", manifestlist.MediaTypeManifestList, manifestList(2,
		platformEntry{os: "windows", arch: "amd64", mediaType: schema2.MediaTypeManifest, digest: windows},
		platformEntry{os: "linux", arch: "amd64", mediaType: schema2.MediaTypeManifest, digest: linux},
	))

	ref, err := ParseReference("busybox:mixed")
	require.NoError(t, err)
	image, err := newResolver(t, srv, "amd64").Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, linux, image.Manifest.Digest)
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, srv *registrytest.Server)
		want  error
	}{
		{
			name: "no matching platform",
			setup: func(t *testing.T, srv *registrytest.Server) {
				d := srv.AddJSON(t, testRepo, "m", schema2.MediaTypeManifest, imageManifest(schema2.MediaTypeManifest))
				srv.AddJSON(t, testRepo, "latest", manifestlist.MediaTypeManifestList, manifestList(2,
					platformEntry{os: "linux", arch: "s390x", mediaType: schema2.MediaTypeManifest, digest: d}))
			},
			want: ErrNoMatchingPlatform,
		},
		{
			name: "unsupported list schema",
			setup: func(t *testing.T, srv *registrytest.Server) {
				d := srv.AddJSON(t, testRepo, "m", schema2.MediaTypeManifest, imageManifest(schema2.MediaTypeManifest))
				srv.AddJSON(t, testRepo, "latest", manifestlist.MediaTypeManifestList, manifestList(3,
					platformEntry{os: "linux", arch: "amd64", mediaType: schema2.MediaTypeManifest, digest: d}))
			},
			want: ErrUnsupportedManifestSchema,
		},
		{
			name: "unsupported entry media type",
			setup: func(t *testing.T, srv *registrytest.Server) {
				srv.AddJSON(t, testRepo, "latest", manifestlist.MediaTypeManifestList, manifestList(2,
					platformEntry{
						os:        "linux",
						arch:      "amd64",
						mediaType: "application/vnd.docker.distribution.manifest.v1+prettyjws",
						digest:    digest.FromString("v1"),
					}))
			},
			want: ErrUnsupportedMediaType,
		},
		{
			name:  "missing tag",
			setup: func(t *testing.T, srv *registrytest.Server) {},
			want:  ErrManifestFetch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := registrytest.New(t)
			tt.setup(t, srv)

			ref, err := ParseReference("busybox")
			require.NoError(t, err)
			_, err = newResolver(t, srv, "amd64").Resolve(context.Background(), ref)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestResolveWithoutChallenge(t *testing.T) {
	srv := registrytest.New(t)
	srv.Open = true
	multiArch(t, srv)

	ref, err := ParseReference("busybox")
	require.NoError(t, err)
	_, err = newResolver(t, srv, "amd64").Resolve(context.Background(), ref)
	require.NoError(t, err)
	assert.Zero(t, srv.Hits("/token"))
}

func TestFetchBlob(t *testing.T) {
	srv := registrytest.New(t)
	content := []byte("layer bytes")
	d := srv.AddBlob(content)

	client := NewClient(Options{Registry: srv.URL, Logger: zerolog.Nop()})
	body, err := client.FetchBlob(context.Background(), testRepo, d)
	require.NoError(t, err)
	defer body.Close()

	got, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, 2, srv.BlobHits(testRepo, d))
	assert.Equal(t, 1, srv.Hits("/token"))
}

func TestFetchBlobMissing(t *testing.T) {
	srv := registrytest.New(t)
	client := NewClient(Options{Registry: srv.URL, Logger: zerolog.Nop()})
	_, err := client.FetchBlob(context.Background(), testRepo, digest.FromString("absent"))
	assert.ErrorIs(t, err, ErrBlobFetch)
}
