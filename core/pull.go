package core

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/go-resty/resty/v2"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"
)

const targetOS = "linux"

var acceptHeaders = []string{
	manifestlist.MediaTypeManifestList,
	ocispec.MediaTypeImageIndex,
	schema2.MediaTypeManifest,
	ocispec.MediaTypeImageManifest,
}

// Image is a resolved image: the namespace-qualified repository and the
// manifest for the selected platform.
type Image struct {
	Reference  Reference
	Repository string
	Manifest   *Manifest
}

type Resolver struct {
	client *Client
	arch   string
	log    zerolog.Logger
}

// NewResolver returns a resolver selecting manifests for arch, or for the
// host architecture when arch is empty.
func NewResolver(client *Client, arch string) *Resolver {
	if arch == "" {
		arch = HostArchitecture()
	}
	return &Resolver{
		client: client,
		arch:   arch,
		log:    client.log.With().Str("arch", arch).Logger(),
	}
}

func (r *Resolver) Arch() string {
	return r.arch
}

func (r *Resolver) Resolve(ctx context.Context, ref Reference) (*Image, error) {
	log := r.log.With().Str("image", ref.String()).Logger()

	body, mediaType, err := r.fetchManifest(ctx, ref.Repository, ref.Ref(), strings.Join(acceptHeaders, ", "))
	if err != nil {
		return nil, err
	}

	image := &Image{Reference: ref, Repository: ref.Repository}

	// Single-platform images answer the tag with the manifest itself.
	if !isManifestList(mediaType) {
		if kind, err := manifestKind(mediaType); err == nil {
			log.Debug().Str("kind", kind.String()).Msg("tag resolved to a single manifest")
			manifest, err := parseManifest(kind, body)
			if err != nil {
				return nil, err
			}
			manifest.Digest = ref.Digest
			image.Manifest = manifest
			return image, nil
		}
	}

	list, err := parseManifestList(body)
	if err != nil {
		return nil, err
	}
	entry, err := selectPlatform(list, r.arch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", ref, err)
	}
	kind, err := manifestKind(entry.MediaType)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("digest", entry.Digest.String()).Str("kind", kind.String()).Msg("selected platform manifest")

	body, _, err = r.fetchManifest(ctx, ref.Repository, entry.Digest.String(), kind.MediaType())
	if err != nil {
		return nil, err
	}
	manifest, err := parseManifest(kind, body)
	if err != nil {
		return nil, err
	}
	manifest.Digest = entry.Digest
	image.Manifest = manifest
	return image, nil
}

func (r *Resolver) fetchManifest(ctx context.Context, repo, ref, accept string) ([]byte, string, error) {
	url := r.client.url(repo, "manifests", ref)
	resp, err := r.client.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetHeader("Accept", accept).Get(url)
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: GET %s: %w", ErrManifestFetch, url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, "", fmt.Errorf("%w: GET %s returned %d: %s", ErrManifestFetch, url, resp.StatusCode(), snippet(resp.Body()))
	}
	return resp.Body(), resp.Header().Get("Content-Type"), nil
}

func selectPlatform(list *manifestlist.ManifestList, arch string) (*manifestlist.ManifestDescriptor, error) {
	var seen []string
	for i := range list.Manifests {
		m := &list.Manifests[i]
		if m.Platform.OS != "" && m.Platform.OS != targetOS {
			continue
		}
		if m.Platform.Architecture == arch {
			return m, nil
		}
		seen = append(seen, m.Platform.Architecture)
	}
	return nil, fmt.Errorf("%w: want %s/%s, have %v", ErrNoMatchingPlatform, targetOS, arch, seen)
}

func snippet(b []byte) string {
	const max = 200
	s := strings.TrimSpace(string(b))
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
