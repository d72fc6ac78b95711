package core

import (
	"encoding/json"
	"fmt"
	"mime"

	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// ManifestKind is the closed set of concrete manifest formats we can run.
// It is decided once, from the media type, when a manifest is parsed.
type ManifestKind int

const (
	KindDistribution ManifestKind = iota
	KindOCI
)

func (k ManifestKind) MediaType() string {
	if k == KindOCI {
		return ocispec.MediaTypeImageManifest
	}
	return schema2.MediaTypeManifest
}

func (k ManifestKind) String() string {
	if k == KindOCI {
		return "oci"
	}
	return "distribution"
}

// Manifest is the part of an image manifest the engine needs: the layer
// digests in application order, base layer first.
type Manifest struct {
	Kind   ManifestKind
	Digest digest.Digest
	Layers []digest.Digest
}

func manifestKind(mediaType string) (ManifestKind, error) {
	switch normalizeMediaType(mediaType) {
	case schema2.MediaTypeManifest:
		return KindDistribution, nil
	case ocispec.MediaTypeImageManifest:
		return KindOCI, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedMediaType, mediaType)
	}
}

func isManifestList(mediaType string) bool {
	switch normalizeMediaType(mediaType) {
	case manifestlist.MediaTypeManifestList, ocispec.MediaTypeImageIndex:
		return true
	}
	return false
}

func parseManifest(kind ManifestKind, body []byte) (*Manifest, error) {
	manifest := &Manifest{Kind: kind}
	switch kind {
	case KindDistribution:
		var m schema2.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decoding %s manifest: %w", kind, err)
		}
		for _, l := range m.Layers {
			manifest.Layers = append(manifest.Layers, l.Digest)
		}
	case KindOCI:
		var m ocispec.Manifest
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("decoding %s manifest: %w", kind, err)
		}
		for _, l := range m.Layers {
			manifest.Layers = append(manifest.Layers, l.Digest)
		}
	}
	for i, d := range manifest.Layers {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("layer %d has invalid digest %q: %w", i, d, err)
		}
	}
	return manifest, nil
}

// parseManifestList decodes a Docker manifest list or an OCI image index;
// both share the same JSON shape.
func parseManifestList(body []byte) (*manifestlist.ManifestList, error) {
	var list manifestlist.ManifestList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding manifest list: %w", err)
	}
	if list.SchemaVersion != 2 {
		return nil, fmt.Errorf("%w: schemaVersion %d", ErrUnsupportedManifestSchema, list.SchemaVersion)
	}
	return &list, nil
}

func normalizeMediaType(s string) string {
	if mediaType, _, err := mime.ParseMediaType(s); err == nil {
		return mediaType
	}
	return s
}
