// Package layer keeps the shared cache of compressed layer archives and
// unpacks them into directories.
package layer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/ciiiii/mydocker/internal/log"
)

const archiveSuffix = ".tar.gz"

// BlobFetcher streams a blob from a registry. *core.Client satisfies it.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error)
}

// Cache maps (repository, layer index, digest) to an archive file in one
// directory shared by every invocation. A file at the expected path is a hit.
type Cache struct {
	dir     string
	fetcher BlobFetcher
	verify  bool
	log     zerolog.Logger
}

// NewCache returns a cache rooted at dir. With verify set, hits are re-hashed
// and a corrupt entry is replaced.
func NewCache(dir string, fetcher BlobFetcher, verify bool) *Cache {
	return &Cache{
		dir:     dir,
		fetcher: fetcher,
		verify:  verify,
		log:     log.WithComponent("layer"),
	}
}

// Path is <left>.<right>.<index>.<digest>.tar.gz, where left is the first
// repository component and right the rest with "/" replaced by "_". Any "%",
// "." or "_" already in the repository is percent-encoded first, so every
// name maps back to exactly one repository.
func (c *Cache) Path(repo string, index int, dgst digest.Digest) string {
	left, right := splitRepository(repo)
	name := fmt.Sprintf("%s.%s.%d.%s%s", left, right, index, dgst, archiveSuffix)
	return filepath.Join(c.dir, name)
}

// Fetch returns the cached archive path for the layer, downloading it first
// on a miss. A failed download never leaves a file at the cache path.
func (c *Cache) Fetch(ctx context.Context, repo string, index int, dgst digest.Digest) (string, error) {
	if err := dgst.Validate(); err != nil {
		return "", fmt.Errorf("%w: layer %d: %w", ErrLayerFetchFailed, index, err)
	}
	path := c.Path(repo, index, dgst)
	log := c.log.With().Str("repository", repo).Int("index", index).Str("digest", dgst.String()).Logger()

	if _, err := os.Stat(path); err == nil {
		if !c.verify {
			log.Debug().Msg("cache hit")
			return path, nil
		}
		err := verifyFile(path, dgst)
		if err == nil {
			log.Debug().Msg("cache hit, digest verified")
			return path, nil
		}
		log.Warn().Err(err).Msg("discarding corrupt cache entry")
		if err := os.Remove(path); err != nil {
			return "", fmt.Errorf("%w: removing corrupt entry %s: %w", ErrLayerFetchFailed, path, err)
		}
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: creating cache dir: %w", ErrLayerFetchFailed, err)
	}

	log.Info().Msg("downloading layer")
	body, err := c.fetcher.FetchBlob(ctx, repo, dgst)
	if err != nil {
		return "", fmt.Errorf("%w: layer %d: %w", ErrLayerFetchFailed, index, err)
	}
	defer body.Close()

	if err := c.store(path, body, dgst); err != nil {
		return "", fmt.Errorf("%w: layer %d: %w", ErrLayerFetchFailed, index, err)
	}
	return path, nil
}

// store writes r to a temp file in the cache dir and renames it into place
// once the content matches dgst.
func (c *Cache) store(path string, r io.Reader, dgst digest.Digest) error {
	tmpFile, err := os.CreateTemp(c.dir, ".fetch-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	verifier := dgst.Verifier()
	n, err := io.Copy(io.MultiWriter(tmpFile, verifier), r)
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing blob: %w", err)
	}
	if !verifier.Verified() {
		tmpFile.Close()
		return fmt.Errorf("digest mismatch after %d bytes, want %s", n, dgst)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming blob: %w", err)
	}

	success = true
	c.log.Debug().Str("path", path).Int64("size", n).Msg("layer cached")
	return nil
}

func verifyFile(path string, dgst digest.Digest) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	verifier := dgst.Verifier()
	if _, err := io.Copy(verifier, f); err != nil {
		return err
	}
	if !verifier.Verified() {
		return fmt.Errorf("%s does not match %s", path, dgst)
	}
	return nil
}

// Images lists the repositories that have at least one cached layer.
func (c *Cache) Images() ([]string, error) {
	entries, err := c.entries()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var images []string
	for _, e := range entries {
		if !seen[e.repository] {
			seen[e.repository] = true
			images = append(images, e.repository)
		}
	}
	sort.Strings(images)
	return images, nil
}

// Remove deletes every cached layer of repo and reports how many were removed.
func (c *Cache) Remove(repo string) (int, error) {
	entries, err := c.entries()
	if err != nil {
		return 0, err
	}
	left, right := splitRepository(repo)
	want := left + "/" + right
	removed := 0
	for _, e := range entries {
		if e.repository != want {
			continue
		}
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing %s: %w", e.path, err)
		}
		removed++
	}
	return removed, nil
}

type entry struct {
	path       string
	repository string
	index      int
	digest     digest.Digest
}

func (c *Cache) entries() ([]entry, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}
	var entries []entry
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		e, ok := parseName(de.Name())
		if !ok {
			continue
		}
		e.path = filepath.Join(c.dir, de.Name())
		entries = append(entries, e)
	}
	return entries, nil
}

// parseName inverts Path. The digest and index are taken from the right,
// the repository halves from the left.
func parseName(name string) (entry, bool) {
	name, ok := strings.CutSuffix(name, archiveSuffix)
	if !ok {
		return entry{}, false
	}
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return entry{}, false
	}
	dgst := digest.Digest(name[i+1:])
	name = name[:i]
	j := strings.LastIndexByte(name, '.')
	if j < 0 {
		return entry{}, false
	}
	index, err := strconv.Atoi(name[j+1:])
	if err != nil {
		return entry{}, false
	}
	left, right, ok := strings.Cut(name[:j], ".")
	if !ok || strings.Contains(right, ".") {
		return entry{}, false
	}
	right = unescapeComponent.Replace(strings.ReplaceAll(right, "_", "/"))
	return entry{repository: unescapeComponent.Replace(left) + "/" + right, index: index, digest: dgst}, true
}

var (
	escapeComponent   = strings.NewReplacer("%", "%25", ".", "%2E", "_", "%5F")
	unescapeComponent = strings.NewReplacer("%25", "%", "%2E", ".", "%5F", "_")
)

func splitRepository(repo string) (string, string) {
	left, right, ok := strings.Cut(repo, "/")
	if !ok {
		left, right = "library", repo
	}
	return escapeComponent.Replace(left), strings.ReplaceAll(escapeComponent.Replace(right), "/", "_")
}
