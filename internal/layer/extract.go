package layer

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/ciiiii/mydocker/internal/log"
)

const (
	whiteoutPrefix = ".wh."
	whiteoutOpaque = ".wh..wh..opq"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// WhiteoutMode says what to do with the ".wh." markers a layer uses to delete
// paths from the layers below it.
type WhiteoutMode int

const (
	// WhiteoutOverlay turns markers into overlayfs whiteouts, for a layer
	// that becomes its own lowerdir.
	WhiteoutOverlay WhiteoutMode = iota
	// WhiteoutRemove deletes the marked paths, for layers unpacked on top
	// of each other in one directory.
	WhiteoutRemove
)

// Extract unpacks a gzip, zstd or uncompressed tar archive into dir. Entries
// that would land outside dir are refused.
func Extract(archive, dir string, mode WhiteoutMode) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtract, err)
	}
	defer f.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrExtract, err)
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtract, err)
	}

	r, closer, err := decompress(bufio.NewReader(f))
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExtract, archive, err)
	}
	defer closer()

	x := &extractor{
		dir:  dir,
		mode: mode,
		euid: os.Geteuid(),
		seen: map[string]bool{},
		log:  log.WithComponent("layer").With().Str("archive", filepath.Base(archive)).Logger(),
	}
	if err := x.unpack(tar.NewReader(r)); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrExtract, archive, err)
	}
	return nil
}

func decompress(br *bufio.Reader) (io.Reader, func(), error) {
	magic, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, nil, err
	}
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, func() { zr.Close() }, nil
	case bytes.HasPrefix(magic, zstdMagic):
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	default:
		return br, func() {}, nil
	}
}

type extractor struct {
	dir  string
	mode WhiteoutMode
	euid int
	// seen holds the paths this archive created, which an opaque marker
	// in the same archive must not delete.
	seen map[string]bool
	log  zerolog.Logger
}

func (x *extractor) unpack(tr *tar.Reader) error {
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		rel, err := cleanName(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "." {
			continue
		}
		target := filepath.Join(x.dir, rel)
		if err := x.checkParents(rel); err != nil {
			return err
		}

		base := path.Base(rel)
		if strings.HasPrefix(base, whiteoutPrefix) {
			if err := x.whiteout(rel, base); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		x.seen[rel] = true

		switch hdr.Typeflag {
		case tar.TypeDir:
			if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
				if err := os.Remove(target); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			linkRel, err := cleanName(hdr.Linkname)
			if err != nil {
				return err
			}
			if err := x.checkParents(linkRel); err != nil {
				return err
			}
			if err := removeExisting(target); err != nil {
				return err
			}
			if err := os.Link(filepath.Join(x.dir, linkRel), target); err != nil {
				return err
			}
		default:
			x.log.Debug().Str("path", rel).Str("type", string(hdr.Typeflag)).Msg("skipping special file")
			delete(x.seen, rel)
			continue
		}

		x.applyMetadata(target, hdr)
	}
}

// applyMetadata sets ownership when running as root, then the mode, which
// chown may have stripped of setuid bits.
func (x *extractor) applyMetadata(target string, hdr *tar.Header) {
	if x.euid == 0 {
		if err := os.Lchown(target, hdr.Uid, hdr.Gid); err != nil {
			x.log.Debug().Err(err).Str("path", target).Msg("chown failed")
		}
	}
	if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
		return
	}
	mode := hdr.FileInfo().Mode()
	if err := os.Chmod(target, mode.Perm()|mode&(os.ModeSetuid|os.ModeSetgid|os.ModeSticky)); err != nil {
		x.log.Debug().Err(err).Str("path", target).Msg("chmod failed")
	}
}

func (x *extractor) whiteout(rel, base string) error {
	name := strings.TrimPrefix(base, whiteoutPrefix)
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("whiteout %q names no entry", rel)
	}
	parent := filepath.Join(x.dir, filepath.Dir(rel))
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}

	if base == whiteoutOpaque {
		if x.mode == WhiteoutOverlay {
			if err := setOpaque(parent); err != nil {
				x.log.Debug().Err(err).Str("path", parent).Msg("cannot mark directory opaque")
			}
			return nil
		}
		return x.clearDir(filepath.Dir(rel))
	}

	victim := filepath.Join(filepath.Dir(rel), name)
	target := filepath.Join(x.dir, victim)
	if x.mode == WhiteoutOverlay {
		if err := removeExisting(target); err != nil {
			return err
		}
		if err := mkWhiteout(target); err != nil {
			x.log.Debug().Err(err).Str("path", target).Msg("cannot create whiteout")
		}
		return nil
	}
	return os.RemoveAll(target)
}

// clearDir deletes the children of relDir left by lower layers.
func (x *extractor) clearDir(relDir string) error {
	dir := filepath.Join(x.dir, relDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if x.seen[filepath.Join(relDir, e.Name())] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// checkParents refuses to write through a symlink in an existing parent
// directory, which could point anywhere on the host.
func (x *extractor) checkParents(rel string) error {
	parts := strings.Split(filepath.Dir(rel), string(filepath.Separator))
	cur := x.dir
	for _, p := range parts {
		if p == "." || p == "" {
			continue
		}
		cur = filepath.Join(cur, p)
		fi, err := os.Lstat(cur)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("path %q traverses symlink %q", rel, cur)
		}
	}
	return nil
}

// cleanName turns an archive entry name into a path relative to the
// extraction root, rejecting names that climb out of it.
func cleanName(name string) (string, error) {
	cleaned := path.Clean("/" + name)
	if strings.Contains(name, "..") {
		for _, part := range strings.Split(name, "/") {
			if part == ".." {
				return "", fmt.Errorf("path %q escapes the extraction root", name)
			}
		}
	}
	if cleaned == "/" {
		return ".", nil
	}
	return filepath.FromSlash(strings.TrimPrefix(cleaned, "/")), nil
}

func removeExisting(target string) error {
	fi, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return os.RemoveAll(target)
	}
	return os.Remove(target)
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
