package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

const (
	defaultTag       = "latest"
	defaultNamespace = "library"
)

var repositoryPattern = regexp.MustCompile(`^[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*(?:/[a-z0-9]+(?:(?:[._]|__|-+)[a-z0-9]+)*)*$`)

// archAliases maps `uname -m` machine names to registry platform names.
// Anything not listed passes through unchanged.
var archAliases = map[string]string{
	"x86_64":  "amd64",
	"aarch64": "arm64",
	"x86":     "i386",
}

// Reference is a parsed image reference. Registry is empty unless the
// reference names a host explicitly.
type Reference struct {
	Registry   string
	Repository string
	Tag        string
	Digest     digest.Digest
}

// ParseReference accepts the usual forms:
//
//	busybox                     -> library/busybox:latest
//	busybox:1.36                -> library/busybox:1.36
//	bitnami/redis@sha256:...    -> bitnami/redis@sha256:...
//	ghcr.io/owner/app:v1        -> registry ghcr.io, owner/app:v1
func ParseReference(s string) (Reference, error) {
	var ref Reference
	if s == "" {
		return ref, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}
	name := s
	if i := strings.Index(name, "@"); i >= 0 {
		d, err := digest.Parse(name[i+1:])
		if err != nil {
			return ref, fmt.Errorf("%w: %q: %v", ErrInvalidReference, s, err)
		}
		ref.Digest = d
		name = name[:i]
	}
	if first, rest, ok := strings.Cut(name, "/"); ok && isRegistryHost(first) {
		ref.Registry = first
		name = rest
	}
	if i := strings.LastIndex(name, ":"); i >= 0 && !strings.Contains(name[i:], "/") {
		ref.Tag = name[i+1:]
		name = name[:i]
		if ref.Tag == "" {
			return ref, fmt.Errorf("%w: %q has an empty tag", ErrInvalidReference, s)
		}
	}
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = defaultTag
	}
	if !strings.Contains(name, "/") {
		name = defaultNamespace + "/" + name
	}
	if !repositoryPattern.MatchString(name) {
		return ref, fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	ref.Repository = name
	return ref, nil
}

// Ref is the manifest reference: the digest when pinned, else the tag.
func (r Reference) Ref() string {
	if r.Digest != "" {
		return r.Digest.String()
	}
	return r.Tag
}

func (r Reference) String() string {
	s := r.Repository
	if r.Registry != "" {
		s = r.Registry + "/" + s
	}
	if r.Tag != "" {
		s += ":" + r.Tag
	}
	if r.Digest != "" {
		s += "@" + r.Digest.String()
	}
	return s
}

func isRegistryHost(s string) bool {
	return strings.ContainsAny(s, ".:") || s == "localhost"
}

func ArchitectureName(machine string) string {
	if arch, ok := archAliases[machine]; ok {
		return arch
	}
	return machine
}

// HostArchitecture is the registry platform name of the running machine.
func HostArchitecture() string {
	return ArchitectureName(machine())
}
