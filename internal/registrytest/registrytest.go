// Package registrytest provides an in-process registry that speaks enough of
// the distribution API for tests: manifests, blobs, and the bearer token
// challenge flow.
package registrytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/opencontainers/go-digest"
)

const Service = "registrytest"

type document struct {
	mediaType string
	body      []byte
}

type Server struct {
	*httptest.Server

	// Token is the bearer token the token endpoint hands out.
	Token string

	// Open disables the 401 challenge on registry endpoints.
	Open bool

	mu        sync.Mutex
	hits      map[string]int
	manifests map[string]document
	blobs     map[digest.Digest][]byte
}

func New(t testing.TB) *Server {
	s := &Server{
		Token:     "test-token",
		hits:      make(map[string]int),
		manifests: make(map[string]document),
		blobs:     make(map[digest.Digest][]byte),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *Server) AddManifest(repo, ref, mediaType string, body []byte) digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := digest.FromBytes(body)
	s.manifests[repo+"@"+ref] = document{mediaType: mediaType, body: body}
	s.manifests[repo+"@"+d.String()] = document{mediaType: mediaType, body: body}
	return d
}

// AddJSON marshals v and registers it like AddManifest.
func (s *Server) AddJSON(t testing.TB, repo, ref, mediaType string, v interface{}) digest.Digest {
	body, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	return s.AddManifest(repo, ref, mediaType, body)
}

func (s *Server) AddBlob(content []byte) digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := digest.FromBytes(content)
	s.blobs[d] = content
	return d
}

// Hits counts requests whose path equals path.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// BlobHits counts requests for one blob in one repository.
func (s *Server) BlobHits(repo string, d digest.Digest) int {
	return s.Hits(fmt.Sprintf("/v2/%s/blobs/%s", repo, d))
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	s.mu.Unlock()

	if r.URL.Path == "/token" {
		s.serveToken(w, r)
		return
	}

	rest, ok := strings.CutPrefix(r.URL.Path, "/v2/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	var repo, kind, ref string
	for _, k := range []string{"/manifests/", "/blobs/"} {
		if i := strings.LastIndex(rest, k); i >= 0 {
			repo, kind, ref = rest[:i], strings.Trim(k, "/"), rest[i+len(k):]
			break
		}
	}
	if kind == "" {
		http.NotFound(w, r)
		return
	}

	if !s.Open && r.Header.Get("Authorization") != "Bearer "+s.Token {
		w.Header().Set("Www-Authenticate", fmt.Sprintf(
			`Bearer realm="%s/token",service="%s",scope="repository:%s:pull"`, s.URL, Service, repo))
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch kind {
	case "manifests":
		doc, ok := s.manifests[repo+"@"+ref]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", doc.mediaType)
		_, _ = w.Write(doc.body)
	case "blobs":
		blob, ok := s.blobs[digest.Digest(ref)]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(blob)
	}
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("service") != Service {
		http.Error(w, "unknown service", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"token": s.Token})
}
