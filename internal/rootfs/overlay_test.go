package rootfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsListsTopLayerFirst(t *testing.T) {
	spec := OverlaySpec{
		LowerDirs: []string{"/c/lower/0", "/c/lower/1", "/c/lower/2"},
		UpperDir:  "/c/writable/upper",
		WorkDir:   "/c/writable/work",
		Target:    "/c/rootfs",
	}
	opts, err := spec.Options()
	require.NoError(t, err)
	assert.Equal(t, "lowerdir=/c/lower/2:/c/lower/1:/c/lower/0,upperdir=/c/writable/upper,workdir=/c/writable/work", opts)
	assert.Equal(t, []string{"/c/lower/0", "/c/lower/1", "/c/lower/2"}, spec.LowerDirs)
}

func TestOptionsRejectsBadPaths(t *testing.T) {
	base := OverlaySpec{
		LowerDirs: []string{"/l"},
		UpperDir:  "/u",
		WorkDir:   "/w",
		Target:    "/t",
	}
	tests := map[string]func(s *OverlaySpec){
		"no lowers":      func(s *OverlaySpec) { s.LowerDirs = nil },
		"comma in lower": func(s *OverlaySpec) { s.LowerDirs = []string{"/a,b"} },
		"colon in lower": func(s *OverlaySpec) { s.LowerDirs = []string{"/a:b"} },
		"comma in upper": func(s *OverlaySpec) { s.UpperDir = "/u,x" },
		"empty work":     func(s *OverlaySpec) { s.WorkDir = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			spec := base
			mutate(&spec)
			_, err := spec.Options()
			assert.Error(t, err)
		})
	}
}
