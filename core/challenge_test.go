package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChallenge(t *testing.T) {
	tests := []struct {
		name   string
		header string
		scheme string
		params []Param
	}{
		{
			name:   "docker hub",
			header: `Bearer realm="https://auth.docker.io/token",service="registry.docker.io",scope="repository:library/busybox:pull"`,
			scheme: "Bearer",
			params: []Param{
				{Key: "realm", Value: "https://auth.docker.io/token"},
				{Key: "service", Value: "registry.docker.io"},
				{Key: "scope", Value: "repository:library/busybox:pull"},
			},
		},
		{
			name:   "padding around tokens",
			header: `  Bearer   a = "b" ,  c="d"  `,
			scheme: "Bearer",
			params: []Param{{Key: "a", Value: "b"}, {Key: "c", Value: "d"}},
		},
		{
			name:   "scheme only",
			header: "Basic",
			scheme: "Basic",
		},
		{
			name:   "empty value",
			header: `Bearer realm=""`,
			scheme: "Bearer",
			params: []Param{{Key: "realm", Value: ""}},
		},
		{
			name:   "escaped quote",
			header: `Bearer error="say \"hi\""`,
			scheme: "Bearer",
			params: []Param{{Key: "error", Value: `say "hi"`}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ParseChallenge(tt.header)
			require.NoError(t, err)
			assert.Equal(t, tt.scheme, c.Scheme)
			assert.Equal(t, tt.params, c.Params)
		})
	}
}

func TestParseChallengeLookup(t *testing.T) {
	c, err := ParseChallenge(`Bearer k1="v1",k2="v2"`)
	require.NoError(t, err)

	v1, ok := c.Get("k1")
	assert.True(t, ok)
	assert.Equal(t, "v1", v1)

	v2, ok := c.Get("K2")
	assert.True(t, ok)
	assert.Equal(t, "v2", v2)

	_, ok = c.Get("k3")
	assert.False(t, ok)
}

func TestParseChallengeMalformed(t *testing.T) {
	headers := map[string]string{
		"empty":            "",
		"only spaces":      "   ",
		"missing equals":   `Bearer realm "x"`,
		"unterminated":     `Bearer realm="https://auth`,
		"unquoted value":   `Bearer realm=x`,
		"trailing comma":   `Bearer realm="x",`,
		"missing comma":    `Bearer a="b" c="d"`,
		"duplicate key":    `Bearer realm="a",realm="b"`,
		"dangling escape":  `Bearer realm="a\`,
		"scheme is symbol": `="x"`,
	}
	for name, header := range headers {
		t.Run(name, func(t *testing.T) {
			_, err := ParseChallenge(header)
			assert.ErrorIs(t, err, ErrMalformedChallenge)
		})
	}
}
