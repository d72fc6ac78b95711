package core

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/opencontainers/go-digest"
)

// FetchBlob opens the blob body for streaming. The caller closes it.
func (c *Client) FetchBlob(ctx context.Context, repo string, dgst digest.Digest) (io.ReadCloser, error) {
	url := c.url(repo, "blobs", dgst.String())
	resp, err := c.Do(ctx, func(req *resty.Request) (*resty.Response, error) {
		return req.SetDoNotParseResponse(true).Get(url)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %w", ErrBlobFetch, url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		discard(resp)
		return nil, fmt.Errorf("%w: can't download file from %q: status %d", ErrBlobFetch, url, resp.StatusCode())
	}
	c.log.Debug().Str("digest", dgst.String()).Int64("size", resp.RawResponse.ContentLength).Msg("downloading blob")
	return resp.RawBody(), nil
}
