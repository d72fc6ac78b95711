package layer

import "errors"

var (
	ErrLayerFetchFailed = errors.New("layer fetch failed")
	ErrExtract          = errors.New("layer extraction failed")
)
