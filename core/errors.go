package core

import "errors"

var (
	ErrInvalidReference          = errors.New("invalid image reference")
	ErrMalformedChallenge        = errors.New("malformed authentication challenge")
	ErrAuthSchemeUnsupported     = errors.New("unsupported authentication scheme")
	ErrTokenExchangeFailed       = errors.New("token exchange failed")
	ErrManifestFetch             = errors.New("manifest request failed")
	ErrUnsupportedManifestSchema = errors.New("unsupported manifest schema")
	ErrNoMatchingPlatform        = errors.New("no matching platform")
	ErrUnsupportedMediaType      = errors.New("unsupported manifest media type")
	ErrBlobFetch                 = errors.New("blob request failed")
)
