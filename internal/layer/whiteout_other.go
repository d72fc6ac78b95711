//go:build !linux

package layer

import "errors"

func mkWhiteout(string) error {
	return errors.ErrUnsupported
}

func setOpaque(string) error {
	return errors.ErrUnsupported
}
