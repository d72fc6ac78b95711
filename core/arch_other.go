//go:build !unix

package core

import "runtime"

func machine() string {
	return runtime.GOARCH
}
