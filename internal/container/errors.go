package container

import (
	"errors"
	"fmt"
)

var (
	ErrContainerBusy   = errors.New("container is busy")
	ErrNoSuchContainer = errors.New("no such container")
	ErrInvalidName     = errors.New("invalid container name")
)

// BusyError reports the live process holding a container.
type BusyError struct {
	Name string
	PID  int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("container %q: process %d may still be running, use --force", e.Name, e.PID)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrContainerBusy
}
