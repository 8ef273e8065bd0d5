package system

import (
	"errors"
	"fmt"
)

// ErrNotSetUp is returned when vectors or transfers are accessed before
// the tree has been set up.
var ErrNotSetUp = errors.New("system tree has not been set up")

// ErrInactive is returned when a node that is not active on this process
// is asked to compute.
var ErrInactive = errors.New("system is not active on this process")

// ConnectError describes a connection that cannot be resolved against the
// model's variables. It is raised during setup, never during evaluation.
type ConnectError struct {
	Src    string
	Tgt    string
	Reason string
}

func (e *ConnectError) Error() string {
	if e.Src == "" {
		return fmt.Sprintf("cannot connect to %q: %s", e.Tgt, e.Reason)
	}
	return fmt.Sprintf("cannot connect %q to %q: %s", e.Src, e.Tgt, e.Reason)
}

func nonexistentSrcError(src, tgt string) error {
	return &ConnectError{Src: src, Tgt: tgt, Reason: "source does not exist"}
}

func nonexistentTargetError(src, tgt string) error {
	return &ConnectError{Src: src, Tgt: tgt, Reason: "target does not exist"}
}

func invalidTargetError(src, tgt string) error {
	return &ConnectError{Src: src, Tgt: tgt, Reason: "target must be a parameter, not an unknown"}
}

func danglingParamError(tgt string) error {
	return &ConnectError{Tgt: tgt, Reason: "parameter has no source"}
}

func multipleSrcError(tgt string, srcs []string) error {
	return &ConnectError{Tgt: tgt, Reason: fmt.Sprintf("target has multiple sources %v", srcs)}
}
