package platform

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

const unsupportedName = "unsupported"

// ErrUnsupported is returned by WrapCommand when no sandbox can be built.
var ErrUnsupported = errors.New("sandbox not supported on this operating system")

// unsupported stands in for a real platform. Every run it is asked to wrap
// fails, so a strict executor never runs an artifact unconfined.
type unsupported struct {
	reason string
}

// NewUnsupported returns a Platform that is never available. reason ends
// up in CheckDependencies and in WrapCommand errors.
func NewUnsupported(reason string) Platform {
	if reason == "" {
		reason = "unsupported operating system"
	}
	return unsupported{reason: reason}
}

func (unsupported) Name() string { return unsupportedName }

func (unsupported) Available() bool { return false }

func (unsupported) Capabilities() Capabilities { return Capabilities{} }

func (u unsupported) CheckDependencies() *DependencyCheck {
	return &DependencyCheck{Errors: []string{u.reason}}
}

func (u unsupported) WrapCommand(context.Context, *exec.Cmd, *WrapConfig) error {
	return fmt.Errorf("%w: %s", ErrUnsupported, u.reason)
}

func (unsupported) Cleanup(context.Context) error { return nil }
