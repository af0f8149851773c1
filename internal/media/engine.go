// Package media is the boundary to the capture hardware. The call machine
// only sees Engine and Stream; capture and encoding internals stay behind
// this interface.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrPermissionDenied means the user (or platform) refused capture access.
// It is surfaced to the caller and never retried automatically.
var ErrPermissionDenied = errors.New("media: permission denied")

// Options selects which capture kinds a call needs.
type Options struct {
	Audio bool
	Video bool
}

// Stream is a live local capture. Callers must release it with Stop
// followed by Close, in that order: some platforms keep the capture device
// open until capture is explicitly stopped, and closing first leaks it.
type Stream interface {
	Tracks() []webrtc.TrackLocal
	Stop()
	Close() error
}

// Engine acquires local media. Implementations must return
// ErrPermissionDenied (possibly wrapped) from RequestAccess when capture
// is refused, before any device is opened.
type Engine interface {
	RequestAccess(ctx context.Context, opts Options) error
	Capture(ctx context.Context, opts Options) (Stream, error)
}
