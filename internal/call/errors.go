package call

import "errors"

var (
	// ErrBusy rejects a new call while a session is Connecting, Ringing,
	// or Connected. The existing session is untouched.
	ErrBusy = errors.New("call: a call is already active")

	// ErrPermissionDenied means media access was refused. Surfaced to the
	// user, never retried automatically, and raised before any signaling
	// leaves the device.
	ErrPermissionDenied = errors.New("call: media permission denied")

	// ErrNegotiationFailed means the peer was unreachable or the
	// offer/answer exchange broke down. The call is torn down.
	ErrNegotiationFailed = errors.New("call: negotiation failed")
)
