// Package rtc wraps the peer-to-peer negotiation primitive. The call
// machine drives everything through Negotiator so tests can substitute a
// fake; the pion implementation lives in peer.go.
package rtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mikeyg42/rtcall/internal/ice"
)

// ConnState is the negotiator's connectivity, collapsed to what the call
// machine cares about.
type ConnState int

const (
	StateConnecting ConnState = iota
	StateConnected
	StateFailed
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "closed"
	}
}

// Negotiator mediates one offer/answer/candidate exchange. Callbacks must
// be registered before the first offer or answer is created.
type Negotiator interface {
	AddTracks(tracks []webrtc.TrackLocal) error

	// CreateOffer produces and installs the local offer. Candidates
	// trickle through OnCandidate afterwards.
	CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error)

	// CreateAnswer installs the remote offer and produces the local answer.
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error)

	// HandleAnswer installs the remote answer to our earlier offer.
	HandleAnswer(answer webrtc.SessionDescription) error

	AddCandidate(candidate webrtc.ICECandidateInit) error

	OnCandidate(fn func(webrtc.ICECandidateInit))
	OnStateChange(fn func(ConnState))

	// RestartICE produces a new offer with fresh candidates after a
	// connectivity failure.
	RestartICE(ctx context.Context) (*webrtc.SessionDescription, error)

	Close() error
}

// Factory builds one Negotiator per call attempt.
type Factory interface {
	New(servers []ice.Server) (Negotiator, error)
}
