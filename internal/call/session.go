package call

import (
	"context"
	"sync"
	"time"

	"github.com/mikeyg42/rtcall/internal/media"
	"github.com/mikeyg42/rtcall/internal/rtc"
	"github.com/mikeyg42/rtcall/internal/signal"
)

// Status is the lifecycle state of the single active call.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusRinging
	StatusConnected
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusRinging:
		return "ringing"
	case StatusConnected:
		return "connected"
	default:
		return "ended"
	}
}

// EndReason explains why a call ended.
type EndReason string

const (
	ReasonHangup       EndReason = "hangup"
	ReasonRemoteHangup EndReason = "remote-hangup"
	ReasonFailed       EndReason = "failed"
	ReasonCancelled    EndReason = "cancelled"
)

// StateChange is one emitted lifecycle event.
type StateChange struct {
	From   Status
	To     Status
	PeerID string
	Reason EndReason // set only on transitions to Ended
}

// session is the single live call. Exactly one exists at a time; the
// machine owns it exclusively, including both media handles and the
// negotiation handle.
type session struct {
	peerID    string
	peerName  string
	video     bool
	startedAt time.Time

	stream       media.Stream
	negotiator   rtc.Negotiator
	doctorCancel context.CancelFunc

	// restartPending is set while our ICE-restart offer awaits the peer's
	// answer; it lets that answer through the stale-answer filter.
	restartPending bool
}

// invitations remembers pending call invitations and, separately, ids that
// were already accepted, declined, or expired. The push-notification path
// and the control-channel path race to deliver the same invite; whichever
// arrives second must be a no-op, so resolved ids are kept (and pruned)
// rather than deleted outright.
type invitations struct {
	mu       sync.Mutex
	pending  map[string]signal.Invitation
	resolved map[string]time.Time
}

const resolvedRetention = 5 * time.Minute

func newInvitations() *invitations {
	return &invitations{
		pending:  make(map[string]signal.Invitation),
		resolved: make(map[string]time.Time),
	}
}

// add records an invitation. It returns false when the id is already
// pending or already resolved.
func (i *invitations) add(inv signal.Invitation) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pruneLocked()

	if _, dup := i.pending[inv.InviteID]; dup {
		return false
	}
	if _, done := i.resolved[inv.InviteID]; done {
		return false
	}
	i.pending[inv.InviteID] = inv
	return true
}

// resolve removes a pending invitation and marks the id consumed.
func (i *invitations) resolve(inviteID string) (signal.Invitation, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	inv, ok := i.pending[inviteID]
	if !ok {
		return signal.Invitation{}, false
	}
	delete(i.pending, inviteID)
	i.resolved[inviteID] = time.Now()
	return inv, true
}

// list returns unexpired pending invitations.
func (i *invitations) list() []signal.Invitation {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pruneLocked()

	out := make([]signal.Invitation, 0, len(i.pending))
	for _, inv := range i.pending {
		out = append(out, inv)
	}
	return out
}

func (i *invitations) pruneLocked() {
	now := time.Now()
	for id, inv := range i.pending {
		if !inv.ExpiresAt.IsZero() && now.After(inv.ExpiresAt) {
			delete(i.pending, id)
			i.resolved[id] = now
		}
	}
	for id, at := range i.resolved {
		if now.Sub(at) > resolvedRetention {
			delete(i.resolved, id)
		}
	}
}
