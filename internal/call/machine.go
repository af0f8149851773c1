// call/machine.go
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/ice"
	"github.com/mikeyg42/rtcall/internal/media"
	"github.com/mikeyg42/rtcall/internal/rtc"
	"github.com/mikeyg42/rtcall/internal/signal"
)

// Sender is the slice of the signal manager the machine needs.
type Sender interface {
	Send(method string, payload any) error
}

// CallStatusSetter receives on-call markers for both parties; satisfied by
// the presence store.
type CallStatusSetter interface {
	SetCallStatus(userID string, onCall bool, startedAt *time.Time)
}

// Machine drives the single active call through
// Idle -> Connecting -> Ringing -> Connected -> Ended -> Idle. It is the
// only authority over call state: the negotiator reports connectivity
// through one callback and never mutates the session, and every failure
// path funnels through the same teardown as a normal hang-up, so no error
// can strand the machine outside Idle.
type Machine struct {
	selfID   string
	sender   Sender
	resolver *ice.Resolver
	factory  rtc.Factory
	engine   media.Engine
	presence CallStatusSetter
	static   []ice.Server
	logger   *zap.Logger

	mu     sync.Mutex
	status Status
	sess   *session

	invites *invitations

	subMu  sync.Mutex
	subs   map[int64]func(StateChange)
	nextID int64
}

func NewMachine(selfID string, sender Sender, resolver *ice.Resolver, factory rtc.Factory,
	engine media.Engine, presence CallStatusSetter, staticServers []ice.Server, logger *zap.Logger) *Machine {
	return &Machine{
		selfID:   selfID,
		sender:   sender,
		resolver: resolver,
		factory:  factory,
		engine:   engine,
		presence: presence,
		static:   staticServers,
		logger:   logger.Named("call"),
		invites:  newInvitations(),
		subs:     make(map[int64]func(StateChange)),
	}
}

// Bind wires the machine to inbound control-channel events.
func (m *Machine) Bind(mgr *signal.Manager) {
	mgr.Handle(signal.MethodOffer, m.onOffer)
	mgr.Handle(signal.MethodAnswer, m.onAnswer)
	mgr.Handle(signal.MethodICECandidate, m.onCandidate)
	mgr.Handle(signal.MethodPartnerFound, m.onPartnerFound)
	mgr.Handle(signal.MethodCallInvitation, m.onInvitation)

	mgr.Subscribe(func(ev signal.Event) {
		if ev.Kind != signal.EventDisconnected {
			return
		}
		// A mid-negotiation call cannot complete without the channel; an
		// established call keeps its own media path and survives.
		m.mu.Lock()
		negotiating := m.status == StatusConnecting || m.status == StatusRinging
		m.mu.Unlock()
		if negotiating {
			m.logger.Warn("channel lost during negotiation, ending call")
			m.EndCall(ReasonFailed)
		}
	})
}

// Status returns the current lifecycle state.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// OnStateChange registers a lifecycle subscriber and returns its
// unsubscribe function.
func (m *Machine) OnStateChange(fn func(StateChange)) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = fn
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Machine) emit(change StateChange) {
	m.subMu.Lock()
	fns := make([]func(StateChange), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	m.logger.Info("call state change",
		zap.Stringer("from", change.From), zap.Stringer("to", change.To),
		zap.String("peer", change.PeerID))
	for _, fn := range fns {
		fn(change)
	}
}

// reserve claims the single session slot without emitting any event. The
// claim makes concurrent StartCall/HandleOffer return busy before any
// blocking work begins.
func (m *Machine) reserve(peerID, peerName string, video bool) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess != nil || m.status != StatusIdle {
		return nil, ErrBusy
	}
	s := &session{peerID: peerID, peerName: peerName, video: video, startedAt: time.Now()}
	m.sess = s
	return s, nil
}

// release undoes a reservation whose setup failed before the first
// transition.
func (m *Machine) release(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == s {
		m.sess = nil
		m.status = StatusIdle
	}
}

// transitionIfCurrent moves to the next state unless the session was torn
// down underneath (EndCall during setup). Returns false in that case.
func (m *Machine) transitionIfCurrent(s *session, to Status) bool {
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		return false
	}
	from := m.status
	m.status = to
	m.mu.Unlock()
	m.emit(StateChange{From: from, To: to, PeerID: s.peerID})
	return true
}

// StartCall places an outbound call. Media permission is checked before
// any signaling goes out; a concurrent session rejects with ErrBusy and
// leaves the existing session untouched.
func (m *Machine) StartCall(ctx context.Context, peerID, peerName string, opts media.Options) error {
	s, err := m.reserve(peerID, peerName, opts.Video)
	if err != nil {
		return err
	}

	if err := m.engine.RequestAccess(ctx, opts); err != nil {
		m.release(s)
		if errors.Is(err, media.ErrPermissionDenied) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		return fmt.Errorf("media access check failed: %w", err)
	}

	if err := m.setupSession(ctx, s, opts); err != nil {
		return err
	}

	offer, err := s.negotiator.CreateOffer(ctx)
	if err != nil {
		m.abortSetup(s)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}

	if err := m.sender.Send(signal.MethodOffer, signal.Offer{
		TargetUserID: peerID,
		CallerName:   m.selfID,
		Video:        opts.Video,
		SDP:          offer,
	}); err != nil {
		m.abortSetup(s)
		return fmt.Errorf("%w: failed to send offer: %v", ErrNegotiationFailed, err)
	}

	if !m.transitionIfCurrent(s, StatusConnecting) {
		return fmt.Errorf("%w: call cancelled during setup", ErrNegotiationFailed)
	}
	m.markOnCall(s, true)
	return nil
}

// setupSession acquires media, resolves relay servers, and builds the
// negotiator. On failure the reservation is released with all partial
// resources freed.
func (m *Machine) setupSession(ctx context.Context, s *session, opts media.Options) error {
	stream, err := m.engine.Capture(ctx, opts)
	if err != nil {
		m.release(s)
		return fmt.Errorf("failed to acquire media: %w", err)
	}
	s.stream = stream

	servers := m.resolver.Resolve(ctx, m.static)

	neg, err := m.factory.New(servers)
	if err != nil {
		m.abortSetup(s)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	s.negotiator = neg

	peerID := s.peerID
	neg.OnCandidate(func(c webrtc.ICECandidateInit) {
		m.sendCandidate(peerID, c)
	})
	neg.OnStateChange(func(state rtc.ConnState) {
		m.onConnState(peerID, state)
	})

	if err := neg.AddTracks(stream.Tracks()); err != nil {
		m.abortSetup(s)
		return fmt.Errorf("%w: %v", ErrNegotiationFailed, err)
	}
	return nil
}

// abortSetup frees a half-built session that never emitted a transition.
func (m *Machine) abortSetup(s *session) {
	teardownResources(s, m.logger)
	m.release(s)
}

// teardownResources releases media before closing the negotiation handle,
// stop strictly before close: capture devices stay held until capture is
// stopped.
func teardownResources(s *session, logger *zap.Logger) {
	if s.doctorCancel != nil {
		s.doctorCancel()
		s.doctorCancel = nil
	}
	if s.stream != nil {
		s.stream.Stop()
		if err := s.stream.Close(); err != nil {
			logger.Warn("failed to close media stream", zap.Error(err))
		}
		s.stream = nil
	}
	if s.negotiator != nil {
		if err := s.negotiator.Close(); err != nil {
			logger.Debug("failed to close negotiator", zap.Error(err))
		}
		s.negotiator = nil
	}
}

// HandleOffer processes an inbound offer. With no active session it
// answers and rings; with one, the offer is rejected outright so an
// in-progress call can never be silently overwritten.
func (m *Machine) HandleOffer(ctx context.Context, offer signal.Offer) {
	if offer.SDP == nil || offer.CallerID == "" {
		m.logger.Debug("dropping malformed offer")
		return
	}

	// Restart offers renegotiate the existing session instead of opening a
	// new one; they must not hit the busy rejection below.
	if offer.Restart {
		m.handleRestartOffer(ctx, offer)
		return
	}

	s, err := m.reserve(offer.CallerID, offer.CallerName, offer.Video)
	if err != nil {
		m.logger.Info("rejecting offer while busy", zap.String("caller", offer.CallerID))
		return
	}

	opts := media.Options{Audio: true, Video: offer.Video}
	if err := m.engine.RequestAccess(ctx, opts); err != nil {
		m.release(s)
		m.logger.Warn("cannot answer, media access refused", zap.Error(err))
		return
	}

	if err := m.setupSession(ctx, s, opts); err != nil {
		m.logger.Warn("failed to set up inbound call", zap.Error(err))
		return
	}

	answer, err := s.negotiator.CreateAnswer(ctx, *offer.SDP)
	if err != nil {
		m.abortSetup(s)
		m.logger.Warn("failed to create answer", zap.Error(err))
		return
	}

	if err := m.sender.Send(signal.MethodAnswer, signal.Offer{
		TargetUserID: offer.CallerID,
		SDP:          answer,
	}); err != nil {
		m.abortSetup(s)
		m.logger.Warn("failed to send answer", zap.Error(err))
		return
	}

	if !m.transitionIfCurrent(s, StatusRinging) {
		return
	}
	m.markOnCall(s, true)
}

// handleRestartOffer answers a renegotiation offer for the active call on
// the existing negotiator. Restart offers referencing any other peer, or
// arriving with no session, are dropped.
func (m *Machine) handleRestartOffer(ctx context.Context, offer signal.Offer) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.peerID != offer.CallerID || s.negotiator == nil {
		m.mu.Unlock()
		m.logger.Debug("dropping restart offer without a matching session",
			zap.String("caller", offer.CallerID))
		return
	}
	neg := s.negotiator
	m.mu.Unlock()

	answer, err := neg.CreateAnswer(ctx, *offer.SDP)
	if err != nil {
		m.logger.Warn("failed to answer restart offer", zap.Error(err))
		return
	}
	if err := m.sender.Send(signal.MethodAnswer, signal.Offer{
		TargetUserID: offer.CallerID,
		Restart:      true,
		SDP:          answer,
	}); err != nil {
		m.logger.Warn("failed to send restart answer", zap.Error(err))
	}
}

// HandleAnswer installs the peer's answer to our offer. Answers from any
// other peer are stale leftovers of a previous call and are dropped, as
// are answers arriving outside Connecting unless our own ICE-restart
// offer is awaiting one.
func (m *Machine) HandleAnswer(answer signal.Offer) {
	m.mu.Lock()
	s := m.sess
	accepting := s != nil && s.peerID == answer.CallerID &&
		(m.status == StatusConnecting || s.restartPending)
	if !accepting {
		m.mu.Unlock()
		m.logger.Debug("dropping stale answer", zap.String("caller", answer.CallerID))
		return
	}
	if answer.SDP == nil {
		m.mu.Unlock()
		m.logger.Debug("dropping answer without SDP")
		return
	}
	s.restartPending = false
	neg := s.negotiator
	m.mu.Unlock()
	if err := neg.HandleAnswer(*answer.SDP); err != nil {
		m.logger.Warn("failed to apply answer", zap.Error(err))
		m.EndCall(ReasonFailed)
	}
}

// HandleCandidate feeds a relayed ICE candidate to the active negotiation.
// Candidates referencing any other peer are stale and dropped.
func (m *Machine) HandleCandidate(candidate signal.Candidate) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.peerID != candidate.CallerID || s.negotiator == nil {
		m.mu.Unlock()
		m.logger.Debug("dropping stale candidate", zap.String("caller", candidate.CallerID))
		return
	}
	neg := s.negotiator
	m.mu.Unlock()

	if candidate.Candidate == nil {
		return
	}
	if err := neg.AddCandidate(*candidate.Candidate); err != nil {
		m.logger.Warn("failed to add candidate", zap.Error(err))
	}
}

// EndCall hangs up. The full teardown sequence runs even when negotiation
// never reached Connected, so partial setups cannot leak capture devices.
func (m *Machine) EndCall(reason EndReason) {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.mu.Unlock()
		return
	}
	from := m.status
	m.sess = nil
	m.status = StatusIdle
	m.mu.Unlock()

	teardownResources(s, m.logger)
	m.emit(StateChange{From: from, To: StatusEnded, PeerID: s.peerID, Reason: reason})
	m.markOnCall(s, false)
}

func (m *Machine) markOnCall(s *session, onCall bool) {
	if m.presence == nil {
		return
	}
	var startedAt *time.Time
	if onCall {
		t := s.startedAt
		startedAt = &t
	}
	m.presence.SetCallStatus(m.selfID, onCall, startedAt)
	m.presence.SetCallStatus(s.peerID, onCall, startedAt)
}

// sendCandidate relays one trickled candidate. A send can race a brief
// channel restart, so it retries a couple of times before giving up; a
// lost candidate degrades connectivity choices but does not break the
// negotiation.
func (m *Machine) sendCandidate(peerID string, c webrtc.ICECandidateInit) {
	op := func() error {
		return m.sender.Send(signal.MethodICECandidate, signal.Candidate{
			TargetUserID: peerID,
			Candidate:    &c,
		})
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(200*time.Millisecond), 2)
	if err := backoff.Retry(op, b); err != nil {
		m.logger.Warn("failed to send candidate", zap.Error(err))
	}
}

// onConnState reacts to negotiator connectivity. Events for a peer other
// than the active session's are leftovers from a closed negotiator.
func (m *Machine) onConnState(peerID string, state rtc.ConnState) {
	m.mu.Lock()
	s := m.sess
	if s == nil || s.peerID != peerID {
		m.mu.Unlock()
		return
	}
	status := m.status
	m.mu.Unlock()

	switch state {
	case rtc.StateConnected:
		if status == StatusConnecting || status == StatusRinging {
			if m.transitionIfCurrent(s, StatusConnected) {
				m.startDoctor(s)
			}
		}
	case rtc.StateFailed:
		m.EndCall(ReasonFailed)
	}
}

// startDoctor begins quality monitoring when the negotiator can report
// stats. Critical degradation triggers one ICE restart attempt.
func (m *Machine) startDoctor(s *session) {
	provider, ok := s.negotiator.(rtc.StatsProvider)
	if !ok {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.sess != s {
		m.mu.Unlock()
		cancel()
		return
	}
	s.doctorCancel = cancel
	m.mu.Unlock()

	doctor := rtc.NewDoctor(provider, func(w rtc.Warning) {
		if w.Level == rtc.CriticalLevel {
			m.restartICE(s)
		}
	}, m.logger)
	go doctor.Run(ctx)
}

func (m *Machine) restartICE(s *session) {
	m.mu.Lock()
	if m.sess != s || s.negotiator == nil {
		m.mu.Unlock()
		return
	}
	neg := s.negotiator
	peerID := s.peerID
	m.mu.Unlock()

	offer, err := neg.RestartICE(context.Background())
	if err != nil {
		m.logger.Warn("ICE restart failed", zap.Error(err))
		return
	}

	// Flag the pending restart before the offer leaves so a fast answer is
	// not dropped as stale.
	m.mu.Lock()
	if m.sess == s {
		s.restartPending = true
	}
	m.mu.Unlock()

	if err := m.sender.Send(signal.MethodOffer, signal.Offer{
		TargetUserID: peerID,
		Restart:      true,
		SDP:          offer,
	}); err != nil {
		m.logger.Warn("failed to send restart offer", zap.Error(err))
	}
}

// Matchmaking.

// SetReady publishes readiness to be matched with a random partner.
func (m *Machine) SetReady(ready bool) error {
	return m.sender.Send(signal.MethodSetReadyToTalk, signal.ReadyToTalk{Ready: ready})
}

// FindPartner asks the server for a random partner.
func (m *Machine) FindPartner(preferences map[string]string) error {
	return m.sender.Send(signal.MethodFindRandomPartner, signal.FindRandomPartner{Preferences: preferences})
}

// CancelSearch withdraws a pending partner search.
func (m *Machine) CancelSearch() error {
	return m.sender.Send(signal.MethodCancelPartnerSearch, nil)
}

// onPartnerFound arbitrates which matched side offers. Both devices get
// the event near-simultaneously; the arbiter guarantees exactly one
// initiator so the pair neither glares nor deadlocks.
func (m *Machine) onPartnerFound(params json.RawMessage) {
	var found signal.PartnerFound
	if err := json.Unmarshal(params, &found); err != nil {
		m.logger.Warn("bad partner-found payload", zap.Error(err))
		return
	}

	if !ShouldInitiate(m.selfID, found.PartnerID) {
		m.logger.Info("matched as callee, awaiting offer", zap.String("partner", found.PartnerID))
		return
	}

	go func() {
		err := m.StartCall(context.Background(), found.PartnerID, found.PartnerName, media.Options{Audio: true})
		if err != nil {
			m.logger.Warn("failed to call matched partner",
				zap.String("partner", found.PartnerID), zap.Error(err))
		}
	}()
}

// Invitations.

// HandleInvitation records an invitation delivered by push or by channel.
// The second arrival of an already-seen or already-resolved invite id is a
// no-op.
func (m *Machine) HandleInvitation(inv signal.Invitation) {
	if !m.invites.add(inv) {
		m.logger.Debug("duplicate invitation", zap.String("invite", inv.InviteID))
		return
	}
	m.logger.Info("call invitation received",
		zap.String("invite", inv.InviteID), zap.String("caller", inv.CallerID))
}

// PendingInvitations lists unexpired invitations awaiting a decision.
func (m *Machine) PendingInvitations() []signal.Invitation {
	return m.invites.list()
}

// AcceptInvitation resolves an invitation; the caller's offer then arrives
// over the channel and rings normally.
func (m *Machine) AcceptInvitation(inviteID string) (signal.Invitation, bool) {
	return m.invites.resolve(inviteID)
}

// DeclineInvitation resolves an invitation negatively.
func (m *Machine) DeclineInvitation(inviteID string) bool {
	_, ok := m.invites.resolve(inviteID)
	return ok
}

// Inbound frame adapters.

func (m *Machine) onOffer(params json.RawMessage) {
	var offer signal.Offer
	if err := json.Unmarshal(params, &offer); err != nil {
		m.logger.Warn("bad offer payload", zap.Error(err))
		return
	}
	m.HandleOffer(context.Background(), offer)
}

func (m *Machine) onAnswer(params json.RawMessage) {
	var answer signal.Offer
	if err := json.Unmarshal(params, &answer); err != nil {
		m.logger.Warn("bad answer payload", zap.Error(err))
		return
	}
	m.HandleAnswer(answer)
}

func (m *Machine) onCandidate(params json.RawMessage) {
	var candidate signal.Candidate
	if err := json.Unmarshal(params, &candidate); err != nil {
		m.logger.Warn("bad candidate payload", zap.Error(err))
		return
	}
	m.HandleCandidate(candidate)
}

func (m *Machine) onInvitation(params json.RawMessage) {
	var inv signal.Invitation
	if err := json.Unmarshal(params, &inv); err != nil {
		m.logger.Warn("bad invitation payload", zap.Error(err))
		return
	}
	m.HandleInvitation(inv)
}
