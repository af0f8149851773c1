// rtc/peer.go
package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/mikeyg42/rtcall/internal/ice"
)

// PeerFactory builds pion-backed negotiators. Selector, when set, registers
// the capture side's encoders with each peer connection's media engine so
// captured tracks are sendable.
type PeerFactory struct {
	Selector *mediadevices.CodecSelector
	Logger   *zap.Logger
}

func (f *PeerFactory) New(servers []ice.Server) (Negotiator, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	if f.Selector != nil {
		f.Selector.Populate(&mediaEngine)
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(
		5*time.Second,  // disconnected timeout
		10*time.Second, // failed timeout
		30*time.Second, // keep-alive interval
	)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:         ice.ToICEServers(servers),
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &peer{pc: pc, logger: logger.Named("peer")}
	p.bindCallbacks()
	return p, nil
}

type peer struct {
	pc     *webrtc.PeerConnection
	logger *zap.Logger

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(ConnState)
}

func (p *peer) bindCallbacks() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// gathering complete
			return
		}
		if p.onCandidate != nil {
			p.onCandidate(c.ToJSON())
		}
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Debug("peer connection state", zap.Stringer("state", state))
		if p.onState == nil {
			return
		}
		switch state {
		case webrtc.PeerConnectionStateConnecting:
			p.onState(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			p.onState(StateConnected)
		case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
			p.onState(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			p.onState(StateClosed)
		}
	})
}

func (p *peer) OnCandidate(fn func(webrtc.ICECandidateInit)) { p.onCandidate = fn }
func (p *peer) OnStateChange(fn func(ConnState))             { p.onState = fn }

func (p *peer) AddTracks(tracks []webrtc.TrackLocal) error {
	for _, t := range tracks {
		if _, err := p.pc.AddTransceiverFromTrack(t, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendrecv,
		}); err != nil {
			return fmt.Errorf("failed to add track %s: %w", t.ID(), err)
		}
	}
	return nil
}

func (p *peer) CreateOffer(_ context.Context) (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

func (p *peer) CreateAnswer(_ context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

func (p *peer) HandleAnswer(answer webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	return nil
}

func (p *peer) AddCandidate(candidate webrtc.ICECandidateInit) error {
	if err := p.pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

func (p *peer) RestartICE(_ context.Context) (*webrtc.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return nil, fmt.Errorf("failed to create restart offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("failed to set restart description: %w", err)
	}
	return p.pc.LocalDescription(), nil
}

// Stats exposes the raw stats report for the health doctor.
func (p *peer) Stats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *peer) Close() error {
	return p.pc.Close()
}
