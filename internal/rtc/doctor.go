// rtc/doctor.go
package rtc

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	samplingInterval   = 3 * time.Second
	warningPacketLoss  = 0.05 // 5%
	criticalPacketLoss = 0.15 // 15%
	warningRTT         = 200 * time.Millisecond
	criticalRTT        = 500 * time.Millisecond
)

type WarningLevel int

const (
	SuggestionLevel WarningLevel = iota
	CriticalLevel
)

type WarningType int

const (
	PacketLossWarning WarningType = iota
	LatencyWarning
)

// Warning describes one degraded-quality observation on the active call.
type Warning struct {
	Level       WarningLevel
	Type        WarningType
	Message     string
	Timestamp   time.Time
	Measurement float64
}

// StatsProvider is the slice of the negotiator the doctor samples.
type StatsProvider interface {
	Stats() webrtc.StatsReport
}

// Doctor monitors call quality while a call is connected. Critical
// warnings flow to the callback; the call machine decides whether to
// restart ICE or end the call.
type Doctor struct {
	provider StatsProvider
	logger   *zap.Logger
	onWarn   func(Warning)

	lastLost     uint32
	lastReceived uint32
}

func NewDoctor(provider StatsProvider, onWarn func(Warning), logger *zap.Logger) *Doctor {
	return &Doctor{
		provider: provider,
		logger:   logger.Named("doctor"),
		onWarn:   onWarn,
	}
}

// Run samples stats until ctx is cancelled.
func (d *Doctor) Run(ctx context.Context) {
	ticker := time.NewTicker(samplingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sample()
		}
	}
}

func (d *Doctor) sample() {
	report := d.provider.Stats()

	for _, s := range report {
		switch stats := s.(type) {
		case webrtc.InboundRTPStreamStats:
			d.checkPacketLoss(uint32(stats.PacketsLost), stats.PacketsReceived)
		case webrtc.ICECandidatePairStats:
			if stats.State == webrtc.StatsICECandidatePairStateSucceeded {
				d.checkRTT(stats.CurrentRoundTripTime)
			}
		}
	}
}

// checkPacketLoss evaluates loss over the window since the last sample, not
// cumulative counters, so one bad burst does not condemn a long call.
func (d *Doctor) checkPacketLoss(lost, received uint32) {
	deltaLost := lost - d.lastLost
	deltaRecv := received - d.lastReceived
	d.lastLost = lost
	d.lastReceived = received

	total := deltaLost + deltaRecv
	if total == 0 {
		return
	}
	rate := float64(deltaLost) / float64(total)

	switch {
	case rate >= criticalPacketLoss:
		d.warn(Warning{
			Level:       CriticalLevel,
			Type:        PacketLossWarning,
			Message:     "critical packet loss",
			Measurement: rate,
		})
	case rate >= warningPacketLoss:
		d.warn(Warning{
			Level:       SuggestionLevel,
			Type:        PacketLossWarning,
			Message:     "elevated packet loss",
			Measurement: rate,
		})
	}
}

func (d *Doctor) checkRTT(rttSeconds float64) {
	rtt := time.Duration(rttSeconds * float64(time.Second))
	switch {
	case rtt >= criticalRTT:
		d.warn(Warning{
			Level:       CriticalLevel,
			Type:        LatencyWarning,
			Message:     "critical round-trip time",
			Measurement: rttSeconds,
		})
	case rtt >= warningRTT:
		d.warn(Warning{
			Level:       SuggestionLevel,
			Type:        LatencyWarning,
			Message:     "elevated round-trip time",
			Measurement: rttSeconds,
		})
	}
}

func (d *Doctor) warn(w Warning) {
	w.Timestamp = time.Now()
	if w.Level == CriticalLevel {
		d.logger.Warn(w.Message, zap.Float64("measurement", w.Measurement))
	} else {
		d.logger.Debug(w.Message, zap.Float64("measurement", w.Measurement))
	}
	if d.onWarn != nil {
		d.onWarn(w)
	}
}
