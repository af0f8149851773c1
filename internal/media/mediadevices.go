// media/mediadevices.go
package media

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapter

	"github.com/mikeyg42/rtcall/internal/config"
)

// DeviceEngine is the pion/mediadevices implementation of Engine.
type DeviceEngine struct {
	cfg      config.MediaConfig
	logger   *zap.Logger
	selector *mediadevices.CodecSelector
}

func NewDeviceEngine(cfg config.MediaConfig, logger *zap.Logger) (*DeviceEngine, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("failed to create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.BitRate
	vpxParams.KeyFrameInterval = 15
	vpxParams.RateControlEndUsage = vpx.RateControlVBR

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("failed to create Opus params: %w", err)
	}
	opusParams.BitRate = 32_000
	opusParams.Latency = opus.Latency20ms

	return &DeviceEngine{
		cfg:    cfg,
		logger: logger.Named("media"),
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// CodecSelector exposes the selector so the negotiation layer can populate
// its media engine with the same codecs the capture side encodes.
func (e *DeviceEngine) CodecSelector() *mediadevices.CodecSelector {
	return e.selector
}

// RequestAccess verifies the needed capture devices exist and are usable
// before any signaling goes out. Absence of a device reads as refusal.
func (e *DeviceEngine) RequestAccess(_ context.Context, opts Options) error {
	devices := mediadevices.EnumerateDevices()

	haveVideo, haveAudio := false, false
	for _, d := range devices {
		switch d.Kind {
		case mediadevices.VideoInput:
			haveVideo = true
		case mediadevices.AudioInput:
			haveAudio = true
		}
	}

	if opts.Video && !haveVideo {
		return fmt.Errorf("no usable camera: %w", ErrPermissionDenied)
	}
	if opts.Audio && !haveAudio {
		return fmt.Errorf("no usable microphone: %w", ErrPermissionDenied)
	}
	return nil
}

func (e *DeviceEngine) Capture(_ context.Context, opts Options) (Stream, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: e.selector}
	if opts.Video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.Int(e.cfg.Width)
			c.Height = prop.Int(e.cfg.Height)
			c.FrameRate = prop.Float(float32(e.cfg.Framerate))
		}
	}
	if opts.Audio {
		constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.Latency = prop.Duration(20 * time.Millisecond)
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("failed to get user media: %w", err)
	}

	e.logger.Info("local media acquired",
		zap.Int("video_tracks", len(stream.GetVideoTracks())),
		zap.Int("audio_tracks", len(stream.GetAudioTracks())))

	return &deviceStream{stream: stream, logger: e.logger}, nil
}

// deviceStream adapts mediadevices.MediaStream to Stream. mediadevices
// folds capture halt and device release into track Close, so Stop does the
// real work and Close only confirms every track is gone.
type deviceStream struct {
	stream  mediadevices.MediaStream
	logger  *zap.Logger
	stopped bool
}

func (d *deviceStream) Tracks() []webrtc.TrackLocal {
	tracks := d.stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}

func (d *deviceStream) Stop() {
	if d.stopped {
		return
	}
	d.stopped = true
	for _, t := range d.stream.GetTracks() {
		if err := t.Close(); err != nil {
			d.logger.Warn("failed to stop track", zap.String("id", t.ID()), zap.Error(err))
		}
	}
}

func (d *deviceStream) Close() error {
	// Stop released the devices; calling Close without Stop is a bug we
	// paper over rather than leak a capture device.
	if !d.stopped {
		d.Stop()
	}
	return nil
}
