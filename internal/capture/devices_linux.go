//go:build linux

package capture

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/lovelink/internal/call"
)

// Devices captures from the host's camera and microphone.
type Devices struct {
	opts     Options
	selector *mediadevices.CodecSelector
}

// New prepares VP8 and Opus encoders. No device is opened until Open.
func New(opts Options) (*Devices, error) {
	opts = opts.withDefaults()

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = opts.VideoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Devices{
		opts: opts,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

// Open captures audio, plus video when asked. A video call falls back to
// fewer tracks when a device is missing or busy; the call then negotiates a
// receive-only line for what is missing.
func (d *Devices) Open(video bool) (*call.LocalStream, error) {
	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: no media devices found", call.ErrMediaAccessDenied)
	}
	for _, dev := range devices {
		log.Debugf("CAPTURE: device kind=%v label=%q", dev.Kind, dev.Label)
	}

	var lastErr error
	for _, a := range plan(video) {
		constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node whose
				// malformed frames break the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: d.opts.MaxWidth}
				c.Height = prop.IntRanged{Max: d.opts.MaxHeight}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warnf("CAPTURE: GetUserMedia (%s) failed: %v", a.label, err)
			lastErr = err
			continue
		}

		tracks := stream.GetTracks()
		var audio, vid webrtc.TrackLocal
		for _, t := range tracks {
			t.OnEnded(func(err error) {
				if err != nil {
					log.Warnf("CAPTURE: %s track ended: %v", t.Kind(), err)
				}
			})
			switch t.Kind() {
			case webrtc.RTPCodecTypeAudio:
				audio = t
			case webrtc.RTPCodecTypeVideo:
				vid = t
			}
		}
		log.Infof("CAPTURE: captured %s (%d tracks)", a.label, len(tracks))
		return call.NewLocalStream(audio, vid, func() error {
			return closeAll(tracks)
		}), nil
	}
	return nil, fmt.Errorf("%w: %w", call.ErrMediaAccessDenied, lastErr)
}
