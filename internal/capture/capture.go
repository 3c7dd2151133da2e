// Package capture opens the local camera and microphone for calls through
// pion/mediadevices (V4L2 and malgo drivers, VP8 and Opus encoders). Only
// Linux has drivers; elsewhere every Open fails with call.ErrMediaAccessDenied.
package capture

import (
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"
)

var log = logging.Logger("capture")

// Options tunes the encoders. Zero values use the defaults.
type Options struct {
	VideoBitRate int
	MaxWidth     int
	MaxHeight    int
}

const (
	DefaultVideoBitRate = 1_500_000
	// Larger frames raise VP8 encode latency without helping a phone-sized view.
	DefaultMaxWidth  = 640
	DefaultMaxHeight = 480
)

func (o Options) withDefaults() Options {
	if o.VideoBitRate <= 0 {
		o.VideoBitRate = DefaultVideoBitRate
	}
	if o.MaxWidth <= 0 {
		o.MaxWidth = DefaultMaxWidth
	}
	if o.MaxHeight <= 0 {
		o.MaxHeight = DefaultMaxHeight
	}
	return o
}

type attempt struct {
	video bool
	audio bool
	label string
}

// plan lists the capture attempts for a call, best first. GetUserMedia fails
// as a unit, so a busy microphone must not also cost the camera.
func plan(video bool) []attempt {
	if !video {
		return []attempt{{false, true, "audio-only"}}
	}
	return []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	}
}

// closeAll closes every track, even after a failure.
func closeAll[T interface{ Close() error }](tracks []T) error {
	var err error
	for _, t := range tracks {
		err = multierr.Append(err, t.Close())
	}
	return err
}
