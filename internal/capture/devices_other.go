//go:build !linux

package capture

import (
	"fmt"
	"runtime"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/lovelink/internal/call"
)

// Devices has no capture drivers on this platform.
type Devices struct{}

func New(Options) (*Devices, error) { return &Devices{}, nil }

func (d *Devices) RegisterCodecs(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *Devices) Open(bool) (*call.LocalStream, error) {
	log.Warnf("CAPTURE: no capture drivers on %s", runtime.GOOS)
	return nil, fmt.Errorf("%w: no capture drivers on %s", call.ErrMediaAccessDenied, runtime.GOOS)
}
