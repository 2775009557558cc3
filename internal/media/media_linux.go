//go:build linux && cgo

package media

import (
	"context"
	"errors"
	"log"

	"github.com/pion/mediadevices"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// devices opens capture hardware through pion/mediadevices (V4L2 camera,
// malgo microphone).
type devices struct{}

// New returns the platform device collaborator.
func New() Devices { return devices{} }

func (devices) Acquire(_ context.Context, c Constraints) (Handle, error) {
	if !c.Audio && !c.Video {
		return nil, &AccessError{Err: errors.New("no devices requested")}
	}

	found := mediadevices.EnumerateDevices()
	if len(found) == 0 {
		return nil, &AccessError{Err: errors.New("no media devices found")}
	}
	for _, d := range found {
		log.Printf("MEDIA: device kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{}
	if c.Video {
		constraints.Video = func(t *mediadevices.MediaTrackConstraints) {
			// Raw formats only; some cameras expose an MJPEG V4L2 node
			// that produces malformed JPEG frames.
			t.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			t.Width = prop.IntRanged{Max: 640}
			t.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, &AccessError{Err: err}
	}

	tracks := stream.GetTracks()
	log.Printf("MEDIA: acquired %d track(s) (audio=%v video=%v)", len(tracks), c.Audio, c.Video)
	return &streamHandle{tracks: tracks}, nil
}

type streamHandle struct {
	tracks []mediadevices.Track
}

// Release stops every track. Safe to call more than once.
func (h *streamHandle) Release() {
	for _, t := range h.tracks {
		if err := t.Close(); err != nil {
			log.Printf("MEDIA: close track %s: %v", t.ID(), err)
		}
	}
	h.tracks = nil
}
