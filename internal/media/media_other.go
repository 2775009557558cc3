//go:build !linux || !cgo

package media

import (
	"context"
	"errors"
)

// Camera/mic capture via pion/mediadevices requires platform-specific
// drivers (V4L2/malgo on Linux); other platforms report the device
// unavailable and the call engine declines before any signal goes out.
type devices struct{}

// New returns the platform device collaborator.
func New() Devices { return devices{} }

func (devices) Acquire(_ context.Context, _ Constraints) (Handle, error) {
	return nil, &AccessError{Err: errors.New("media capture not supported on this platform")}
}
