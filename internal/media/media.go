// Package media abstracts local capture devices (microphone, camera) for
// calls. The core only ever acquires a handle and releases it; encoding
// and transport of the captured media are outside this client's scope.
package media

import "context"

// Constraints selects which devices to open. Audio is implied for every
// call; Video is set for video calls unless disabled by configuration.
type Constraints struct {
	Audio bool
	Video bool

	// Optional device label fragments to prefer when several devices
	// are present. Empty picks the platform default.
	PreferredCam string
	PreferredMic string
}

// Handle is an open set of device tracks. Release stops every track and
// must be called on every exit path of a call: the underlying resource
// is hardware, not just memory. Release is idempotent.
type Handle interface {
	Release()
}

// Devices acquires capture devices. The platform implementation lives in
// the build-tagged files; tests substitute fakes.
type Devices interface {
	Acquire(ctx context.Context, c Constraints) (Handle, error)
}

// AccessError means the requested devices could not be opened (missing,
// busy, or no capture support on this platform). Fatal to the current
// call attempt only; never retried automatically.
type AccessError struct {
	Err error
}

func (e *AccessError) Error() string { return "media access: " + e.Err.Error() }
func (e *AccessError) Unwrap() error { return e.Err }
