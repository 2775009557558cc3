package call

import "errors"

// ErrBusy is returned when a call is initiated while another call is
// active (any state but idle). The attempt is rejected synchronously
// with no state change.
var ErrBusy = errors.New("call: another call is active")

// ErrNoCall is returned by operations that need an active call
// (accept, toggle) when the engine is idle.
var ErrNoCall = errors.New("call: no active call")
