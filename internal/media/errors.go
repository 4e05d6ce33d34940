package media

import "errors"

// Status sentinels shared across the pipeline. These enable callers to
// programmatically distinguish outcomes using errors.Is.
var (
	// ErrWouldBlock means the operation cannot make progress yet and
	// should be retried after more data arrives.
	ErrWouldBlock = errors.New("media: would block")

	// ErrInfoDiscontinuity is not a failure: it releases an awaiter whose
	// request straddled a flush, shutdown, or stream discontinuity.
	ErrInfoDiscontinuity = errors.New("media: discontinuity")

	// ErrEndOfStream is the terminal status of a drained stream.
	ErrEndOfStream = errors.New("media: end of stream")

	// ErrUnknown is the generic fatal session error.
	ErrUnknown = errors.New("media: unknown error")

	// ErrInvalidOperation rejects a client call in the current state.
	ErrInvalidOperation = errors.New("media: invalid operation")

	// ErrDRMNoLicense reports playback of protected content without a
	// usable license.
	ErrDRMNoLicense = errors.New("media: no DRM license")
)
