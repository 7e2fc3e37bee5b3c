package media

import "errors"

// Error taxonomy shared across the engine. Capability and conversion
// failures are recoverable: the affected track detaches and playback
// continues degraded. ErrInvalidTrackID and ErrInvalidState indicate caller
// misuse and are returned synchronously from the public API.
var (
	// ErrUnsupportedCodec is returned when a track's capability probe
	// fails and no conversion path is available.
	ErrUnsupportedCodec = errors.New("unsupported codec")

	// ErrConversionFailed is returned when the external conversion
	// pipeline fails at any stage.
	ErrConversionFailed = errors.New("conversion failed")

	// ErrInvalidTrackID is returned for a track id the decode session
	// does not know about.
	ErrInvalidTrackID = errors.New("invalid track id")

	// ErrInvalidState is returned for operations that are not legal in
	// the component's current state, such as use after disposal.
	ErrInvalidState = errors.New("invalid state")

	// ErrRendererUnavailable reports that a renderer backend could not be
	// constructed or did not become ready. It is always resolved through
	// the fallback chain and never surfaces to the application.
	ErrRendererUnavailable = errors.New("renderer unavailable")
)
