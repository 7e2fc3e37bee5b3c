// Package events carries the typed notifications the engine exposes to the
// application layer, plus a coalescing state-snapshot subscription. The Bus
// is the fan-out hub: components publish, subscribers receive on buffered
// channels and are never allowed to stall the engine.
package events

import "time"

// Type identifies an event on the stream.
type Type string

const (
	TimeUpdate         Type = "timeupdate"
	Waiting            Type = "waiting"
	Playing            Type = "playing"
	TrackChange        Type = "trackchange"
	RendererChange     Type = "rendererchange"
	RendererFallback   Type = "rendererfallback"
	ConversionStart    Type = "conversionstart"
	ConversionProgress Type = "conversionprogress"
	ConversionComplete Type = "conversioncomplete"
	ConversionError    Type = "conversionerror"
	Warning            Type = "warning"
)

// Event is a single notification. Only the fields relevant to its Type are
// populated.
type Event struct {
	Type Type

	// Time is the media time for TimeUpdate, Waiting, and Playing.
	Time time.Duration

	// TrackKind and TrackID describe TrackChange and conversion events.
	// TrackID is nil for a detach.
	TrackKind string
	TrackID   *string

	// Requested and Actual carry renderer kinds for RendererChange and
	// RendererFallback.
	Requested string
	Actual    string

	// JobID, Progress, and Stage describe conversion events.
	JobID    string
	Progress float64
	Stage    string

	// Err is set on ConversionError and Warning.
	Err error
}

// Snapshot is the batched view of playback state delivered on the state
// subscription. Consecutive changes between deliveries coalesce: a slow
// consumer sees the latest state, not every intermediate one.
type Snapshot struct {
	State      string
	Time       time.Duration
	Duration   time.Duration
	Rate       float64
	Waiting    bool
	Volume     float64
	Muted      bool
	VideoTrack *string
	AudioTrack *string
	Renderer   string

	// Presentation health counters.
	FramesPresented int64
	FramesDropped   int64
	Starvations     int64
}
