// Package decode declares the boundary to the external decoding engine. The
// engine itself (demuxing, codec work, byte-level source access) lives
// outside this repository; cadence consumes it through the Session
// interface and the cancellable iterators it hands out.
package decode

import (
	"context"
	"time"

	"github.com/sylvite/cadence/media"
)

// Kind distinguishes the two selectable track kinds.
type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Track describes one decodable elementary stream inside a session.
type Track struct {
	ID          string
	Kind        Kind
	Codec       string
	StreamIndex int // index within the source container, used by converters
	Duration    time.Duration

	// Video-only fields.
	Width     int
	Height    int
	FrameRate float64

	// Audio-only fields.
	SampleRate int
	Channels   int

	// Converted marks a track whose handle was substituted by the
	// conversion pipeline after the native capability probe failed.
	Converted bool
}

// FrameInterval returns the nominal presentation interval for a video
// track, falling back to the engine default when the rate is unknown.
func (t Track) FrameInterval() time.Duration {
	if t.FrameRate <= 0 {
		return media.DefaultFrameInterval
	}
	return time.Duration(float64(time.Second) / t.FrameRate)
}

// FrameIterator is a lazy, cancellable sequence of decoded video frames.
// Next blocks until a frame is available, returns io.EOF when the sequence
// is exhausted, or any other error on decode failure. Close cancels
// upstream decode work; after Close, Next must return promptly.
type FrameIterator interface {
	Next(ctx context.Context) (*media.VideoFrame, error)
	Close() error
}

// SampleIterator is the audio counterpart of FrameIterator.
type SampleIterator interface {
	Next(ctx context.Context) (*media.AudioBuffer, error)
	Close() error
}

// Session is one open decode-engine instance over a single media source.
// Implementations are expected to be safe for concurrent use by the audio
// engine, the frame pipeline, and the track switcher.
type Session interface {
	// Tracks lists every elementary stream the source exposes.
	Tracks() []Track

	// Track looks up a track by id.
	Track(id string) (Track, bool)

	// CanDecode is the per-track capability probe.
	CanDecode(id string) bool

	// Frames opens a video frame sequence starting at the given media
	// time. The iterator owns any decode resources it allocates.
	Frames(ctx context.Context, id string, from time.Duration) (FrameIterator, error)

	// Samples opens an audio sample sequence starting at the given media
	// time.
	Samples(ctx context.Context, id string, from time.Duration) (SampleIterator, error)

	// SourceBytes returns the raw source bytes for handing to an external
	// converter. Implementations should serve this from the live session
	// rather than reopening the source.
	SourceBytes(ctx context.Context) ([]byte, error)

	// Close releases the session. Iterators must be closed first; the
	// engine guarantees no iterator call happens after Close.
	Close() error
}

// Factory wraps re-encoded bytes produced by a converter in a fresh decode
// session. The track switcher uses it to substitute converted handles.
type Factory func(ctx context.Context, src []byte) (Session, error)
