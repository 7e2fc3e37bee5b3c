// Package media defines the core value types that flow through the cadence
// playback engine, from decode through presentation, along with the shared
// error taxonomy used at component boundaries.
package media

import "time"

// Scheduling constants shared by the audio engine (producer side) and the
// frame pipeline (consumer side). Sized to absorb decode jitter without
// holding excessive decoded data in memory.
const (
	// AheadHorizon is how far ahead of the current media time audio
	// buffers may be scheduled before pulling is throttled.
	AheadHorizon = time.Second

	// DefaultFrameInterval is the presentation interval assumed when a
	// track does not report a frame rate (~60 fps).
	DefaultFrameInterval = 16667 * time.Microsecond
)

// VideoFrame is a single decoded picture in interleaved RGBA order, ready
// for presentation. PTS is the media time at which the frame should become
// visible. Frames may be recycled through a FramePool; a released frame
// must not be touched again by its previous owner.
type VideoFrame struct {
	PTS    time.Duration
	Width  int
	Height int
	Pixels []byte // RGBA, Width*Height*4 bytes

	pool *FramePool
}

// AspectRatio returns width/height, or 0 for a degenerate frame.
func (f *VideoFrame) AspectRatio() float64 {
	if f.Height == 0 {
		return 0
	}
	return float64(f.Width) / float64(f.Height)
}

// Release returns the frame to the pool it was allocated from. Frames not
// backed by a pool are left to the garbage collector.
func (f *VideoFrame) Release() {
	if f.pool != nil {
		f.pool.put(f)
	}
}

// AudioBuffer is a span of decoded interleaved stereo PCM belonging to one
// audio track. PTS is the media time of the first sample. The sample layout
// matches what the output sink consumes directly, so buffers cross the
// engine without conversion.
type AudioBuffer struct {
	PTS        time.Duration
	SampleRate int
	Samples    [][2]float64
}

// Duration returns the media-time length of the buffer.
func (b *AudioBuffer) Duration() time.Duration {
	if b.SampleRate == 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// End returns the media time just past the last sample.
func (b *AudioBuffer) End() time.Duration {
	return b.PTS + b.Duration()
}
