package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"

	"github.com/sylvite/cadence/media"
)

// speakerBuffer is the device-side buffering; small enough that pause
// feels immediate, large enough to ride out scheduler hiccups.
const speakerBuffer = 50 * time.Millisecond

// resampleQuality is the beep resampler quality knob; 4 is its
// recommended realtime setting.
const resampleQuality = 4

// BeepSink plays scheduled buffers through the system speaker via beep.
// Buffers are mixed, so overlapping schedules (rate-change restarts) do
// not cut each other off, and the output gain is applied on the mixed
// signal.
type BeepSink struct {
	sampleRate beep.SampleRate

	mu     sync.Mutex
	opened bool
	mixer  *beep.Mixer
	volume *effects.Volume
}

// NewBeepSink creates a sink that will drive the speaker at the given
// sample rate.
func NewBeepSink(sampleRate int) *BeepSink {
	mixer := &beep.Mixer{}
	mixer.KeepAlive(true)
	return &BeepSink{
		sampleRate: beep.SampleRate(sampleRate),
		mixer:      mixer,
		volume: &effects.Volume{
			Streamer: mixer,
			Base:     2,
			Volume:   0,
		},
	}
}

// Start initializes the speaker on first use and resumes it afterwards.
func (s *BeepSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		if err := speaker.Init(s.sampleRate, s.sampleRate.N(speakerBuffer)); err != nil {
			return fmt.Errorf("speaker init: %w", err)
		}
		speaker.Play(s.volume)
		s.opened = true
		return nil
	}
	return speaker.Resume()
}

// Suspend pauses the device.
func (s *BeepSink) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	return speaker.Suspend()
}

// Play mixes buf in immediately, skipping offset of media time and
// resampling for the playback rate.
func (s *BeepSink) Play(buf *media.AudioBuffer, offset time.Duration, rate float64) (stop func()) {
	skip := int(float64(buf.SampleRate) * offset.Seconds())
	if skip >= len(buf.Samples) {
		return func() {}
	}
	bs := &bufferStreamer{samples: buf.Samples, pos: skip}

	var st beep.Streamer = bs
	// A non-unit rate plays the buffer time-compressed or stretched:
	// pretend the source runs at rate-scaled frequency and resample to
	// the device rate.
	src := beep.SampleRate(float64(buf.SampleRate) * rate)
	if src != s.sampleRate {
		st = beep.Resample(resampleQuality, src, s.sampleRate, bs)
	}

	speaker.Lock()
	s.mixer.Add(st)
	speaker.Unlock()

	return func() {
		speaker.Lock()
		bs.done = true
		speaker.Unlock()
	}
}

// SetGain applies the linear gain through beep's exponential volume dial.
func (s *BeepSink) SetGain(gain float64) {
	speaker.Lock()
	if gain <= 0 {
		s.volume.Silent = true
	} else {
		s.volume.Silent = false
		s.volume.Volume = math.Log2(gain)
	}
	speaker.Unlock()
}

// Close shuts the speaker down.
func (s *BeepSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opened {
		speaker.Close()
		s.opened = false
	}
	return nil
}

// bufferStreamer streams one AudioBuffer's samples and then reports
// completion, letting the mixer drop it.
type bufferStreamer struct {
	samples [][2]float64
	pos     int
	done    bool
}

func (b *bufferStreamer) Stream(out [][2]float64) (int, bool) {
	if b.done || b.pos >= len(b.samples) {
		return 0, false
	}
	n := copy(out, b.samples[b.pos:])
	b.pos += n
	return n, true
}

func (b *bufferStreamer) Err() error { return nil }
