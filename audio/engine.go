// Package audio schedules decoded audio buffers against the device clock
// and is the authoritative clock source while a track is playing. Buffers
// are pulled lazily from the decode session, placed on the device timeline
// through the media-clock anchor, and cancelled atomically on pause, seek,
// and disposal.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sylvite/cadence/clock"
	"github.com/sylvite/cadence/decode"
	"github.com/sylvite/cadence/media"
)

// Sink is the audio output device boundary. Implementations own the device
// state; the engine decides when each buffer becomes audible.
type Sink interface {
	// Start resumes the device if it is suspended.
	Start() error

	// Suspend pauses the device without releasing it.
	Suspend() error

	// Play makes buf audible immediately, skipping the first offset of
	// its media time (late start mid-buffer) and playing at the given
	// rate. The returned stop function silences whatever of the buffer
	// has not yet played.
	Play(buf *media.AudioBuffer, offset time.Duration, rate float64) (stop func())

	// SetGain sets the linear output gain in [0, 1].
	SetGain(gain float64)

	// Close releases the device.
	Close() error
}

// backpressurePoll is how often a throttled puller re-checks the
// scheduled-ahead horizon.
const backpressurePoll = 50 * time.Millisecond

// Engine schedules decoded audio against device time. All public methods
// are safe for concurrent use.
type Engine struct {
	log  *slog.Logger
	clk  clock.Clock
	sink Sink

	mu       sync.Mutex
	sess     decode.Session
	track    *decode.Track
	mc       clock.MediaClock
	playing  bool
	pausedAt time.Duration
	rate     float64
	volume   float64
	muted    bool
	disposed bool

	// gen invalidates scheduled callbacks and pull results from a
	// superseded sequence; it only ever increases.
	gen    uint64
	cancel context.CancelFunc

	tasks   map[int]*task
	nextID  int
	lastEnd time.Duration // media end time of the newest scheduled buffer

	warn func(error)
}

// task is one in-flight scheduled buffer. The timer fires Play; stop is
// set once the buffer is audible so pause can silence it.
type task struct {
	buf   *media.AudioBuffer
	timer *time.Timer
	stop  func()
}

// NewEngine creates an engine over the given clock and sink. If log is
// nil, slog.Default() is used.
func NewEngine(clk clock.Clock, sink Sink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:    log.With("component", "audio"),
		clk:    clk,
		sink:   sink,
		rate:   1,
		volume: 1,
		mc:     clock.NewMediaClock(clk.Now()),
		tasks:  make(map[int]*task),
	}
}

// SetWarn registers the non-fatal error callback. Decode failures inside
// the pull loop are reported here and never crash playback.
func (e *Engine) SetWarn(fn func(error)) {
	e.mu.Lock()
	e.warn = fn
	e.mu.Unlock()
}

// SetTrack verifies the track is decodable and makes it the engine's
// source. Any current sequence is cancelled; the pause point is preserved.
func (e *Engine) SetTrack(sess decode.Session, track decode.Track) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return fmt.Errorf("audio: set track: %w", media.ErrInvalidState)
	}
	if !sess.CanDecode(track.ID) {
		return fmt.Errorf("audio: track %s (%s): %w", track.ID, track.Codec, media.ErrUnsupportedCodec)
	}
	e.stopSequenceLocked()
	e.playing = false
	e.sess = sess
	e.track = &track
	e.log.Info("track set", "track", track.ID, "codec", track.Codec, "sampleRate", track.SampleRate)
	return nil
}

// ClearTrack cancels the in-flight sequence and detaches the track. The
// sequence is cancelled before the caller may release the session, so no
// scheduled callback can touch a freed decode resource.
func (e *Engine) ClearTrack() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopSequenceLocked()
	e.playing = false
	e.sess = nil
	e.track = nil
}

// HasTrack reports whether a track is attached.
func (e *Engine) HasTrack() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.track != nil
}

// Active reports whether the engine is currently the authoritative clock:
// a track is attached and playing.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing && e.track != nil
}

// Play resumes the device, anchors the media clock at (now, from), and
// opens a lazy buffer sequence starting at from.
func (e *Engine) Play(from time.Duration) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return fmt.Errorf("audio: play: %w", media.ErrInvalidState)
	}
	if e.track == nil {
		e.mu.Unlock()
		return fmt.Errorf("audio: play without track: %w", media.ErrInvalidState)
	}
	e.stopSequenceLocked()

	if err := e.sink.Start(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("audio: start sink: %w", err)
	}

	now := e.clk.Now()
	e.mc.SetRate(now, e.rate)
	e.mc.Anchor(now, from)
	e.pausedAt = from
	e.playing = true

	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	sess, id := e.sess, e.track.ID
	e.mu.Unlock()

	go e.pull(ctx, gen, sess, id, from)
	return nil
}

// Pause cancels every scheduled buffer immediately, captures the current
// media time as the new pause point, and closes the buffer sequence.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing {
		return
	}
	e.pausedAt = e.mc.MediaTime(e.clk.Now())
	e.playing = false
	e.stopSequenceLocked()
	if err := e.sink.Suspend(); err != nil {
		e.log.Warn("sink suspend failed", "error", err)
	}
}

// Seek pauses, moves the pause point to t, and resumes if the engine was
// playing.
func (e *Engine) Seek(t time.Duration) error {
	e.mu.Lock()
	was := e.playing
	e.mu.Unlock()

	e.Pause()

	e.mu.Lock()
	e.pausedAt = t
	e.mu.Unlock()

	if was {
		return e.Play(t)
	}
	return nil
}

// SetRate clamps and applies the playback rate. The media clock re-anchors
// at the current media time, so CurrentTime is continuous across the
// change; the buffer sequence restarts so subsequent buffers schedule
// under the new rate.
func (e *Engine) SetRate(r float64) {
	r = media.ClampRate(r)

	e.mu.Lock()
	e.rate = r
	if !e.playing {
		e.mu.Unlock()
		return
	}
	now := e.clk.Now()
	e.mc.SetRate(now, r)
	from := e.mc.MediaTime(now)
	e.stopSequenceLocked()

	e.gen++
	gen := e.gen
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	sess, id := e.sess, e.track.ID
	e.mu.Unlock()

	go e.pull(ctx, gen, sess, id, from)
}

// Rate returns the current playback rate.
func (e *Engine) Rate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

// CurrentTime returns the anchor-derived media time while playing, or the
// stored pause point otherwise.
func (e *Engine) CurrentTime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playing {
		return e.mc.MediaTime(e.clk.Now())
	}
	return e.pausedAt
}

// SetVolume sets the perceptual volume in [0, 1]. The device gain follows
// a squared curve so the control feels linear to the ear.
func (e *Engine) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	e.mu.Lock()
	e.volume = v
	e.applyGainLocked()
	e.mu.Unlock()
}

// SetMuted toggles mute without losing the volume setting.
func (e *Engine) SetMuted(m bool) {
	e.mu.Lock()
	e.muted = m
	e.applyGainLocked()
	e.mu.Unlock()
}

// Volume returns the perceptual volume setting.
func (e *Engine) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

// Muted reports the mute state.
func (e *Engine) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *Engine) applyGainLocked() {
	if e.muted {
		e.sink.SetGain(0)
		return
	}
	e.sink.SetGain(e.volume * e.volume)
}

// ScheduledCount returns the number of in-flight scheduled buffers.
func (e *Engine) ScheduledCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// ClearIterators cancels the in-flight sequence and all scheduled buffers
// without changing the pause point. Call before releasing the decode
// session the engine is reading from.
func (e *Engine) ClearIterators() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playing {
		e.pausedAt = e.mc.MediaTime(e.clk.Now())
		e.playing = false
	}
	e.stopSequenceLocked()
}

// Close cancels outstanding work and then releases the sink. The engine
// cannot be reused.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return nil
	}
	e.stopSequenceLocked()
	e.playing = false
	e.disposed = true
	return e.sink.Close()
}

// stopSequenceLocked cancels the pull loop and every scheduled task. The
// generation bump makes any late timer fire or pull result a no-op.
func (e *Engine) stopSequenceLocked() {
	e.gen++
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	for id, t := range e.tasks {
		if t.timer != nil {
			t.timer.Stop()
		}
		if t.stop != nil {
			t.stop()
		}
		delete(e.tasks, id)
	}
	e.lastEnd = 0
}

func (e *Engine) currentLocked(gen uint64) bool {
	return e.playing && e.gen == gen && !e.disposed
}

// pull is the sequence goroutine: it opens the sample iterator, pulls
// buffers, and schedules each against the device timeline, throttling once
// the scheduled-ahead horizon is exceeded.
func (e *Engine) pull(ctx context.Context, gen uint64, sess decode.Session, trackID string, from time.Duration) {
	iter, err := sess.Samples(ctx, trackID, from)
	if err != nil {
		e.reportWarn(fmt.Errorf("audio: open samples: %w", err))
		return
	}
	defer iter.Close()

	for {
		if !e.waitForHeadroom(ctx, gen) {
			return
		}

		buf, err := iter.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return
			}
			e.reportWarn(fmt.Errorf("audio: pull: %w", err))
			return
		}
		if !e.schedule(gen, buf) {
			return
		}
	}
}

// waitForHeadroom blocks while the newest scheduled buffer is more than
// the horizon ahead of the current media time. Returns false when the
// sequence has been superseded.
func (e *Engine) waitForHeadroom(ctx context.Context, gen uint64) bool {
	for {
		e.mu.Lock()
		if !e.currentLocked(gen) {
			e.mu.Unlock()
			return false
		}
		ahead := e.lastEnd - e.mc.MediaTime(e.clk.Now())
		e.mu.Unlock()

		if ahead <= media.AheadHorizon {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backpressurePoll):
		}
	}
}

// schedule places buf on the device timeline. Buffers already due start
// mid-buffer at the elapsed offset; buffers entirely in the past are
// skipped. Returns false when the sequence has been superseded.
func (e *Engine) schedule(gen uint64, buf *media.AudioBuffer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(gen) {
		return false
	}

	now := e.clk.Now()
	at := e.mc.DeviceTimeFor(buf.PTS)
	e.lastEnd = buf.End()

	if !at.After(now) {
		elapsed := time.Duration(float64(now.Sub(at)) * e.mc.Rate())
		if elapsed >= buf.Duration() {
			e.log.Debug("buffer entirely in the past, skipping", "pts", buf.PTS)
			return true
		}
		id := e.newTaskLocked(&task{buf: buf})
		e.tasks[id].stop = e.sink.Play(buf, elapsed, e.mc.Rate())
		e.expireLocked(gen, id, buf.Duration()-elapsed)
		return true
	}

	id := e.newTaskLocked(&task{buf: buf})
	e.tasks[id].timer = time.AfterFunc(at.Sub(now), func() {
		e.fire(gen, id)
	})
	return true
}

func (e *Engine) newTaskLocked(t *task) int {
	e.nextID++
	id := e.nextID
	e.tasks[id] = t
	return id
}

// fire makes a scheduled buffer audible. A stale generation means the
// sequence was cancelled between timer fire and lock acquisition.
func (e *Engine) fire(gen uint64, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.currentLocked(gen) {
		return
	}
	t, ok := e.tasks[id]
	if !ok {
		return
	}
	t.stop = e.sink.Play(t.buf, 0, e.mc.Rate())
	e.expireLocked(gen, id, t.buf.Duration())
}

// expireLocked drops the task once its buffer has fully played, scaled by
// the playback rate.
func (e *Engine) expireLocked(gen uint64, id int, remaining time.Duration) {
	wall := time.Duration(float64(remaining) / e.mc.Rate())
	e.tasks[id].timer = time.AfterFunc(wall, func() {
		e.mu.Lock()
		if e.gen == gen {
			delete(e.tasks, id)
		}
		e.mu.Unlock()
	})
}

func (e *Engine) reportWarn(err error) {
	e.mu.Lock()
	fn := e.warn
	e.mu.Unlock()
	e.log.Warn("non-fatal audio error", "error", err)
	if fn != nil {
		fn(err)
	}
}
