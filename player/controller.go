// Package player drives one playback session. The Controller composes the
// audio engine, the frame pipeline, and the renderer manager into a single
// presentation loop, owns the Idle/Ready/Playing/Paused/Ended state
// machine, and publishes state and events on the bus.
//
// Media time has one authoritative source at a time: the audio engine's
// clock while an audio track is playing, a manual anchor otherwise. The
// manual anchor is reconciled to the audio clock on every tick, so losing
// the audio track mid-playback never produces a visible time jump.
package player

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sylvite/cadence/audio"
	"github.com/sylvite/cadence/clock"
	"github.com/sylvite/cadence/decode"
	"github.com/sylvite/cadence/events"
	"github.com/sylvite/cadence/media"
	"github.com/sylvite/cadence/pipeline"
	"github.com/sylvite/cadence/renderer"
)

// State is the controller's lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateReady   State = "ready"
	StatePlaying State = "playing"
	StatePaused  State = "paused"
	StateEnded   State = "ended"
)

// coarseTick keeps playback advancing when the frame-interval ticker is
// starved, e.g. in a non-visible or headless context.
const coarseTick = 250 * time.Millisecond

// Controller owns one playback session. All public methods are safe for
// concurrent use.
type Controller struct {
	log  *slog.Logger
	clk  clock.Clock
	aud  *audio.Engine
	pipe *pipeline.Pipeline
	rend *renderer.Manager
	bus  *events.Bus

	mu         sync.Mutex
	state      State
	pos        time.Duration
	duration   time.Duration
	rate       float64
	mc         clock.MediaClock
	waiting    bool
	looping    bool
	rewinding  bool
	primed     bool
	videoTrack *string
	audioTrack *string

	starvations int64

	loopGen    uint64
	loopCancel context.CancelFunc
	disposed   bool
}

// NewController wires the components together and registers the warning
// and renderer-notification hooks. If log is nil, slog.Default() is used.
func NewController(clk clock.Clock, aud *audio.Engine, pipe *pipeline.Pipeline, rend *renderer.Manager, bus *events.Bus, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		log:   log.With("component", "player"),
		clk:   clk,
		aud:   aud,
		pipe:  pipe,
		rend:  rend,
		bus:   bus,
		state: StateIdle,
		rate:  1,
		mc:    clock.NewMediaClock(clk.Now()),
	}

	warn := func(err error) {
		bus.Publish(events.Event{Type: events.Warning, Err: err})
	}
	aud.SetWarn(warn)
	pipe.SetWarn(warn)

	rend.SetNotify(func(requested, actual renderer.Kind, fallback bool) {
		bus.Publish(events.Event{
			Type:      events.RendererChange,
			Requested: string(requested),
			Actual:    string(actual),
		})
		if fallback {
			bus.Publish(events.Event{
				Type:      events.RendererFallback,
				Requested: string(requested),
				Actual:    string(actual),
			})
		}
	})
	return c
}

// currentLocked returns the authoritative media time.
func (c *Controller) currentLocked(now time.Time) time.Duration {
	if c.state != StatePlaying {
		return c.pos
	}
	if c.aud.Active() {
		return c.aud.CurrentTime()
	}
	return c.mc.MediaTime(now)
}

// AttachVideo makes the track the pipeline's source and, when playback is
// already running, primes the frame sequence at the current position.
func (c *Controller) AttachVideo(sess decode.Session, track decode.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return fmt.Errorf("player: attach video: %w", media.ErrInvalidState)
	}
	if err := c.pipe.SetTrack(sess, track); err != nil {
		return err
	}
	id := track.ID
	c.videoTrack = &id
	if track.Duration > c.duration {
		c.duration = track.Duration
	}
	if c.state == StateIdle {
		c.state = StateReady
	}
	c.primed = false
	if c.state == StatePlaying {
		t := c.currentLocked(c.clk.Now())
		if err := c.pipe.Seek(context.Background(), t); err != nil {
			c.log.Warn("prime after attach failed", "error", err)
		} else {
			c.primed = true
		}
	}
	c.publishStateLocked()
	return nil
}

// DetachVideo clears the pipeline's track. The renderer forgets its last
// frame first, so nothing re-presents a recycled frame.
func (c *Controller) DetachVideo() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rend.ClearFrame()
	c.pipe.ClearTrack()
	c.videoTrack = nil
	c.primed = false
	c.publishStateLocked()
}

// AttachAudio makes the track the audio engine's source. When playback is
// running the engine starts at the current position and immediately
// becomes the authoritative clock.
func (c *Controller) AttachAudio(sess decode.Session, track decode.Track) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return fmt.Errorf("player: attach audio: %w", media.ErrInvalidState)
	}
	t := c.currentLocked(c.clk.Now())
	if err := c.aud.SetTrack(sess, track); err != nil {
		return err
	}
	id := track.ID
	c.audioTrack = &id
	if track.Duration > c.duration {
		c.duration = track.Duration
	}
	if c.state == StateIdle {
		c.state = StateReady
	}
	if c.state == StatePlaying {
		if err := c.aud.Play(t); err != nil {
			c.log.Warn("audio start after attach failed", "error", err)
		}
	}
	c.publishStateLocked()
	return nil
}

// DetachAudio hands the clock back to the manual anchor at the engine's
// last position, then clears the engine's track.
func (c *Controller) DetachAudio() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePlaying && c.aud.Active() {
		t := c.aud.CurrentTime()
		now := c.clk.Now()
		c.mc.SetRate(now, c.rate)
		c.mc.Anchor(now, t)
		c.pos = t
	}
	c.aud.ClearTrack()
	c.audioTrack = nil
	c.publishStateLocked()
}

// Play starts or resumes playback. From Ended it rewinds to zero first.
func (c *Controller) Play() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return fmt.Errorf("player: play: %w", media.ErrInvalidState)
	}
	if c.state == StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("player: play without media: %w", media.ErrInvalidState)
	}
	if c.state == StatePlaying {
		c.mu.Unlock()
		return nil
	}

	t := c.pos
	if c.state == StateEnded {
		t = 0
		c.primed = false
	}
	now := c.clk.Now()
	c.mc.SetRate(now, c.rate)
	c.mc.Anchor(now, t)
	c.pos = t

	if c.aud.HasTrack() {
		if err := c.aud.Play(t); err != nil {
			// Video-only degraded playback on a dead audio device.
			c.log.Warn("audio start failed", "error", err)
			c.bus.Publish(events.Event{Type: events.Warning, Err: err})
		}
	}
	if c.pipe.HasTrack() && !c.primed {
		if err := c.pipe.Seek(context.Background(), t); err != nil {
			c.log.Warn("prime failed", "error", err)
		} else {
			c.primed = true
		}
	}

	c.state = StatePlaying
	c.waiting = false
	c.startLoopLocked()
	c.log.Info("playing", "from", t, "rate", c.rate)
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.bus.Publish(events.Event{Type: events.Playing, Time: t})
	c.bus.PublishState(snap)
	return nil
}

// Pause stops ticking and the audio engine, reconciling the position from
// the most authoritative clock before the transition completes.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePlaying {
		return
	}
	c.stopLoopLocked()
	if c.aud.Active() {
		c.pos = c.aud.CurrentTime()
	} else {
		c.pos = c.mc.MediaTime(c.clk.Now())
	}
	c.aud.Pause()
	c.state = StatePaused
	c.waiting = false
	c.log.Info("paused", "at", c.pos)
	c.publishStateLocked()
}

// Seek moves the position, clamped to [0, duration]. Seeking at or past
// the duration ends playback.
func (c *Controller) Seek(t time.Duration) error {
	c.mu.Lock()
	if c.disposed || c.state == StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("player: seek: %w", media.ErrInvalidState)
	}
	if t < 0 {
		t = 0
	}
	if c.duration > 0 && t > c.duration {
		t = c.duration
	}
	ended := c.duration > 0 && t >= c.duration

	now := c.clk.Now()
	c.mc.SetRate(now, c.rate)
	c.mc.Anchor(now, t)
	c.pos = t

	if c.aud.HasTrack() {
		if ended {
			c.aud.Pause()
		}
		if err := c.aud.Seek(t); err != nil {
			c.log.Warn("audio seek failed", "error", err)
		}
	}
	if c.pipe.HasTrack() {
		if err := c.pipe.Seek(context.Background(), t); err != nil {
			c.log.Warn("pipeline seek failed", "error", err)
		} else {
			c.primed = true
		}
	}

	if ended {
		c.stopLoopLocked()
		c.aud.Pause()
		c.state = StateEnded
		c.waiting = false
	} else if c.state == StateEnded {
		c.state = StatePaused
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	c.bus.Publish(events.Event{Type: events.TimeUpdate, Time: t})
	c.bus.PublishState(snap)
	return nil
}

// Stop halts playback and resets the position to zero. Tracks stay
// attached; the controller returns to Ready.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.state == StateIdle {
		return
	}
	c.stopLoopLocked()
	c.aud.Pause()
	if err := c.aud.Seek(0); err != nil {
		c.log.Warn("audio rewind failed", "error", err)
	}
	c.pos = 0
	c.primed = false
	c.state = StateReady
	c.waiting = false
	c.publishStateLocked()
}

// SetRate clamps and applies the playback rate. The manual anchor is reset
// at the current position so the observable time is continuous no matter
// which clock is authoritative.
func (c *Controller) SetRate(r float64) {
	r = media.ClampRate(r)
	c.mu.Lock()
	now := c.clk.Now()
	t := c.currentLocked(now)
	c.rate = r
	c.aud.SetRate(r)
	c.mc.SetRate(now, r)
	c.mc.Anchor(now, t)
	c.pos = t
	c.publishStateLocked()
	c.mu.Unlock()
}

// Rate returns the current playback rate.
func (c *Controller) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// SetVolume forwards the perceptual volume to the audio engine.
func (c *Controller) SetVolume(v float64) {
	c.aud.SetVolume(v)
	c.mu.Lock()
	c.publishStateLocked()
	c.mu.Unlock()
}

// SetMuted forwards the mute toggle to the audio engine.
func (c *Controller) SetMuted(m bool) {
	c.aud.SetMuted(m)
	c.mu.Lock()
	c.publishStateLocked()
	c.mu.Unlock()
}

// SetLoop makes playback restart from zero at the end instead of entering
// Ended.
func (c *Controller) SetLoop(loop bool) {
	c.mu.Lock()
	c.looping = loop
	c.mu.Unlock()
}

// SwitchRenderer replaces the active renderer backend.
func (c *Controller) SwitchRenderer(kind renderer.Kind) error {
	return c.rend.Switch(kind)
}

// CurrentTime returns the authoritative media time.
func (c *Controller) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(c.clk.Now())
}

// Duration returns the session duration, the longest attached track.
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current batched state view.
func (c *Controller) Snapshot() events.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close tears the session down. The controller cannot be reused.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.stopLoopLocked()
	c.disposed = true
	c.state = StateIdle
	c.mu.Unlock()

	c.pipe.Dispose()
	err := c.aud.Close()
	c.rend.Dispose()
	return err
}

// startLoopLocked spawns the tick loop under a fresh generation. The fine
// ticker runs at the video frame interval; the coarse ticker is the
// redundant fallback.
func (c *Controller) startLoopLocked() {
	c.loopGen++
	gen := c.loopGen
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	interval := c.pipe.FrameInterval()

	go c.run(ctx, gen, interval)
}

func (c *Controller) stopLoopLocked() {
	c.loopGen++
	if c.loopCancel != nil {
		c.loopCancel()
		c.loopCancel = nil
	}
}

func (c *Controller) run(ctx context.Context, gen uint64, interval time.Duration) {
	fine := time.NewTicker(interval)
	defer fine.Stop()
	coarse := time.NewTicker(coarseTick)
	defer coarse.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fine.C:
		case <-coarse.C:
		}
		c.tick(gen)
	}
}

// tick advances one presentation step: pick the authoritative time,
// promote a video frame, track waiting transitions, and detect the end of
// media.
func (c *Controller) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.loopGen || c.state != StatePlaying {
		c.mu.Unlock()
		return
	}

	now := c.clk.Now()
	var t time.Duration
	if c.aud.Active() {
		t = c.aud.CurrentTime()
		c.mc.SetRate(now, c.rate)
		c.mc.Anchor(now, t)
	} else {
		t = c.mc.MediaTime(now)
	}
	if t < 0 {
		t = 0
	}

	ended := c.duration > 0 && t >= c.duration
	if ended {
		t = c.duration
	}
	c.pos = t

	var evs []events.Event
	if c.pipe.HasTrack() && !ended {
		res := c.pipe.UpdateFrame(t)
		if res.Starving && !c.waiting {
			c.waiting = true
			c.starvations++
			evs = append(evs, events.Event{Type: events.Waiting, Time: t})
		} else if c.waiting && !res.Starving {
			c.waiting = false
			evs = append(evs, events.Event{Type: events.Playing, Time: t})
		}
	}
	evs = append(evs, events.Event{Type: events.TimeUpdate, Time: t})

	var rewind bool
	if ended {
		if c.looping {
			if !c.rewinding {
				c.rewinding = true
				rewind = true
			}
		} else {
			c.stopLoopLocked()
			c.aud.Pause()
			c.state = StateEnded
			c.waiting = false
			c.log.Info("ended", "duration", c.duration)
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	for _, ev := range evs {
		c.bus.Publish(ev)
	}
	c.bus.PublishState(snap)
	if rewind {
		c.rewindToStart(gen)
	}
}

// rewindToStart restarts looped playback from zero.
func (c *Controller) rewindToStart(gen uint64) {
	if c.aud.HasTrack() {
		if err := c.aud.Seek(0); err != nil {
			c.log.Warn("loop rewind audio failed", "error", err)
		}
	}
	if c.pipe.HasTrack() {
		if err := c.pipe.Seek(context.Background(), 0); err != nil {
			c.log.Warn("loop rewind video failed", "error", err)
		}
	}

	c.mu.Lock()
	c.rewinding = false
	if gen == c.loopGen && c.state == StatePlaying {
		now := c.clk.Now()
		c.mc.SetRate(now, c.rate)
		c.mc.Anchor(now, 0)
		c.pos = 0
	}
	c.mu.Unlock()
}

func (c *Controller) snapshotLocked() events.Snapshot {
	return events.Snapshot{
		State:           string(c.state),
		Time:            c.pos,
		Duration:        c.duration,
		Rate:            c.rate,
		Waiting:         c.waiting,
		Volume:          c.aud.Volume(),
		Muted:           c.aud.Muted(),
		VideoTrack:      c.videoTrack,
		AudioTrack:      c.audioTrack,
		Renderer:        string(c.rend.Kind()),
		FramesPresented: c.pipe.FramesPresented(),
		FramesDropped:   c.pipe.FramesDropped(),
		Starvations:     c.starvations,
	}
}

func (c *Controller) publishStateLocked() {
	c.bus.PublishState(c.snapshotLocked())
}
