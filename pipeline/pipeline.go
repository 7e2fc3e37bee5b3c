// Package pipeline maintains the current and lookahead decoded video
// frames for one playback session, decides when each frame is presented,
// and reports starvation to the controller. Every async pull carries the
// generation it was issued under; results from a superseded generation are
// discarded, which is what keeps rapid repeated seeks flicker-free.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sylvite/cadence/decode"
	"github.com/sylvite/cadence/media"
	"github.com/sylvite/cadence/renderer"
)

// Pull and present retry tuning. A failed mid-stream pull is retried a few
// times before the sequence is declared exhausted, so a transient decode
// hiccup does not silently truncate playback. Zero-extent surfaces are
// re-tried on a bounded schedule rather than treated as failure.
const (
	pullRetries      = 3
	pullRetryDelay   = 50 * time.Millisecond
	presentRetries   = 10
	presentRetryWait = 100 * time.Millisecond
)

// Presenter is the downstream rendering boundary; renderer.Manager
// satisfies it.
type Presenter interface {
	Present(f *media.VideoFrame) error
}

// UpdateResult is the outcome of one presentation tick.
type UpdateResult struct {
	// Updated reports that the lookahead frame was promoted and
	// presented.
	Updated bool

	// Starving reports that no lookahead frame is available to satisfy
	// the tick; the controller uses it as the rebuffer signal.
	Starving bool
}

// Pipeline owns the two live frame slots. All public methods are safe for
// concurrent use.
type Pipeline struct {
	log       *slog.Logger
	presenter Presenter
	warn      func(error)

	mu          sync.Mutex
	sess        decode.Session
	track       *decode.Track
	aspect      float64
	gen         uint64
	iter        decode.FrameIterator
	cancel      context.CancelFunc
	current     *media.VideoFrame
	lookahead   *media.VideoFrame
	pullPending bool
	eos         bool
	retrying    bool
	disposed    bool

	framesPresented atomic.Int64
	framesDropped   atomic.Int64
}

// New creates a pipeline presenting through p. If log is nil,
// slog.Default() is used.
func New(p Presenter, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		log:       log.With("component", "pipeline"),
		presenter: p,
	}
}

// SetWarn registers the non-fatal error callback.
func (p *Pipeline) SetWarn(fn func(error)) {
	p.mu.Lock()
	p.warn = fn
	p.mu.Unlock()
}

// SetTrack verifies the track is decodable, caches its aspect ratio, and
// makes it the pipeline's source. The frame sequence is not opened until
// the next Seek.
func (p *Pipeline) SetTrack(sess decode.Session, track decode.Track) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return fmt.Errorf("pipeline: set track: %w", media.ErrInvalidState)
	}
	if !sess.CanDecode(track.ID) {
		return fmt.Errorf("pipeline: track %s (%s): %w", track.ID, track.Codec, media.ErrUnsupportedCodec)
	}
	p.closeSequenceLocked()
	p.sess = sess
	p.track = &track
	if track.Height > 0 {
		p.aspect = float64(track.Width) / float64(track.Height)
	}
	p.log.Info("track set", "track", track.ID, "codec", track.Codec,
		"width", track.Width, "height", track.Height)
	return nil
}

// ClearTrack cancels the in-flight sequence and detaches the track. The
// sequence is cancelled before the caller may release the session.
func (p *Pipeline) ClearTrack() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeSequenceLocked()
	p.releaseSlotsLocked()
	p.sess = nil
	p.track = nil
	p.aspect = 0
}

// HasTrack reports whether a track is attached.
func (p *Pipeline) HasTrack() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track != nil
}

// AspectRatio returns the cached track aspect ratio, or 0 when no track is
// attached.
func (p *Pipeline) AspectRatio() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aspect
}

// FrameInterval returns the attached track's nominal presentation
// interval.
func (p *Pipeline) FrameInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.track == nil {
		return media.DefaultFrameInterval
	}
	return p.track.FrameInterval()
}

// Seek cancels the current sequence, opens a new one at t, eagerly pulls
// the first two frames, and presents the first immediately. The old
// current frame is recycled only after its replacement has been presented,
// so the renderer's last-frame reference never dangles into the pool.
func (p *Pipeline) Seek(ctx context.Context, t time.Duration) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: seek: %w", media.ErrInvalidState)
	}
	if p.track == nil {
		p.mu.Unlock()
		return fmt.Errorf("pipeline: seek without track: %w", media.ErrInvalidState)
	}
	p.closeSequenceLocked()
	p.gen++
	gen := p.gen

	seqCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	sess, id := p.sess, p.track.ID
	p.mu.Unlock()

	iter, err := sess.Frames(seqCtx, id, t)
	if err != nil {
		cancel()
		return fmt.Errorf("pipeline: open frames: %w", err)
	}

	first, err := p.pullWithRetry(ctx, iter)
	if err != nil {
		iter.Close()
		cancel()
		if errors.Is(err, io.EOF) {
			// Seeking at or past the end of the sequence: keep showing
			// whatever is on screen.
			p.mu.Lock()
			if p.gen == gen {
				p.eos = true
			}
			p.mu.Unlock()
			return nil
		}
		return fmt.Errorf("pipeline: pull first frame: %w", err)
	}

	p.mu.Lock()
	if p.gen != gen {
		p.mu.Unlock()
		first.Release()
		iter.Close()
		cancel()
		return nil
	}
	p.iter = iter
	old, oldLook := p.current, p.lookahead
	p.current, p.lookahead = first, nil
	p.presentLocked(gen, first)
	if old != nil {
		old.Release()
	}
	if oldLook != nil {
		oldLook.Release()
	}
	p.pullNextLocked(gen)
	p.mu.Unlock()
	return nil
}

// pullWithRetry pulls the next frame, retrying transient decode errors a
// bounded number of times. io.EOF is returned unchanged.
func (p *Pipeline) pullWithRetry(ctx context.Context, iter decode.FrameIterator) (*media.VideoFrame, error) {
	var lastErr error
	for attempt := 0; attempt <= pullRetries; attempt++ {
		f, err := iter.Next(ctx)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pullRetryDelay):
		}
	}
	return nil, lastErr
}

// UpdateFrame promotes the lookahead frame when its timestamp has been
// reached, presents it, and kicks off the next pull. Starvation is
// reported while data is missing mid-stream; a cleanly exhausted sequence
// does not starve.
func (p *Pipeline) UpdateFrame(presentationTime time.Duration) UpdateResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed || p.track == nil {
		return UpdateResult{}
	}

	var res UpdateResult
	if p.lookahead != nil && p.lookahead.PTS <= presentationTime {
		old := p.current
		p.current, p.lookahead = p.lookahead, nil
		p.presentLocked(p.gen, p.current)
		if old != nil {
			old.Release()
		}
		p.framesPresented.Add(1)
		res.Updated = true
	}

	if p.lookahead == nil && !p.eos {
		if !p.pullPending {
			p.pullNextLocked(p.gen)
		}
		if !res.Updated {
			res.Starving = true
		}
	}
	return res
}

// pullNextLocked issues the async lookahead pull for the given generation.
func (p *Pipeline) pullNextLocked(gen uint64) {
	if p.iter == nil || p.pullPending {
		return
	}
	p.pullPending = true
	iter := p.iter

	go func() {
		f, err := p.pullWithRetry(context.Background(), iter)

		p.mu.Lock()
		defer p.mu.Unlock()
		if p.gen != gen {
			// Stale result from before a seek or track switch.
			if f != nil {
				f.Release()
				p.framesDropped.Add(1)
			}
			return
		}
		p.pullPending = false
		if err != nil {
			p.eos = true
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				p.log.Warn("frame sequence ended after decode errors", "error", err)
				if p.warn != nil {
					go p.warn(fmt.Errorf("pipeline: %w", err))
				}
			}
			return
		}
		p.lookahead = f
	}()
}

// presentLocked pushes the frame to the presenter. A zero-extent surface
// schedules a bounded retry instead of failing the tick.
func (p *Pipeline) presentLocked(gen uint64, f *media.VideoFrame) {
	err := p.presenter.Present(f)
	if err == nil {
		return
	}
	if errors.Is(err, renderer.ErrZeroExtent) {
		if !p.retrying {
			p.retrying = true
			go p.retryPresent(gen)
		}
		return
	}
	p.log.Warn("present failed", "pts", f.PTS, "error", err)
}

// retryPresent re-attempts presentation of the current frame while the
// surface has no extent, giving up after a bounded number of attempts.
func (p *Pipeline) retryPresent(gen uint64) {
	for attempt := 0; attempt < presentRetries; attempt++ {
		time.Sleep(presentRetryWait)

		p.mu.Lock()
		if p.gen != gen || p.current == nil {
			p.retrying = false
			p.mu.Unlock()
			return
		}
		err := p.presenter.Present(p.current)
		if err == nil || !errors.Is(err, renderer.ErrZeroExtent) {
			p.retrying = false
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}

	p.mu.Lock()
	p.retrying = false
	p.mu.Unlock()
	p.log.Debug("surface still has zero extent, giving up on retry")
}

// Starving reports whether the pipeline currently has no lookahead frame
// mid-stream.
func (p *Pipeline) Starving() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.track != nil && p.lookahead == nil && !p.eos
}

// AtEnd reports whether the frame sequence is exhausted.
func (p *Pipeline) AtEnd() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.eos
}

// FramesPresented returns the number of frames handed to the presenter.
func (p *Pipeline) FramesPresented() int64 { return p.framesPresented.Load() }

// FramesDropped returns the number of stale pulled frames discarded.
func (p *Pipeline) FramesDropped() int64 { return p.framesDropped.Load() }

// Dispose cancels outstanding work and releases the frame slots. The
// pipeline cannot be reused.
func (p *Pipeline) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeSequenceLocked()
	p.releaseSlotsLocked()
	p.disposed = true
}

// closeSequenceLocked invalidates the generation, cancels the pull
// context, and closes the iterator. Cancellation strictly precedes any
// release of the decode resources the sequence reads from.
func (p *Pipeline) closeSequenceLocked() {
	p.gen++
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if p.iter != nil {
		if err := p.iter.Close(); err != nil {
			p.log.Debug("iterator close", "error", err)
		}
		p.iter = nil
	}
	p.pullPending = false
	p.eos = false
}

func (p *Pipeline) releaseSlotsLocked() {
	if p.current != nil {
		p.current.Release()
		p.current = nil
	}
	if p.lookahead != nil {
		p.lookahead.Release()
		p.lookahead = nil
	}
}
