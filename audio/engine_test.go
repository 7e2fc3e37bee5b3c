package audio

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sylvite/cadence/clock"
	"github.com/sylvite/cadence/decode"
	"github.com/sylvite/cadence/media"
)

// fakeSink records sink interactions.
type fakeSink struct {
	mu      sync.Mutex
	started int
	played  []playCall
	gains   []float64
	stopped int
	closed  bool
}

type playCall struct {
	pts    time.Duration
	offset time.Duration
	rate   float64
}

func (s *fakeSink) Start() error   { s.mu.Lock(); s.started++; s.mu.Unlock(); return nil }
func (s *fakeSink) Suspend() error { return nil }
func (s *fakeSink) Play(buf *media.AudioBuffer, offset time.Duration, rate float64) func() {
	s.mu.Lock()
	s.played = append(s.played, playCall{pts: buf.PTS, offset: offset, rate: rate})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.stopped++
		s.mu.Unlock()
	}
}
func (s *fakeSink) SetGain(g float64) { s.mu.Lock(); s.gains = append(s.gains, g); s.mu.Unlock() }
func (s *fakeSink) Close() error      { s.mu.Lock(); s.closed = true; s.mu.Unlock(); return nil }

func (s *fakeSink) playCalls() []playCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playCall(nil), s.played...)
}

func (s *fakeSink) lastGain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.gains) == 0 {
		return -1
	}
	return s.gains[len(s.gains)-1]
}

// fakeSession produces bufLen-sized PCM chunks from 0 to total. A blocking
// session never produces a buffer until cancelled.
type fakeSession struct {
	total     time.Duration
	bufLen    time.Duration
	decodable bool
	blocking  bool

	mu     sync.Mutex
	pulls  int
	closed int
}

func (s *fakeSession) track() decode.Track {
	return decode.Track{ID: "a0", Kind: decode.KindAudio, Codec: "pcm", SampleRate: 48000, Duration: s.total}
}

func (s *fakeSession) Tracks() []decode.Track { return []decode.Track{s.track()} }
func (s *fakeSession) Track(id string) (decode.Track, bool) {
	if id == "a0" {
		return s.track(), true
	}
	return decode.Track{}, false
}
func (s *fakeSession) CanDecode(id string) bool { return s.decodable }
func (s *fakeSession) Frames(context.Context, string, time.Duration) (decode.FrameIterator, error) {
	return nil, errors.New("no video")
}
func (s *fakeSession) SourceBytes(context.Context) ([]byte, error) { return nil, nil }
func (s *fakeSession) Close() error                                { return nil }

func (s *fakeSession) Samples(ctx context.Context, id string, from time.Duration) (decode.SampleIterator, error) {
	return &fakeSampleIter{sess: s, next: from}, nil
}

type fakeSampleIter struct {
	sess *fakeSession
	next time.Duration
}

func (it *fakeSampleIter) Next(ctx context.Context) (*media.AudioBuffer, error) {
	if it.sess.blocking {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if it.next >= it.sess.total {
		return nil, io.EOF
	}
	it.sess.mu.Lock()
	it.sess.pulls++
	it.sess.mu.Unlock()

	n := int(float64(48000) * it.sess.bufLen.Seconds())
	buf := &media.AudioBuffer{PTS: it.next, SampleRate: 48000, Samples: make([][2]float64, n)}
	it.next += it.sess.bufLen
	return buf, nil
}

func (it *fakeSampleIter) Close() error {
	it.sess.mu.Lock()
	it.sess.closed++
	it.sess.mu.Unlock()
	return nil
}

func (s *fakeSession) pullCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulls
}

func TestSetTrackUnsupportedCodec(t *testing.T) {
	t.Parallel()

	e := NewEngine(clock.System, &fakeSink{}, nil)
	sess := &fakeSession{decodable: false}
	err := e.SetTrack(sess, sess.track())
	if !errors.Is(err, media.ErrUnsupportedCodec) {
		t.Errorf("SetTrack: got %v, want ErrUnsupportedCodec", err)
	}
}

func TestCurrentTimeFollowsAnchor(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	e := NewEngine(clk, &fakeSink{}, nil)
	sess := &fakeSession{decodable: true, blocking: true, total: time.Hour}
	if err := e.SetTrack(sess, sess.track()); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if err := e.Play(5 * time.Second); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer e.Close()

	clk.Advance(2 * time.Second)
	if got, want := e.CurrentTime(), 7*time.Second; got != want {
		t.Errorf("CurrentTime: got %v, want %v", got, want)
	}

	e.Pause()
	paused := e.CurrentTime()
	clk.Advance(10 * time.Second)
	if e.CurrentTime() != paused {
		t.Errorf("paused time drifted: %v -> %v", paused, e.CurrentTime())
	}
	if paused != 7*time.Second {
		t.Errorf("pause point: got %v, want 7s", paused)
	}
}

func TestPauseResumeContinuity(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	e := NewEngine(clk, &fakeSink{}, nil)
	sess := &fakeSession{decodable: true, blocking: true, total: time.Hour}
	if err := e.SetTrack(sess, sess.track()); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if err := e.Play(0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer e.Close()

	clk.Advance(500 * time.Millisecond)
	e.Pause()
	at := e.CurrentTime()
	if err := e.Play(at); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := e.CurrentTime(); got != at {
		t.Errorf("resume discontinuity: got %v, want %v", got, at)
	}
}

func TestSetRateContinuity(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1000, 0))
	e := NewEngine(clk, &fakeSink{}, nil)
	sess := &fakeSession{decodable: true, blocking: true, total: time.Hour}
	if err := e.SetTrack(sess, sess.track()); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if err := e.Play(0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer e.Close()

	clk.Advance(time.Second)
	before := e.CurrentTime()
	e.SetRate(2)
	if got := e.CurrentTime(); got != before {
		t.Fatalf("rate change jumped time: %v -> %v", before, got)
	}
	clk.Advance(time.Second)
	if got, want := e.CurrentTime(), 3*time.Second; got != want {
		t.Errorf("after 1s at 2x: got %v, want %v", got, want)
	}
}

func TestSetRateClamps(t *testing.T) {
	t.Parallel()

	e := NewEngine(clock.System, &fakeSink{}, nil)
	e.SetRate(100)
	if got := e.Rate(); got != media.RateMax {
		t.Errorf("Rate: got %v, want %v", got, media.RateMax)
	}
	e.SetRate(0)
	if got := e.Rate(); got != media.RateMin {
		t.Errorf("Rate: got %v, want %v", got, media.RateMin)
	}
}

func TestSeekMovesPausePoint(t *testing.T) {
	t.Parallel()

	e := NewEngine(clock.NewManual(time.Unix(0, 0)), &fakeSink{}, nil)
	sess := &fakeSession{decodable: true, blocking: true, total: time.Hour}
	if err := e.SetTrack(sess, sess.track()); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}

	if err := e.Seek(42 * time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if got := e.CurrentTime(); got != 42*time.Second {
		t.Errorf("CurrentTime after paused seek: got %v, want 42s", got)
	}
	if e.Active() {
		t.Error("seek while paused must not start playback")
	}
}

func TestBuffersPlayInOrder(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := NewEngine(clock.System, sink, nil)
	sess := &fakeSession{decodable: true, total: 100 * time.Millisecond, bufLen: 20 * time.Millisecond}
	if err := e.SetTrack(sess, sess.track()); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if err := e.Play(0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer e.Close()

	time.Sleep(250 * time.Millisecond)

	calls := sink.playCalls()
	if len(calls) != 5 {
		t.Fatalf("play calls: got %d, want 5", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if calls[i].pts <= calls[i-1].pts {
			t.Errorf("out of order: %v after %v", calls[i].pts, calls[i-1].pts)
		}
	}
	if calls[0].offset > 5*time.Millisecond {
		t.Errorf("first buffer offset: got %v, want near 0", calls[0].offset)
	}
}

func TestBackpressureThrottlesPulling(t *testing.T) {
	t.Parallel()

	e := NewEngine(clock.System, &fakeSink{}, nil)
	sess := &fakeSession{decodable: true, total: time.Hour, bufLen: 100 * time.Millisecond}
	if err := e.SetTrack(sess, sess.track()); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if err := e.Play(0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer e.Close()

	time.Sleep(300 * time.Millisecond)

	// 1s horizon / 100ms buffers: roughly 10-13 pulls once throttled, far
	// fewer than an unthrottled puller would manage.
	if got := sess.pullCount(); got > 16 {
		t.Errorf("pull count: got %d, want backpressure near 13", got)
	}
	if got := sess.pullCount(); got < 10 {
		t.Errorf("pull count: got %d, want at least the horizon's worth", got)
	}
}

func TestPauseCancelsScheduledTasks(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := NewEngine(clock.System, sink, nil)
	sess := &fakeSession{decodable: true, total: time.Hour, bufLen: 100 * time.Millisecond}
	if err := e.SetTrack(sess, sess.track()); err != nil {
		t.Fatalf("SetTrack: %v", err)
	}
	if err := e.Play(0); err != nil {
		t.Fatalf("Play: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	e.Pause()
	if got := e.ScheduledCount(); got != 0 {
		t.Errorf("ScheduledCount after pause: got %d, want 0", got)
	}

	// The iterator must be closed before any decode resource release.
	deadline := time.Now().Add(time.Second)
	for {
		sess.mu.Lock()
		closed := sess.closed
		sess.mu.Unlock()
		if closed > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("iterator never closed after pause")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVolumeCurveIsSquared(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := NewEngine(clock.System, sink, nil)

	e.SetVolume(0.5)
	if got := sink.lastGain(); got != 0.25 {
		t.Errorf("gain at volume 0.5: got %v, want 0.25", got)
	}
	e.SetMuted(true)
	if got := sink.lastGain(); got != 0 {
		t.Errorf("gain muted: got %v, want 0", got)
	}
	e.SetMuted(false)
	if got := sink.lastGain(); got != 0.25 {
		t.Errorf("gain unmuted: got %v, want 0.25", got)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	e := NewEngine(clock.System, sink, nil)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	sess := &fakeSession{decodable: true}
	if err := e.SetTrack(sess, sess.track()); !errors.Is(err, media.ErrInvalidState) {
		t.Errorf("SetTrack after Close: got %v, want ErrInvalidState", err)
	}
	if err := e.Play(0); !errors.Is(err, media.ErrInvalidState) {
		t.Errorf("Play after Close: got %v, want ErrInvalidState", err)
	}
}
