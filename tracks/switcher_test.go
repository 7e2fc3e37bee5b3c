package tracks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sylvite/cadence/audio"
	"github.com/sylvite/cadence/clock"
	"github.com/sylvite/cadence/decode"
	"github.com/sylvite/cadence/events"
	"github.com/sylvite/cadence/media"
	"github.com/sylvite/cadence/pipeline"
	"github.com/sylvite/cadence/player"
	"github.com/sylvite/cadence/renderer"
)

type nopSink struct{}

func (nopSink) Start() error   { return nil }
func (nopSink) Suspend() error { return nil }
func (nopSink) Play(*media.AudioBuffer, time.Duration, float64) func() {
	return func() {}
}
func (nopSink) SetGain(float64) {}
func (nopSink) Close() error    { return nil }

// stubSession is a scriptable decode session: per-id decodability, an
// optional gate that blocks CanDecode for one id, and fixed source bytes.
type stubSession struct {
	tracks    []decode.Track
	decodable map[string]bool
	gate      chan struct{} // blocks CanDecode for gateID while open
	gateID    string
	source    []byte
}

func (s *stubSession) Tracks() []decode.Track { return s.tracks }
func (s *stubSession) Track(id string) (decode.Track, bool) {
	for _, t := range s.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return decode.Track{}, false
}

func (s *stubSession) CanDecode(id string) bool {
	if s.gate != nil && id == s.gateID {
		<-s.gate
	}
	return s.decodable[id]
}

func (s *stubSession) Frames(ctx context.Context, id string, from time.Duration) (decode.FrameIterator, error) {
	return &stubFrameIter{next: from}, nil
}

func (s *stubSession) Samples(ctx context.Context, id string, from time.Duration) (decode.SampleIterator, error) {
	return &stubSampleIter{next: from}, nil
}

func (s *stubSession) SourceBytes(context.Context) ([]byte, error) { return s.source, nil }
func (s *stubSession) Close() error                                { return nil }

type stubFrameIter struct{ next time.Duration }

func (it *stubFrameIter) Next(ctx context.Context) (*media.VideoFrame, error) {
	if it.next >= time.Minute {
		return nil, io.EOF
	}
	f := &media.VideoFrame{PTS: it.next, Width: 8, Height: 4, Pixels: make([]byte, 8*4*4)}
	it.next += 40 * time.Millisecond
	return f, nil
}
func (it *stubFrameIter) Close() error { return nil }

type stubSampleIter struct{ next time.Duration }

func (it *stubSampleIter) Next(ctx context.Context) (*media.AudioBuffer, error) {
	if it.next >= time.Minute {
		return nil, io.EOF
	}
	buf := &media.AudioBuffer{PTS: it.next, SampleRate: 48000, Samples: make([][2]float64, 4800)}
	it.next += 100 * time.Millisecond
	return buf, nil
}
func (it *stubSampleIter) Close() error { return nil }

func videoTrack(id string) decode.Track {
	return decode.Track{ID: id, Kind: decode.KindVideo, Codec: "h264", StreamIndex: 0,
		Width: 8, Height: 4, FrameRate: 25, Duration: time.Minute}
}

func audioTrack(id string) decode.Track {
	return decode.Track{ID: id, Kind: decode.KindAudio, Codec: "aac", StreamIndex: 1,
		SampleRate: 48000, Channels: 2, Duration: time.Minute}
}

func newController(t *testing.T, bus *events.Bus) *player.Controller {
	t.Helper()
	clk := clock.NewManual(time.Unix(0, 0))
	aud := audio.NewEngine(clk, nopSink{}, nil)

	chain := renderer.NewChain(nil)
	chain.SetConstructor(renderer.KindAccelerated, nil)
	chain.SetConstructor(renderer.KindSoftware, nil)
	rend := renderer.NewManager(chain, renderer.NewImageSurface(320, 180), nil)
	if err := rend.Bind(renderer.KindBaseline); err != nil {
		t.Fatalf("bind renderer: %v", err)
	}

	pipe := pipeline.New(rend, nil)
	c := player.NewController(clk, aud, pipe, rend, bus, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func strptr(s string) *string { return &s }

func TestSelectNativeTrack(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0"), audioTrack("a0")},
		decodable: map[string]bool{"v0": true, "a0": true},
	}
	sw := NewSwitcher(ctrl, sess, nil, nil, bus, nil)

	if err := sw.SelectVideo(context.Background(), strptr("v0")); err != nil {
		t.Fatalf("SelectVideo: %v", err)
	}
	if got := sw.Selected(decode.KindVideo); got == nil || *got != "v0" {
		t.Errorf("Selected: got %v, want v0", got)
	}
	snap := ctrl.Snapshot()
	if snap.VideoTrack == nil || *snap.VideoTrack != "v0" {
		t.Errorf("controller video track: got %v, want v0", snap.VideoTrack)
	}
}

func TestSelectUnknownTrack(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0")},
		decodable: map[string]bool{"v0": true},
	}
	sw := NewSwitcher(ctrl, sess, nil, nil, bus, nil)

	err := sw.SelectVideo(context.Background(), strptr("nope"))
	if !errors.Is(err, media.ErrInvalidTrackID) {
		t.Errorf("unknown id: got %v, want ErrInvalidTrackID", err)
	}

	// Kind mismatch is the same programmer error.
	err = sw.SelectAudio(context.Background(), strptr("v0"))
	if !errors.Is(err, media.ErrInvalidTrackID) {
		t.Errorf("kind mismatch: got %v, want ErrInvalidTrackID", err)
	}
}

func TestDetachSucceedsWhenNothingAttached(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0")},
		decodable: map[string]bool{"v0": true},
	}
	sw := NewSwitcher(ctrl, sess, nil, nil, bus, nil)

	if err := sw.SelectVideo(context.Background(), nil); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if got := sw.Selected(decode.KindVideo); got != nil {
		t.Errorf("Selected: got %v, want nil", got)
	}
}

func TestSameKindSelectionsAreSerialized(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	gate := make(chan struct{})
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0"), videoTrack("v1")},
		decodable: map[string]bool{"v0": true, "v1": true},
		gate:      gate,
		gateID:    "v0",
	}
	sw := NewSwitcher(ctrl, sess, nil, nil, bus, nil)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.SelectVideo(context.Background(), strptr("v0"))
		mu.Lock()
		order = append(order, "v0")
		mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond) // first call is inside the gated probe

	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.SelectVideo(context.Background(), strptr("v1"))
		mu.Lock()
		order = append(order, "v1")
		mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	if len(order) != 0 {
		mu.Unlock()
		t.Fatalf("selections completed while first was blocked: %v", order)
	}
	mu.Unlock()

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"v0", "v1"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("completion order: got %v, want %v", order, want)
		}
	}
	if got := sw.Selected(decode.KindVideo); got == nil || *got != "v1" {
		t.Errorf("Selected: got %v, want v1", got)
	}
}

func TestConversionFallbackAttachesConvertedTrack(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	src := []byte("raw-container-bytes")
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0")},
		decodable: map[string]bool{"v0": false},
		source:    src,
	}

	conv := &Converter{
		Video: func(ctx context.Context, in []byte, streamIndex int, progress func(float64)) ([]byte, error) {
			if !bytes.Equal(in, src) {
				t.Errorf("converter input: got %q, want %q", in, src)
			}
			if streamIndex != 0 {
				t.Errorf("stream index: got %d, want 0", streamIndex)
			}
			progress(0.5)
			return []byte("re-encoded"), nil
		},
	}
	factory := func(ctx context.Context, b []byte) (decode.Session, error) {
		if !bytes.Equal(b, []byte("re-encoded")) {
			t.Errorf("factory input: got %q, want re-encoded", b)
		}
		return &stubSession{
			tracks:    []decode.Track{videoTrack("conv-v")},
			decodable: map[string]bool{"conv-v": true},
		}, nil
	}

	ch, cancel := bus.Subscribe()
	defer cancel()

	sw := NewSwitcher(ctrl, sess, factory, conv, bus, nil)
	if err := sw.SelectVideo(context.Background(), strptr("v0")); err != nil {
		t.Fatalf("SelectVideo: %v", err)
	}

	// Published synchronously before SelectVideo returned.
	var types []events.Type
	var progressCount int
	lastProgress := -1.0
collect:
	for {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
			if ev.Type == events.ConversionProgress {
				progressCount++
				if ev.Progress < lastProgress {
					t.Errorf("progress went backwards: %v after %v", ev.Progress, lastProgress)
				}
				lastProgress = ev.Progress
			}
			if ev.Type == events.TrackChange {
				break collect
			}
		default:
			break collect
		}
	}

	wantOrder := []events.Type{events.ConversionStart, events.ConversionProgress, events.ConversionComplete, events.TrackChange}
	idx := 0
	for _, typ := range types {
		if idx < len(wantOrder) && typ == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Errorf("event order: got %v, want subsequence %v", types, wantOrder)
	}
	if progressCount < 1 {
		t.Errorf("progress events: got %d, want >= 1", progressCount)
	}
	for _, typ := range types {
		if typ == events.ConversionError {
			t.Errorf("unexpected conversion error in %v", types)
		}
	}

	if got := sw.Selected(decode.KindVideo); got == nil || *got != "v0" {
		t.Fatalf("Selected: got %v, want original id v0", got)
	}
	snap := ctrl.Snapshot()
	if snap.VideoTrack == nil || *snap.VideoTrack != "v0" {
		t.Errorf("controller track: got %v, want v0", snap.VideoTrack)
	}
}

func TestConversionReusesCachedSubstitute(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0")},
		decodable: map[string]bool{"v0": false},
		source:    []byte("src"),
	}

	var conversions int
	conv := &Converter{
		Video: func(ctx context.Context, in []byte, streamIndex int, progress func(float64)) ([]byte, error) {
			conversions++
			return []byte("out"), nil
		},
	}
	factory := func(ctx context.Context, b []byte) (decode.Session, error) {
		return &stubSession{
			tracks:    []decode.Track{videoTrack("conv-v")},
			decodable: map[string]bool{"conv-v": true},
		}, nil
	}

	sw := NewSwitcher(ctrl, sess, factory, conv, bus, nil)
	for i := 0; i < 3; i++ {
		if err := sw.SelectVideo(context.Background(), strptr("v0")); err != nil {
			t.Fatalf("SelectVideo #%d: %v", i, err)
		}
	}
	if conversions != 1 {
		t.Errorf("conversions: got %d, want 1", conversions)
	}
}

func TestConversionFailureDegradesToDetached(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0")},
		decodable: map[string]bool{"v0": false},
		source:    []byte("src"),
	}
	conv := &Converter{
		Video: func(ctx context.Context, in []byte, streamIndex int, progress func(float64)) ([]byte, error) {
			return nil, errors.New("encoder crashed")
		},
	}

	ch, cancel := bus.Subscribe()
	defer cancel()

	sw := NewSwitcher(ctrl, sess, func(ctx context.Context, b []byte) (decode.Session, error) {
		t.Fatal("factory must not run after converter failure")
		return nil, nil
	}, conv, bus, nil)

	if err := sw.SelectVideo(context.Background(), strptr("v0")); err != nil {
		t.Fatalf("SelectVideo: %v, want degraded nil", err)
	}
	if got := sw.Selected(decode.KindVideo); got != nil {
		t.Errorf("Selected: got %v, want nil", got)
	}

	var sawError, sawWarning bool
	for {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.ConversionError:
				sawError = true
				if !errors.Is(ev.Err, media.ErrConversionFailed) {
					t.Errorf("conversion error: got %v, want ErrConversionFailed", ev.Err)
				}
			case events.Warning:
				sawWarning = true
			}
			continue
		default:
		}
		break
	}
	if !sawError {
		t.Error("no conversionerror event")
	}
	if !sawWarning {
		t.Error("no warning event")
	}
}

func TestNoConverterDegradesToDetached(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	ctrl := newController(t, bus)
	sess := &stubSession{
		tracks:    []decode.Track{videoTrack("v0")},
		decodable: map[string]bool{"v0": false},
	}
	sw := NewSwitcher(ctrl, sess, nil, nil, bus, nil)

	if err := sw.SelectVideo(context.Background(), strptr("v0")); err != nil {
		t.Fatalf("SelectVideo: %v, want degraded nil", err)
	}
	if got := sw.Selected(decode.KindVideo); got != nil {
		t.Errorf("Selected: got %v, want nil", got)
	}
}
