// Package tracks serializes track selection and owns the conversion
// fallback. Requests for the same track kind are totally ordered by a
// per-kind lock: a second select queues strictly behind the first and no
// two switches for one kind ever run concurrently. A track the decode
// session cannot handle is re-encoded through the conversion collaborator
// and substituted under its original id; any failure on that path degrades
// to a detached track instead of failing the session.
package tracks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sylvite/cadence/decode"
	"github.com/sylvite/cadence/events"
	"github.com/sylvite/cadence/media"
	"github.com/sylvite/cadence/player"
)

// ConvertFunc re-encodes one stream of the raw source into a decodable
// form, reporting progress in [0, 1].
type ConvertFunc func(ctx context.Context, src []byte, streamIndex int, progress func(float64)) ([]byte, error)

// Converter is the conversion collaborator, one function per track kind.
// A nil function means conversion is unavailable for that kind.
type Converter struct {
	Video ConvertFunc
	Audio ConvertFunc
}

// Conversion progress milestones. The converter's own progress reports are
// mapped into the span between the two fixed stages.
const (
	progressConverting = 0.4
	progressFinalizing = 0.8
)

// Switcher routes track selection to the controller. All public methods
// are safe for concurrent use.
type Switcher struct {
	log     *slog.Logger
	ctrl    *player.Controller
	bus     *events.Bus
	factory decode.Factory
	conv    *Converter

	// locks serialize selection per kind; semaphore waiters are FIFO, which
	// is what gives same-kind requests their total order.
	locks map[decode.Kind]*semaphore.Weighted

	mu        sync.Mutex
	sess      decode.Session
	selected  map[decode.Kind]*string
	converted map[string]decode.Session
}

// NewSwitcher creates a switcher over the live decode session. factory
// opens converted bytes as a new session; conv may be nil when no
// conversion collaborator is configured. If log is nil, slog.Default() is
// used.
func NewSwitcher(ctrl *player.Controller, sess decode.Session, factory decode.Factory, conv *Converter, bus *events.Bus, log *slog.Logger) *Switcher {
	if log == nil {
		log = slog.Default()
	}
	return &Switcher{
		log:     log.With("component", "tracks"),
		ctrl:    ctrl,
		bus:     bus,
		factory: factory,
		conv:    conv,
		sess:    sess,
		locks: map[decode.Kind]*semaphore.Weighted{
			decode.KindVideo: semaphore.NewWeighted(1),
			decode.KindAudio: semaphore.NewWeighted(1),
		},
		selected:  make(map[decode.Kind]*string),
		converted: make(map[string]decode.Session),
	}
}

// SelectVideo selects the video track with the given id, or detaches video
// when id is nil.
func (s *Switcher) SelectVideo(ctx context.Context, id *string) error {
	return s.SelectTrack(ctx, decode.KindVideo, id)
}

// SelectAudio selects the audio track with the given id, or detaches audio
// when id is nil.
func (s *Switcher) SelectAudio(ctx context.Context, id *string) error {
	return s.SelectTrack(ctx, decode.KindAudio, id)
}

// SelectTrack attaches the identified track of the given kind, converting
// it first when the session cannot decode it natively. An unknown id is an
// error; every other failure emits a warning and leaves the kind detached.
func (s *Switcher) SelectTrack(ctx context.Context, kind decode.Kind, id *string) error {
	sem, ok := s.locks[kind]
	if !ok {
		return fmt.Errorf("tracks: unknown kind %q: %w", kind, media.ErrInvalidState)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("tracks: acquire %s lock: %w", kind, err)
	}
	defer sem.Release(1)

	if id == nil {
		s.detach(kind)
		s.publishChange(kind, nil)
		return nil
	}

	s.mu.Lock()
	sess := s.sess
	cached := s.converted[*id]
	s.mu.Unlock()

	track, ok := sess.Track(*id)
	if !ok || track.Kind != kind {
		return fmt.Errorf("tracks: no %s track %q: %w", kind, *id, media.ErrInvalidTrackID)
	}

	if cached != nil {
		if ct, ok := cached.Track(*id); ok && cached.CanDecode(*id) {
			return s.attach(kind, cached, ct)
		}
		// The cached substitute went bad; fall through and rebuild it.
		s.mu.Lock()
		delete(s.converted, *id)
		s.mu.Unlock()
	}

	if sess.CanDecode(track.ID) {
		return s.attach(kind, sess, track)
	}

	convSess, convTrack, err := s.convert(ctx, sess, track)
	if err != nil {
		s.degrade(kind, track.ID, err)
		return nil
	}
	s.mu.Lock()
	s.converted[track.ID] = convSess
	s.mu.Unlock()
	return s.attach(kind, convSess, convTrack)
}

// Selected returns the currently selected track id for the kind, nil when
// detached.
func (s *Switcher) Selected(kind decode.Kind) *string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected[kind]
}

// Close releases every substituted decode session. The live session stays
// with its owner.
func (s *Switcher) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.converted {
		if err := sess.Close(); err != nil {
			s.log.Debug("converted session close", "track", id, "error", err)
		}
		delete(s.converted, id)
	}
	return nil
}

func (s *Switcher) attach(kind decode.Kind, sess decode.Session, track decode.Track) error {
	var err error
	switch kind {
	case decode.KindVideo:
		err = s.ctrl.AttachVideo(sess, track)
	case decode.KindAudio:
		err = s.ctrl.AttachAudio(sess, track)
	}
	if err != nil {
		s.degrade(kind, track.ID, err)
		return nil
	}

	id := track.ID
	s.mu.Lock()
	s.selected[kind] = &id
	s.mu.Unlock()

	s.log.Info("track selected", "kind", kind, "track", id, "converted", track.Converted)
	s.publishChange(kind, &id)
	return nil
}

func (s *Switcher) detach(kind decode.Kind) {
	switch kind {
	case decode.KindVideo:
		s.ctrl.DetachVideo()
	case decode.KindAudio:
		s.ctrl.DetachAudio()
	}
	s.mu.Lock()
	s.selected[kind] = nil
	s.mu.Unlock()
}

// degrade detaches the kind after a non-fatal failure and reports it.
// Playback continues with the remaining kind.
func (s *Switcher) degrade(kind decode.Kind, id string, err error) {
	s.log.Warn("track unusable, detaching", "kind", kind, "track", id, "error", err)
	s.detach(kind)
	s.bus.Publish(events.Event{Type: events.Warning, Err: err})
	s.publishChange(kind, nil)
}

// convert runs one conversion job: source bytes in, substitute session and
// track out. The returned track carries the original id and Converted set.
func (s *Switcher) convert(ctx context.Context, sess decode.Session, track decode.Track) (decode.Session, decode.Track, error) {
	fn := s.convertFunc(track.Kind)
	if fn == nil {
		return nil, decode.Track{}, fmt.Errorf("tracks: no converter for %s codec %q: %w",
			track.Kind, track.Codec, media.ErrUnsupportedCodec)
	}

	jobID := uuid.NewString()
	id := track.ID
	s.bus.Publish(events.Event{
		Type: events.ConversionStart, JobID: jobID,
		TrackKind: string(track.Kind), TrackID: &id,
	})
	s.log.Info("conversion started", "job", jobID, "track", id, "codec", track.Codec)

	fail := func(err error) (decode.Session, decode.Track, error) {
		err = fmt.Errorf("tracks: convert %s: %w: %w", id, media.ErrConversionFailed, err)
		s.bus.Publish(events.Event{
			Type: events.ConversionError, JobID: jobID,
			TrackKind: string(track.Kind), TrackID: &id, Err: err,
		})
		return nil, decode.Track{}, err
	}

	src, err := sess.SourceBytes(ctx)
	if err != nil {
		return fail(err)
	}

	s.publishProgress(jobID, track, progressConverting, "converting")
	progress := func(p float64) {
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
		scaled := progressConverting + p*(progressFinalizing-progressConverting)
		s.publishProgress(jobID, track, scaled, "converting")
	}

	out, err := fn(ctx, src, track.StreamIndex, progress)
	if err != nil {
		return fail(err)
	}
	s.publishProgress(jobID, track, progressFinalizing, "finalizing")

	opened, err := s.factory(ctx, out)
	if err != nil {
		return fail(err)
	}
	native, ok := findDecodable(opened, track.Kind)
	if !ok {
		opened.Close()
		return fail(fmt.Errorf("converted output has no decodable %s track", track.Kind))
	}
	// Substitute under the original id: consumers keep addressing the track
	// they selected, the wrapper routes to the re-encoded stream.
	convSess := &substituteSession{Session: opened, alias: track.ID, native: native.ID}
	convTrack := native
	convTrack.ID = track.ID
	convTrack.Converted = true

	s.publishProgress(jobID, track, 1, "done")
	s.bus.Publish(events.Event{
		Type: events.ConversionComplete, JobID: jobID, Progress: 1,
		TrackKind: string(track.Kind), TrackID: &id,
	})
	s.log.Info("conversion complete", "job", jobID, "track", id)
	return convSess, convTrack, nil
}

// findDecodable returns the session's first decodable track of the kind.
func findDecodable(sess decode.Session, kind decode.Kind) (decode.Track, bool) {
	for _, t := range sess.Tracks() {
		if t.Kind == kind && sess.CanDecode(t.ID) {
			return t, true
		}
	}
	return decode.Track{}, false
}

// substituteSession presents a converted session under the original
// track's id so selection bookkeeping and decode lookups stay keyed by the
// id the caller asked for.
type substituteSession struct {
	decode.Session
	alias  string
	native string
}

func (s *substituteSession) resolve(id string) string {
	if id == s.alias {
		return s.native
	}
	return id
}

func (s *substituteSession) Tracks() []decode.Track {
	tracks := s.Session.Tracks()
	out := make([]decode.Track, len(tracks))
	for i, t := range tracks {
		if t.ID == s.native {
			t.ID = s.alias
			t.Converted = true
		}
		out[i] = t
	}
	return out
}

func (s *substituteSession) Track(id string) (decode.Track, bool) {
	t, ok := s.Session.Track(s.resolve(id))
	if ok && t.ID == s.native {
		t.ID = s.alias
		t.Converted = true
	}
	return t, ok
}

func (s *substituteSession) CanDecode(id string) bool {
	return s.Session.CanDecode(s.resolve(id))
}

func (s *substituteSession) Frames(ctx context.Context, id string, from time.Duration) (decode.FrameIterator, error) {
	return s.Session.Frames(ctx, s.resolve(id), from)
}

func (s *substituteSession) Samples(ctx context.Context, id string, from time.Duration) (decode.SampleIterator, error) {
	return s.Session.Samples(ctx, s.resolve(id), from)
}

func (s *Switcher) convertFunc(kind decode.Kind) ConvertFunc {
	if s.conv == nil {
		return nil
	}
	switch kind {
	case decode.KindVideo:
		return s.conv.Video
	case decode.KindAudio:
		return s.conv.Audio
	}
	return nil
}

func (s *Switcher) publishProgress(jobID string, track decode.Track, p float64, stage string) {
	id := track.ID
	s.bus.Publish(events.Event{
		Type: events.ConversionProgress, JobID: jobID, Progress: p, Stage: stage,
		TrackKind: string(track.Kind), TrackID: &id,
	})
}

func (s *Switcher) publishChange(kind decode.Kind, id *string) {
	s.bus.Publish(events.Event{Type: events.TrackChange, TrackKind: string(kind), TrackID: id})
}
