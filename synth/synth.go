// Package synth is a self-contained decode.Session producing color-bar
// video and a sine-tone audio track. It stands in for a real decoding
// engine so the player runs end to end without a demuxer, and its source
// bytes are its own JSON config, which makes the conversion path fully
// exercisable: converting a synth source yields another synth session with
// the capability restrictions lifted.
package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/sylvite/cadence/decode"
	"github.com/sylvite/cadence/media"
)

// Track ids exposed by every synth session.
const (
	VideoTrackID = "v0"
	AudioTrackID = "a0"
)

// poolSize bounds how many recycled frames the session retains.
const poolSize = 8

// audioBufLen is the media-time length of each produced audio buffer.
const audioBufLen = 100 * time.Millisecond

// Config describes the synthetic source. It doubles as the session's
// "container bytes": SourceBytes returns it as JSON and NewFromBytes opens
// it again.
type Config struct {
	Duration   time.Duration `json:"duration"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	FrameRate  float64       `json:"frameRate"`
	SampleRate int           `json:"sampleRate"`
	ToneHz     float64       `json:"toneHz"`

	// Undecodable lists track ids whose capability probe fails, forcing
	// the conversion fallback.
	Undecodable []string `json:"undecodable,omitempty"`
}

// DefaultConfig returns a 30-second 640x360 source at 30 fps with a 440 Hz
// tone.
func DefaultConfig() Config {
	return Config{
		Duration:   30 * time.Second,
		Width:      640,
		Height:     360,
		FrameRate:  30,
		SampleRate: 48000,
		ToneHz:     440,
	}
}

// Session is a synthetic decode session. Safe for concurrent use.
type Session struct {
	cfg         Config
	pool        *media.FramePool
	tracks      []decode.Track
	undecodable map[string]bool

	mu     sync.Mutex
	closed bool
}

// NewSession opens a synthetic session. Zero config fields fall back to
// the defaults.
func NewSession(cfg Config) *Session {
	def := DefaultConfig()
	if cfg.Duration <= 0 {
		cfg.Duration = def.Duration
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = def.FrameRate
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = def.ToneHz
	}

	s := &Session{
		cfg:         cfg,
		pool:        media.NewFramePool(poolSize, cfg.Width, cfg.Height),
		undecodable: make(map[string]bool, len(cfg.Undecodable)),
		tracks: []decode.Track{
			{
				ID: VideoTrackID, Kind: decode.KindVideo, Codec: "synth-bars",
				StreamIndex: 0, Duration: cfg.Duration,
				Width: cfg.Width, Height: cfg.Height, FrameRate: cfg.FrameRate,
			},
			{
				ID: AudioTrackID, Kind: decode.KindAudio, Codec: "synth-tone",
				StreamIndex: 1, Duration: cfg.Duration,
				SampleRate: cfg.SampleRate, Channels: 2,
			},
		},
	}
	for _, id := range cfg.Undecodable {
		s.undecodable[id] = true
	}
	return s
}

// NewFromBytes reopens JSON config bytes as a fresh session with every
// track decodable. It satisfies decode.Factory, standing in for the
// post-conversion container open.
func NewFromBytes(ctx context.Context, src []byte) (decode.Session, error) {
	var cfg Config
	if err := json.Unmarshal(src, &cfg); err != nil {
		return nil, fmt.Errorf("synth: parse source: %w", err)
	}
	cfg.Undecodable = nil
	return NewSession(cfg), nil
}

// Tracks lists the video and audio tracks.
func (s *Session) Tracks() []decode.Track {
	out := make([]decode.Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track looks a track up by id.
func (s *Session) Track(id string) (decode.Track, bool) {
	for _, t := range s.tracks {
		if t.ID == id {
			return t, true
		}
	}
	return decode.Track{}, false
}

// CanDecode reports whether the track exists and is not configured as
// undecodable.
func (s *Session) CanDecode(id string) bool {
	if _, ok := s.Track(id); !ok {
		return false
	}
	return !s.undecodable[id]
}

// Frames opens the color-bar frame sequence at or after from, aligned to
// the frame grid.
func (s *Session) Frames(ctx context.Context, id string, from time.Duration) (decode.FrameIterator, error) {
	track, err := s.openable(id, decode.KindVideo)
	if err != nil {
		return nil, err
	}
	interval := track.FrameInterval()
	n := (from + interval - 1) / interval
	return &frameIter{sess: s, interval: interval, next: n * interval}, nil
}

// Samples opens the sine-tone sample sequence starting exactly at from.
func (s *Session) Samples(ctx context.Context, id string, from time.Duration) (decode.SampleIterator, error) {
	if _, err := s.openable(id, decode.KindAudio); err != nil {
		return nil, err
	}
	return &sampleIter{sess: s, next: from}, nil
}

// SourceBytes returns the session config as JSON, the synth stand-in for
// raw container bytes.
func (s *Session) SourceBytes(ctx context.Context) ([]byte, error) {
	return json.Marshal(s.cfg)
}

// Close marks the session closed; open iterators finish their current pull
// and then fail.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Session) openable(id string, kind decode.Kind) (decode.Track, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return decode.Track{}, fmt.Errorf("synth: session closed: %w", media.ErrInvalidState)
	}
	track, ok := s.Track(id)
	if !ok || track.Kind != kind {
		return decode.Track{}, fmt.Errorf("synth: no %s track %q: %w", kind, id, media.ErrInvalidTrackID)
	}
	if s.undecodable[id] {
		return decode.Track{}, fmt.Errorf("synth: track %q: %w", id, media.ErrUnsupportedCodec)
	}
	return track, nil
}

type frameIter struct {
	sess     *Session
	interval time.Duration
	next     time.Duration
}

func (it *frameIter) Next(ctx context.Context) (*media.VideoFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := it.sess
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("synth: session closed: %w", media.ErrInvalidState)
	}
	if it.next >= s.cfg.Duration {
		return nil, io.EOF
	}

	f := s.pool.Get()
	f.PTS = it.next
	drawBars(f, it.next)
	it.next += it.interval
	return f, nil
}

func (it *frameIter) Close() error { return nil }

// barColors is a seven-band palette in RGBA order.
var barColors = [7][4]byte{
	{235, 235, 235, 255}, // white
	{235, 235, 16, 255},  // yellow
	{16, 235, 235, 255},  // cyan
	{16, 235, 16, 255},   // green
	{235, 16, 235, 255},  // magenta
	{235, 16, 16, 255},   // red
	{16, 16, 235, 255},   // blue
}

// drawBars fills the frame with vertical color bars plus a sweeping dark
// column so motion is visible at a glance.
func drawBars(f *media.VideoFrame, t time.Duration) {
	sweep := int(t.Seconds()*float64(f.Width)/4) % f.Width
	for y := 0; y < f.Height; y++ {
		row := f.Pixels[y*f.Width*4:]
		for x := 0; x < f.Width; x++ {
			c := barColors[x*len(barColors)/f.Width]
			if x == sweep {
				c = [4]byte{0, 0, 0, 255}
			}
			copy(row[x*4:x*4+4], c[:])
		}
	}
}

type sampleIter struct {
	sess *Session
	next time.Duration
}

func (it *sampleIter) Next(ctx context.Context) (*media.AudioBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := it.sess
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("synth: session closed: %w", media.ErrInvalidState)
	}
	if it.next >= s.cfg.Duration {
		return nil, io.EOF
	}

	span := audioBufLen
	if rem := s.cfg.Duration - it.next; rem < span {
		span = rem
	}
	rate := s.cfg.SampleRate
	n := int(float64(rate) * span.Seconds())
	if n == 0 {
		return nil, io.EOF
	}

	// Phase derives from absolute media time, so buffers are continuous
	// across seeks and buffer boundaries.
	const amp = 0.2
	buf := &media.AudioBuffer{PTS: it.next, SampleRate: rate, Samples: make([][2]float64, n)}
	base := it.next.Seconds()
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*s.cfg.ToneHz*(base+float64(i)/float64(rate)))
		buf.Samples[i] = [2]float64{v, v}
	}
	it.next = buf.End()
	return buf, nil
}

func (it *sampleIter) Close() error { return nil }
