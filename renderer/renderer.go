// Package renderer turns decoded frames into pixels on an output surface.
// Backends form a closed variant set (accelerated, software, baseline)
// resolved through an explicit fallback chain: the preferred backend is
// tried first, the baseline backend is always constructible, and a Manager
// owns the single backend bound to the surface at any moment.
package renderer

import (
	"errors"
	"image"

	"github.com/sylvite/cadence/media"
)

// Kind names a renderer backend variant.
type Kind string

const (
	KindAccelerated Kind = "accelerated"
	KindSoftware    Kind = "software"
	KindBaseline    Kind = "baseline"
)

// fallbackOrder is the probe order when the preferred backend fails. The
// baseline entry is last and must never fail to construct.
var fallbackOrder = []Kind{KindAccelerated, KindSoftware, KindBaseline}

// ErrZeroExtent reports that the surface currently has no drawable area.
// Presentation against a zero-extent surface is retried by the caller, not
// treated as failure.
var ErrZeroExtent = errors.New("surface has zero extent")

// Surface is the drawable target the engine presents into. Exactly one
// backend is bound to a surface at a time.
type Surface interface {
	// Size returns the current drawable dimensions in pixels.
	Size() (width, height int)
}

// PixelSurface is a Surface that accepts a software-composited RGBA image.
// The baseline backend requires it; surfaces that only expose a native
// window are served by the SDL backends.
type PixelSurface interface {
	Surface
	DrawRGBA(img *image.RGBA) error
}

// Backend renders frames onto the surface it was constructed against.
// Implementations are not safe for concurrent use; the Manager serializes
// access.
type Backend interface {
	Kind() Kind
	Ready() bool
	Present(f *media.VideoFrame) error
	Dispose()
}

// Constructor builds a backend bound to the given surface. Constructors
// report failure by error; the chain moves on to the next candidate.
type Constructor func(s Surface) (Backend, error)

// platformConstructors holds the hardware-capable backends registered at
// init time (see sdl.go). The baseline backend is not listed here; the
// chain always carries it.
var platformConstructors = map[Kind]Constructor{}
