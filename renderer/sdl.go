package renderer

import (
	"fmt"
	"log/slog"

	"github.com/veandco/go-sdl2/sdl"

	"github.com/sylvite/cadence/media"
)

func init() {
	platformConstructors[KindAccelerated] = func(s Surface) (Backend, error) {
		return newSDLBackend(s, KindAccelerated)
	}
	platformConstructors[KindSoftware] = func(s Surface) (Backend, error) {
		return newSDLBackend(s, KindSoftware)
	}
}

// WindowSurface is implemented by surfaces that expose a native SDL window.
// The accelerated and software backends require it; surfaces without a
// window (headless, tests) fall through the chain to the baseline backend.
type WindowSurface interface {
	Surface
	SDLWindow() *sdl.Window
}

// sdlBackend renders through an SDL renderer bound to the surface's window,
// streaming RGBA frames into a texture and copying it letterboxed.
type sdlBackend struct {
	log      *slog.Logger
	kind     Kind
	surface  Surface
	renderer *sdl.Renderer
	texture  *sdl.Texture

	frameW, frameH   int // texture geometry, recreated when the video size changes
	targetW, targetH int // cached output size, revalidated lazily on Present
}

func newSDLBackend(s Surface, kind Kind) (Backend, error) {
	ws, ok := s.(WindowSurface)
	if !ok {
		return nil, fmt.Errorf("%w: surface exposes no native window", media.ErrRendererUnavailable)
	}

	flags := uint32(sdl.RENDERER_ACCELERATED | sdl.RENDERER_PRESENTVSYNC)
	if kind == KindSoftware {
		flags = sdl.RENDERER_SOFTWARE
	}
	r, err := sdl.CreateRenderer(ws.SDLWindow(), -1, flags)
	if err != nil {
		return nil, fmt.Errorf("%w: create renderer: %v", media.ErrRendererUnavailable, err)
	}

	return &sdlBackend{
		log:      slog.With("component", "renderer", "backend", kind),
		kind:     kind,
		surface:  s,
		renderer: r,
	}, nil
}

func (b *sdlBackend) Kind() Kind  { return b.kind }
func (b *sdlBackend) Ready() bool { return b.renderer != nil }

func (b *sdlBackend) Present(f *media.VideoFrame) error {
	if b.renderer == nil {
		return fmt.Errorf("present: %w", media.ErrInvalidState)
	}
	w, h := b.surface.Size()
	if w <= 0 || h <= 0 {
		return ErrZeroExtent
	}
	if w != b.targetW || h != b.targetH {
		// The renderer output follows the window automatically; only the
		// cached size used for letterbox math needs updating.
		b.targetW, b.targetH = w, h
		b.log.Debug("output resized", "width", w, "height", h)
	}

	if err := b.ensureTexture(f.Width, f.Height); err != nil {
		return err
	}
	if err := b.texture.Update(nil, f.Pixels, f.Width*4); err != nil {
		return fmt.Errorf("texture update: %w", err)
	}

	if err := b.renderer.SetDrawColor(0, 0, 0, 255); err != nil {
		return fmt.Errorf("set draw color: %w", err)
	}
	if err := b.renderer.Clear(); err != nil {
		return fmt.Errorf("clear: %w", err)
	}

	dst := letterboxRect(f.Width, f.Height, w, h)
	if err := b.renderer.Copy(b.texture, nil, &dst); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	b.renderer.Present()
	return nil
}

func (b *sdlBackend) ensureTexture(w, h int) error {
	if b.texture != nil && w == b.frameW && h == b.frameH {
		return nil
	}
	if b.texture != nil {
		_ = b.texture.Destroy()
		b.texture = nil
	}
	t, err := b.renderer.CreateTexture(
		uint32(sdl.PIXELFORMAT_ABGR8888), sdl.TEXTUREACCESS_STREAMING,
		int32(w), int32(h))
	if err != nil {
		return fmt.Errorf("create texture: %w", err)
	}
	b.texture = t
	b.frameW, b.frameH = w, h
	return nil
}

func (b *sdlBackend) Dispose() {
	if b.texture != nil {
		_ = b.texture.Destroy()
		b.texture = nil
	}
	if b.renderer != nil {
		_ = b.renderer.Destroy()
		b.renderer = nil
	}
}

// letterboxRect computes the centered destination rectangle that preserves
// the frame's aspect ratio inside the output.
func letterboxRect(frameW, frameH, outW, outH int) sdl.Rect {
	scale := float64(outW) / float64(frameW)
	if s := float64(outH) / float64(frameH); s < scale {
		scale = s
	}
	rw := int32(float64(frameW) * scale)
	rh := int32(float64(frameH) * scale)
	return sdl.Rect{
		X: (int32(outW) - rw) / 2,
		Y: (int32(outH) - rh) / 2,
		W: rw,
		H: rh,
	}
}

// Window wraps an SDL window as a WindowSurface for the demo binary.
type Window struct {
	win *sdl.Window
}

// NewWindow creates a resizable SDL window. SDL video must be initialized
// by the caller before use.
func NewWindow(title string, width, height int) (*Window, error) {
	win, err := sdl.CreateWindow(title,
		sdl.WINDOWPOS_CENTERED, sdl.WINDOWPOS_CENTERED,
		int32(width), int32(height), sdl.WINDOW_SHOWN|sdl.WINDOW_RESIZABLE)
	if err != nil {
		return nil, fmt.Errorf("create window: %w", err)
	}
	return &Window{win: win}, nil
}

// Size returns the window's current drawable size.
func (w *Window) Size() (int, int) {
	width, height := w.win.GetSize()
	return int(width), int(height)
}

// SDLWindow exposes the native window for the SDL backends.
func (w *Window) SDLWindow() *sdl.Window { return w.win }

// Close destroys the window.
func (w *Window) Close() error {
	return w.win.Destroy()
}
