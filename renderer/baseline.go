package renderer

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/sylvite/cadence/media"
)

// baseline is the pure-Go backend of last resort. Construction never fails;
// it scales frames with nearest-neighbor sampling into a letterboxed RGBA
// target and hands the result to the surface. If the surface cannot accept
// pixels at all, frames are dropped with a debug log so playback itself
// keeps running.
type baseline struct {
	log     *slog.Logger
	surface Surface

	target *image.RGBA
	tw, th int // cached target size, revalidated lazily on Present
}

func newBaseline(s Surface) (Backend, error) {
	return &baseline{
		log:     slog.With("component", "renderer", "backend", KindBaseline),
		surface: s,
	}, nil
}

func (b *baseline) Kind() Kind  { return KindBaseline }
func (b *baseline) Ready() bool { return true }

func (b *baseline) Present(f *media.VideoFrame) error {
	w, h := b.surface.Size()
	if w <= 0 || h <= 0 {
		return ErrZeroExtent
	}

	ps, ok := b.surface.(PixelSurface)
	if !ok {
		b.log.Debug("surface accepts no pixel data, dropping frame", "pts", f.PTS)
		return nil
	}

	// Recreate the composition target only when the surface actually
	// changed size since the last present.
	if b.target == nil || w != b.tw || h != b.th {
		b.target = image.NewRGBA(image.Rect(0, 0, w, h))
		b.tw, b.th = w, h
		b.log.Debug("composition target resized", "width", w, "height", h)
	}

	blitLetterboxed(b.target, f)

	if err := ps.DrawRGBA(b.target); err != nil {
		return fmt.Errorf("draw: %w", err)
	}
	return nil
}

func (b *baseline) Dispose() {
	b.target = nil
}

// blitLetterboxed scales src into dst preserving aspect ratio, centering
// the picture and clearing the bars to black.
func blitLetterboxed(dst *image.RGBA, f *media.VideoFrame) {
	bounds := dst.Bounds()
	dw, dh := bounds.Dx(), bounds.Dy()
	if f.Width == 0 || f.Height == 0 {
		return
	}

	scale := float64(dw) / float64(f.Width)
	if s := float64(dh) / float64(f.Height); s < scale {
		scale = s
	}
	rw := int(float64(f.Width) * scale)
	rh := int(float64(f.Height) * scale)
	offX := (dw - rw) / 2
	offY := (dh - rh) / 2

	for i := range dst.Pix {
		dst.Pix[i] = 0
	}
	// Opaque black bars.
	for i := 3; i < len(dst.Pix); i += 4 {
		dst.Pix[i] = 0xff
	}

	for y := 0; y < rh; y++ {
		sy := y * f.Height / rh
		srcRow := sy * f.Width * 4
		dstRow := (y+offY)*dst.Stride + offX*4
		for x := 0; x < rw; x++ {
			sx := x * f.Width / rw
			si := srcRow + sx*4
			di := dstRow + x*4
			copy(dst.Pix[di:di+4], f.Pixels[si:si+4])
		}
	}
}
