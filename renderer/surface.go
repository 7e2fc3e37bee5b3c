package renderer

import (
	"image"
	"sync"
)

// ImageSurface is an in-memory PixelSurface. It backs headless playback
// (no display attached) and the test suite.
type ImageSurface struct {
	mu     sync.Mutex
	width  int
	height int
	last   *image.RGBA
	draws  int
}

// NewImageSurface creates a surface with the given drawable size.
func NewImageSurface(width, height int) *ImageSurface {
	return &ImageSurface{width: width, height: height}
}

// Size returns the current drawable dimensions.
func (s *ImageSurface) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

// Resize changes the drawable dimensions. The active backend picks the new
// size up lazily on its next present.
func (s *ImageSurface) Resize(width, height int) {
	s.mu.Lock()
	s.width = width
	s.height = height
	s.mu.Unlock()
}

// DrawRGBA stores the composited image.
func (s *ImageSurface) DrawRGBA(img *image.RGBA) error {
	s.mu.Lock()
	s.last = img
	s.draws++
	s.mu.Unlock()
	return nil
}

// Last returns the most recently drawn image, or nil.
func (s *ImageSurface) Last() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// DrawCount returns how many times the surface has been drawn to.
func (s *ImageSurface) DrawCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draws
}
