package media

// FramePool recycles VideoFrame allocations for a fixed picture geometry.
// The pool is bounded: at most size frames are retained, surplus releases
// are dropped on the floor for the garbage collector. Pixels slices are
// reused, so a frame must never be read after Release.
type FramePool struct {
	width  int
	height int
	frames chan *VideoFrame
}

// NewFramePool creates a pool holding up to size frames of the given
// geometry.
func NewFramePool(size, width, height int) *FramePool {
	return &FramePool{
		width:  width,
		height: height,
		frames: make(chan *VideoFrame, size),
	}
}

// Get returns a recycled frame, or a freshly allocated one when the pool is
// empty. The returned frame has zeroed metadata and a full-size Pixels slice.
func (p *FramePool) Get() *VideoFrame {
	select {
	case f := <-p.frames:
		f.PTS = 0
		return f
	default:
		return &VideoFrame{
			Width:  p.width,
			Height: p.height,
			Pixels: make([]byte, p.width*p.height*4),
			pool:   p,
		}
	}
}

func (p *FramePool) put(f *VideoFrame) {
	if f.Width != p.width || f.Height != p.height {
		return
	}
	select {
	case p.frames <- f:
	default:
	}
}
