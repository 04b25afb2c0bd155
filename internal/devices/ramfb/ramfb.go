// Package ramfb implements a RAM-backed linear framebuffer with optional
// double buffering.
package ramfb

import (
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"

	"github.com/tinyrange/captain/internal/hal"
)

// FourCC pixel format codes.
const (
	DRM_FORMAT_XRGB8888 = 0x34325258 // XR24
	DRM_FORMAT_BGRX8888 = 0x34325842 // BX24
	DRM_FORMAT_RGB888   = 0x34324752 // RG24
)

// Config describes the framebuffer geometry.
type Config struct {
	Width  uint32
	Height uint32
	// Stride is bytes per row. Zero means Width times the pixel size.
	Stride uint32
	FourCC uint32
	// DoubleBuffered gives the driver a back buffer that SwapBuffers
	// presents.
	DoubleBuffered bool
}

// RAMFB implements hal.FrameBuffer.
type RAMFB struct {
	name   string
	config Config

	mu      sync.Mutex
	front   []byte
	back    []byte
	frames  uint64
	onFlush func(config Config, pixels []byte)
}

var _ hal.FrameBuffer = (*RAMFB)(nil)

// New allocates the buffers for cfg.
func New(name string, cfg Config) (*RAMFB, error) {
	if cfg.FourCC == 0 {
		cfg.FourCC = DRM_FORMAT_XRGB8888
	}
	bpp := BytesPerPixel(cfg.FourCC)
	if cfg.Stride == 0 {
		cfg.Stride = cfg.Width * uint32(bpp)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, fmt.Errorf("ramfb: invalid dimensions: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Stride < cfg.Width*uint32(bpp) {
		return nil, fmt.Errorf("ramfb: stride %d too small for width %d", cfg.Stride, cfg.Width)
	}

	size := uint64(cfg.Stride) * uint64(cfg.Height)
	// Cap maximum size to prevent huge allocations (256MB limit)
	const maxSize = 256 * 1024 * 1024
	if size > maxSize {
		return nil, fmt.Errorf("ramfb: framebuffer too large: %d bytes", size)
	}

	r := &RAMFB{name: name, config: cfg, front: make([]byte, size)}
	if cfg.DoubleBuffered {
		r.back = make([]byte, size)
	}
	return r, nil
}

func (r *RAMFB) Driver() string       { return r.name }
func (r *RAMFB) Manufacturer() string { return "tinyrange" }
func (r *RAMFB) Model() string        { return "ramfb" }

func (r *RAMFB) Width() int  { return int(r.config.Width) }
func (r *RAMFB) Height() int { return int(r.config.Height) }
func (r *RAMFB) Stride() int { return int(r.config.Stride) }

func (r *RAMFB) SupportsDoubleBuffering() bool { return r.config.DoubleBuffered }

// AreBufferSwapsAutomatic is false: a double buffered RAMFB presents only on
// SwapBuffers.
func (r *RAMFB) AreBufferSwapsAutomatic() bool { return false }

// Pixels implements hal.FrameBuffer.
func (r *RAMFB) Pixels() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.back != nil {
		return r.back
	}
	return r.front
}

// SwapBuffers implements hal.FrameBuffer. Without double buffering it only
// notifies the flush callback.
func (r *RAMFB) SwapBuffers() error {
	r.mu.Lock()
	if r.back != nil {
		r.front, r.back = r.back, r.front
	}
	r.frames++
	front := r.front
	onFlush := r.onFlush
	config := r.config
	frames := r.frames
	r.mu.Unlock()

	if frames == 1 {
		slog.Debug("ramfb: first frame", "name", r.name, "width", config.Width, "height", config.Height)
	}
	if onFlush != nil {
		onFlush(config, front)
	}
	return nil
}

// Front returns the buffer currently presented.
func (r *RAMFB) Front() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.front
}

// Frames returns the number of SwapBuffers calls.
func (r *RAMFB) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// SetOnFlush sets fn to run after every SwapBuffers with the presented
// buffer. fn must not keep pixels past its return.
func (r *RAMFB) SetOnFlush(fn func(config Config, pixels []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFlush = fn
}

// BytesPerPixel returns the number of bytes per pixel for a given FourCC format.
func BytesPerPixel(fourcc uint32) int {
	switch fourcc {
	case DRM_FORMAT_XRGB8888, DRM_FORMAT_BGRX8888:
		return 4
	case DRM_FORMAT_RGB888:
		return 3
	default:
		return 4 // Default to 32-bit
	}
}

// Image decodes a presented frame. Pixel formats store their bytes little
// endian, so XRGB8888 sits in memory as B, G, R, X.
func Image(config Config, pixels []byte) *image.RGBA {
	w, h := int(config.Width), int(config.Height)
	bpp := BytesPerPixel(config.FourCC)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := pixels[y*int(config.Stride):]
		for x := 0; x < w; x++ {
			px := row[x*bpp:]
			c := color.RGBA{A: 0xff}
			switch config.FourCC {
			case DRM_FORMAT_BGRX8888, DRM_FORMAT_RGB888:
				c.R, c.G, c.B = px[0], px[1], px[2]
			default:
				c.R, c.G, c.B = px[2], px[1], px[0]
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
