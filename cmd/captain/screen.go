package main

import (
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tinyrange/captain/internal/devices/ramfb"
	"github.com/tinyrange/captain/internal/hal"
)

type frame struct {
	config ramfb.Config
	pixels []byte
	count  uint64
}

// screens keeps the last frame every watched framebuffer presented.
type screens struct {
	mu     sync.Mutex
	latest map[string]*frame
}

func watchScreens(fbs []*ramfb.RAMFB) *screens {
	s := &screens{latest: make(map[string]*frame)}
	for _, fb := range fbs {
		name := fb.Driver()
		fb.SetOnFlush(func(config ramfb.Config, pixels []byte) {
			s.mu.Lock()
			defer s.mu.Unlock()
			f := s.latest[name]
			if f == nil {
				f = &frame{config: config}
				s.latest[name] = f
			}
			f.pixels = append(f.pixels[:0], pixels...)
			f.count++
		})
	}
	return s
}

// save writes dir/<name>.png for every framebuffer that presented a frame.
func (s *screens) save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.latest))
	for name := range s.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f := s.latest[name]
		path := filepath.Join(dir, name+".png")
		out, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create screenshot: %w", err)
		}
		err = png.Encode(out, ramfb.Image(f.config, f.pixels))
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		slog.Info("captain: saved framebuffer", "path", path, "frames", f.count)
	}
	return nil
}

var barColor = [4]byte{0x40, 0xc0, 0x40, 0x00}

// drawBar fills columns [0, tick mod width] and clears the rest. The board's
// framebuffers are XRGB8888.
func drawBar(fb hal.FrameBuffer, tick uint64) {
	w, h, stride := fb.Width(), fb.Height(), fb.Stride()
	if w == 0 {
		return
	}
	edge := int(tick % uint64(w))
	pixels := fb.Pixels()
	for y := 0; y < h; y++ {
		row := pixels[y*stride : y*stride+w*4]
		for x := 0; x < w; x++ {
			px := row[x*4 : x*4+4]
			if x <= edge {
				copy(px, barColor[:])
			} else {
				clear(px)
			}
		}
	}
}
