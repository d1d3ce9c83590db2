package upload

import (
	"bytes"
	"image"
	"image/png"
	"sync"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
)

// thumbnailMaxDim bounds the longest edge of a generated thumbnail.
const thumbnailMaxDim = 256

// renderThumbnail decodes raw image bytes and scales them down so the
// longest edge is at most maxDim, preserving aspect ratio. Images already
// within bounds are re-encoded unscaled.
func renderThumbnail(raw []byte, maxDim int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if w > maxDim || h > maxDim {
		if w >= h {
			h = h * maxDim / w
			w = maxDim
		} else {
			w = w * maxDim / h
			h = maxDim
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		src = dst
	}

	var out bytes.Buffer
	if err := png.Encode(&out, src); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// thumbnailCache is a small bounded cache of rendered thumbnails keyed by
// file handle. Eviction is arbitrary; thumbnails are cheap to regenerate.
type thumbnailCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	cap     int
}

func newThumbnailCache(capacity int) *thumbnailCache {
	return &thumbnailCache{entries: make(map[string][]byte), cap: capacity}
}

func (c *thumbnailCache) get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *thumbnailCache) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.cap {
		for k := range c.entries {
			delete(c.entries, k)
			break
		}
	}
	c.entries[key] = value
}
