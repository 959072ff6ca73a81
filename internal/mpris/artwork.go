package mpris

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/image/draw"
)

const thumbnailSize = 300

// ArtCache downscales AVRCP/MPD cover art to a fixed-size thumbnail and
// writes it under a stable path so it can be exposed as mpris:artUrl (a
// file:// URI, per the MPRIS convention that artUrl need not be an http
// resource).
type ArtCache struct {
	mu  sync.Mutex
	dir string
}

// NewArtCache creates a cache rooted at $TMPDIR/btaudiod-art (spec §4.5
// leaves storage location unspecified; the original implementation did not
// downscale art at all, so this is a supplemented feature).
func NewArtCache() *ArtCache {
	dir := filepath.Join(os.TempDir(), "btaudiod-art")
	os.MkdirAll(dir, 0o755)
	return &ArtCache{dir: dir}
}

// Store decodes raw cover-art bytes, downscales to a thumbnailSize square
// (preserving aspect ratio, letterboxed), writes it as a JPEG keyed by the
// content hash, and returns a file:// URL suitable for mpris:artUrl.
func (c *ArtCache) Store(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	sum := sha1.Sum(raw)
	name := hex.EncodeToString(sum[:]) + ".jpg"

	c.mu.Lock()
	defer c.mu.Unlock()
	path := filepath.Join(c.dir, name)
	if _, err := os.Stat(path); err == nil {
		return "file://" + path, nil
	}

	src, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("mpris: decode art: %w", err)
	}

	thumb := image.NewRGBA(image.Rect(0, 0, thumbnailSize, thumbnailSize))
	sb := src.Bounds()
	w, h := thumbnailSize, thumbnailSize
	if sb.Dx() > sb.Dy() {
		h = thumbnailSize * sb.Dy() / sb.Dx()
	} else if sb.Dy() > sb.Dx() {
		w = thumbnailSize * sb.Dx() / sb.Dy()
	}
	off := image.Pt((thumbnailSize-w)/2, (thumbnailSize-h)/2)
	draw.CatmullRom.Scale(thumb, image.Rectangle{Min: off, Max: off.Add(image.Pt(w, h))}, src, sb, draw.Over, nil)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("mpris: write thumbnail: %w", err)
	}
	defer f.Close()
	if err := jpeg.Encode(f, thumb, &jpeg.Options{Quality: 85}); err != nil {
		return "", fmt.Errorf("mpris: encode thumbnail: %w", err)
	}
	return "file://" + path, nil
}
