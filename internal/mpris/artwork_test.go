package mpris

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"strings"
	"testing"
)

func encodedSquarePNG(t *testing.T, size int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture png: %v", err)
	}
	return buf.Bytes()
}

func TestArtCache_StoreProducesFileURL(t *testing.T) {
	cache := NewArtCache()
	raw := encodedSquarePNG(t, 64, color.RGBA{R: 200, G: 50, B: 50, A: 255})

	url, err := cache.Store(raw)
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !strings.HasPrefix(url, "file://") {
		t.Fatalf("Store() url = %q, want file:// prefix", url)
	}
	path := strings.TrimPrefix(url, "file://")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("thumbnail not written: %v", err)
	}
}

func TestArtCache_EmptyInputReturnsEmptyURL(t *testing.T) {
	cache := NewArtCache()
	url, err := cache.Store(nil)
	if err != nil {
		t.Fatalf("Store(nil) error = %v", err)
	}
	if url != "" {
		t.Errorf("Store(nil) url = %q, want empty", url)
	}
}

func TestArtCache_StoreIsIdempotentForSameContent(t *testing.T) {
	cache := NewArtCache()
	raw := encodedSquarePNG(t, 32, color.RGBA{R: 10, G: 10, B: 10, A: 255})

	url1, err := cache.Store(raw)
	if err != nil {
		t.Fatalf("first Store() error = %v", err)
	}
	url2, err := cache.Store(raw)
	if err != nil {
		t.Fatalf("second Store() error = %v", err)
	}
	if url1 != url2 {
		t.Errorf("Store() not content-addressed: %q != %q", url1, url2)
	}
}
