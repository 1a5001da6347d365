package storage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif" // register GIF decoder
	"image/jpeg"
	_ "image/png" // register PNG decoder
	"strings"

	"github.com/gen2brain/heic"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder
)

// DefaultQuality is the JPEG quality used for archived copies.
const DefaultQuality = 50

// DefaultMaxPixels bounds the decoded size of an upload (about a 48MP photo).
const DefaultMaxPixels = 50_000_000

// ErrImageTooLarge is returned before decoding an image whose header declares
// more pixels than the configured cap.
var ErrImageTooLarge = errors.New("image dimensions exceed limit")

// Compression controls how archived images are re-encoded.
type Compression struct {
	Quality int
	// MaxDimension caps the longer edge in pixels; zero keeps the size.
	MaxDimension int
	// MaxPixels rejects images larger than width*height before decoding;
	// zero means DefaultMaxPixels.
	MaxPixels int
}

// Compress decodes an uploaded image and re-encodes it as JPEG.
func (c Compression) Compress(data []byte, contentType string) ([]byte, error) {
	img, err := decodeImage(data, contentType, c.maxPixels())
	if err != nil {
		return nil, err
	}

	img = flatten(resize(img, c.MaxDimension))

	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (c Compression) maxPixels() int {
	if c.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return c.MaxPixels
}

func decodeImage(data []byte, contentType string, maxPixels int) (image.Image, error) {
	heif := isHEIC(data, contentType)

	var (
		cfg image.Config
		err error
	)
	if heif {
		cfg, err = heic.DecodeConfig(bytes.NewReader(data))
	} else {
		cfg, _, err = image.DecodeConfig(bytes.NewReader(data))
	}
	if err != nil {
		return nil, fmt.Errorf("reading image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d", ErrImageTooLarge, cfg.Width, cfg.Height)
	}

	if heif {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEIC checks the MIME type and the ISO BMFF "ftyp" brand.
func isHEIC(data []byte, contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "image/heic" || ct == "image/heif" {
		return true
	}
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "hevc", "hevx", "mif1", "msf1":
		return true
	}
	return false
}

func resize(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return img
	}

	nw, nh := maxDim, maxDim
	if w > h {
		nh = h * maxDim / w
	} else {
		nw = w * maxDim / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

// flatten composites transparent images onto white; JPEG has no alpha.
func flatten(img image.Image) image.Image {
	switch img.(type) {
	case *image.YCbCr, *image.Gray, *image.CMYK:
		return img
	}
	b := img.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, b, img, b.Min, draw.Over)
	return dst
}
