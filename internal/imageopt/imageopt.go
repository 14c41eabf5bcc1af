// Package imageopt shrinks scanned answer sheets before they are sent to the
// recognition service.
package imageopt

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"
)

const (
	DefaultMaxDimension  = 800
	DefaultQuality       = 70
	DefaultDecodeTimeout = 10 * time.Second
)

var (
	// ErrDecodeTimeout is returned when decoding takes longer than the configured bound.
	ErrDecodeTimeout = errors.New("image decode timed out")
	// ErrUnsupportedFormat is returned for payloads that are not a known image type.
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Optimizer downsamples images to a bounded dimension and re-encodes them as JPEG.
type Optimizer struct {
	MaxDimension  int
	Quality       int // JPEG quality, 1-100
	DecodeTimeout time.Duration

	decode func(data []byte) (image.Image, error)
}

// New returns an Optimizer with the given bounds. Non-positive values fall back to defaults.
func New(maxDimension, quality int, decodeTimeout time.Duration) *Optimizer {
	if maxDimension <= 0 {
		maxDimension = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if decodeTimeout <= 0 {
		decodeTimeout = DefaultDecodeTimeout
	}
	return &Optimizer{
		MaxDimension:  maxDimension,
		Quality:       quality,
		DecodeTimeout: decodeTimeout,
		decode:        decodeImage,
	}
}

// Optimize decodes data, scales it so that neither side exceeds MaxDimension
// and re-encodes it as JPEG. Images already within bounds keep their size but
// are still re-encoded.
func (o *Optimizer) Optimize(ctx context.Context, data []byte) ([]byte, error) {
	src, err := o.decodeWithTimeout(ctx, data)
	if err != nil {
		return nil, err
	}

	b := src.Bounds()
	w, h := TargetSize(b.Dx(), b.Dy(), o.MaxDimension)

	// JPEG has no alpha channel; flatten onto white like a canvas export would.
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(o.Quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// TargetSize returns the dimensions after scaling the larger side down to
// maxDim, preserving aspect ratio.
func TargetSize(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w > h {
		nh := int(math.Round(float64(h) * float64(maxDim) / float64(w)))
		return maxDim, max(nh, 1)
	}
	nw := int(math.Round(float64(w) * float64(maxDim) / float64(h)))
	return max(nw, 1), maxDim
}

func (o *Optimizer) decodeWithTimeout(ctx context.Context, data []byte) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, o.DecodeTimeout)
	defer cancel()

	type decoded struct {
		img image.Image
		err error
	}
	done := make(chan decoded, 1)
	go func() {
		img, err := o.decode(data)
		done <- decoded{img, err}
	}()

	select {
	case d := <-done:
		if d.err != nil {
			return nil, fmt.Errorf("decode image: %w", d.err)
		}
		return d.img, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrDecodeTimeout
		}
		return nil, ctx.Err()
	}
}

func decodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty file")
	}
	ct := http.DetectContentType(data)
	switch {
	case strings.Contains(ct, "webp"):
		return webp.Decode(bytes.NewReader(data))
	case strings.HasPrefix(ct, "image/"):
		// Phone photos of sheets usually carry an EXIF rotation.
		return imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ct)
	}
}

// DataURI wraps a JPEG payload as a data URI for storage alongside results.
func DataURI(jpeg []byte) string {
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpeg)
}
