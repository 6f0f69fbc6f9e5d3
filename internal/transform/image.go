package transform

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // registers the webp decoder with image.Decode
)

// Image defaults.
const (
	DefaultMaxDimension = 1200
	DefaultJPEGQuality  = 80
)

// ImageResizer bounds an image to MaxDimension on its longest side and
// re-encodes it as JPEG. Images already within bounds are only re-encoded.
type ImageResizer struct {
	MaxDimension int
	Quality      int
}

// NewImageResizer returns a resizer, falling back to defaults for
// non-positive or out-of-range values.
func NewImageResizer(maxDim, quality int) *ImageResizer {
	if maxDim <= 0 {
		maxDim = DefaultMaxDimension
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &ImageResizer{MaxDimension: maxDim, Quality: quality}
}

// Resize implements Resizer.
func (r *ImageResizer) Resize(ctx context.Context, f UploadFile) (UploadFile, error) {
	if err := ctx.Err(); err != nil {
		return UploadFile{}, newError("resize", f, err)
	}
	if len(f.Data) == 0 {
		return UploadFile{}, newError("resize", f, fmt.Errorf("empty image"))
	}

	src, err := imaging.Decode(bytes.NewReader(f.Data), imaging.AutoOrientation(true))
	if err != nil {
		return UploadFile{}, newError("resize", f, err)
	}

	fitted := imaging.Fit(src, r.MaxDimension, r.MaxDimension, imaging.Lanczos)

	// JPEG has no alpha channel; composite onto white instead of black.
	b := fitted.Bounds()
	flat := imaging.New(b.Dx(), b.Dy(), color.White)
	flat = imaging.Overlay(flat, fitted, image.Pt(0, 0), 1.0)

	if err := ctx.Err(); err != nil {
		return UploadFile{}, newError("resize", f, err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(r.Quality)); err != nil {
		return UploadFile{}, newError("resize", f, err)
	}
	return f.withFormat(buf.Bytes(), "image/jpeg", ".jpg"), nil
}
