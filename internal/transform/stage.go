package transform

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Resizer re-encodes an image to bounded dimensions.
type Resizer interface {
	Resize(ctx context.Context, f UploadFile) (UploadFile, error)
}

// Compressor re-encodes audio to a bounded size.
type Compressor interface {
	Compress(ctx context.Context, f UploadFile) (UploadFile, error)
}

// Stage runs the image and audio transforms for one request.
type Stage struct {
	resizer    Resizer
	compressor Compressor
}

// NewStage wires a Stage from its two transforms.
func NewStage(r Resizer, c Compressor) *Stage {
	return &Stage{resizer: r, compressor: c}
}

// Transform runs Resize and Compress concurrently and waits for both. The
// two transforms share no buffers. On failure the first error is returned
// and the sibling is cancelled through ctx.
func (s *Stage) Transform(ctx context.Context, img, aud UploadFile) (UploadFile, UploadFile, error) {
	var outImg, outAud UploadFile
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		outImg, err = s.resizer.Resize(gctx, img)
		return err
	})
	g.Go(func() error {
		var err error
		outAud, err = s.compressor.Compress(gctx, aud)
		return err
	})
	if err := g.Wait(); err != nil {
		return UploadFile{}, UploadFile{}, err
	}
	return outImg, outAud, nil
}
