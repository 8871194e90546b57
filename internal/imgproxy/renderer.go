package imgproxy

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/disintegration/imaging"

	"github.com/Father1993/PIM-Image-Management/internal/bucket"
	"github.com/Father1993/PIM-Image-Management/internal/records"
)

// LocalRenderer applies a Profile in-process. It mirrors what imgproxy does with the same
// options and is used for dry runs and for producing reference output in tests.
type LocalRenderer struct {
	profile Profile
}

// NewLocalRenderer creates a renderer for profile
func NewLocalRenderer(profile Profile) *LocalRenderer {
	return &LocalRenderer{profile: profile}
}

// Render decodes src and returns it processed as JPEG
func (r *LocalRenderer) Render(src []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(src), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return r.Encode(img)
}

// Encode processes img and encodes it as JPEG
func (r *LocalRenderer) Encode(img image.Image) ([]byte, error) {
	p := r.profile
	out := imaging.Fit(img, p.Width, p.Height, imaging.Lanczos)
	if p.Extend {
		canvas := imaging.New(p.Width, p.Height, color.NRGBA{R: p.Background[0], G: p.Background[1], B: p.Background[2], A: 255})
		out = imaging.PasteCenter(canvas, out)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, out, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

// DryRun stands in for Client in preview runs: it renders a blank canvas of the profile
// size without touching the network or the bucket.
type DryRun struct {
	renderer *LocalRenderer
	now      func() time.Time
}

// NewDryRun creates a dry-run transformer
func NewDryRun(profile Profile) *DryRun {
	return &DryRun{renderer: NewLocalRenderer(profile), now: time.Now}
}

// Transform implements the pipeline transformer contract
func (d *DryRun) Transform(ctx context.Context, rec *records.ImageRecord) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := d.renderer.Encode(imaging.New(1, 1, color.White))
	if err != nil {
		return nil, err
	}
	return &Blob{
		Data:        data,
		ContentType: bucket.ContentTypeJPEG,
		URL:         "dry-run://" + bucket.ObjectKey(d.now().UTC(), rec.OptimizedName()),
		SourceURL:   rec.SourceURL,
	}, nil
}
