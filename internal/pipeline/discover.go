package pipeline

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Father1993/PIM-Image-Management/internal/otel"
	"github.com/Father1993/PIM-Image-Management/internal/pim"
	"github.com/Father1993/PIM-Image-Management/internal/records"
)

//go:generate mockgen -destination=mocks/mock_discover.go -package=mocks -source=discover.go ProductSource

// ProductSource pages through the catalog
type ProductSource interface {
	ScrollProducts(ctx context.Context) iter.Seq2[[]pim.Product, error]
}

// DiscoverSummary reports the outcome of a discover pass
type DiscoverSummary struct {
	Pages    int
	Products int
	Images   int
	Inserted int
	Duration time.Duration
}

// Discoverer registers catalog pictures as image records
type Discoverer struct {
	source       ProductSource
	store        records.Store
	imageBaseURL string
	tracer       trace.Tracer
	now          func() time.Time
}

// NewDiscoverer creates a discoverer writing into store
func NewDiscoverer(source ProductSource, store records.Store, imageBaseURL string, tracer trace.Tracer) *Discoverer {
	return &Discoverer{
		source:       source,
		store:        store,
		imageBaseURL: imageBaseURL,
		tracer:       tracer,
		now:          time.Now,
	}
}

// Run scrolls the whole catalog and inserts records for pictures not tracked yet.
// Existing records keep their progress flags.
func (d *Discoverer) Run(ctx context.Context) (*DiscoverSummary, error) {
	started := d.now()
	ctx, span := otel.StartSpan(ctx, d.tracer, "pipeline.discover")
	defer span.End()

	summary := &DiscoverSummary{}
	for page, err := range d.source.ScrollProducts(ctx) {
		if err != nil {
			otel.RecordError(span, err)
			return summary, fmt.Errorf("failed to scroll products after %d pages: %w", summary.Pages, err)
		}
		summary.Pages++
		summary.Products += len(page)

		now := d.now().UTC()
		var recs []records.ImageRecord
		for i := range page {
			recs = append(recs, page[i].Records(d.imageBaseURL, now)...)
		}
		summary.Images += len(recs)
		if len(recs) == 0 {
			continue
		}

		inserted, err := d.store.Insert(ctx, recs)
		if err != nil {
			otel.RecordError(span, err)
			return summary, fmt.Errorf("failed to insert discovered records: %w", err)
		}
		summary.Inserted += inserted
		slog.Debug("Discover page stored", "page", summary.Pages, "products", len(page), "inserted", inserted)
	}

	summary.Duration = d.now().Sub(started)
	span.SetAttributes(
		attribute.Int("discover.products", summary.Products),
		attribute.Int("discover.inserted", summary.Inserted),
	)
	slog.Info("Discover finished",
		"pages", summary.Pages,
		"products", summary.Products,
		"images", summary.Images,
		"inserted", summary.Inserted,
		"duration", summary.Duration,
	)
	return summary, nil
}
