package pim

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Father1993/PIM-Image-Management/internal/httpclient"
	"github.com/Father1993/PIM-Image-Management/internal/records"
	"github.com/Father1993/PIM-Image-Management/internal/syncerr"
)

// Product is the part of a catalog product the pipeline cares about
type Product struct {
	ID       int64    `json:"id"`
	Articul  string   `json:"articul"`
	Picture  string   `json:"picture"`
	Pictures []string `json:"pictures"`
}

type scrollData struct {
	ScrollID           string    `json:"scrollId"`
	Products           []Product `json:"products"`
	ProductElasticDtos []Product `json:"productElasticDtos"`
}

// ScrollProducts iterates over every catalog product one scroll page at a time.
// The sequence ends after an empty page or when the API stops returning a scroll id.
func (c *Client) ScrollProducts(ctx context.Context) iter.Seq2[[]Product, error] {
	return func(yield func([]Product, error) bool) {
		scrollID := ""
		for {
			page, next, err := c.scrollPage(ctx, scrollID)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(page) == 0 {
				return
			}
			if !yield(page, nil) {
				return
			}
			if next == "" {
				return
			}
			scrollID = next
		}
	}
}

func (c *Client) scrollPage(ctx context.Context, scrollID string) ([]Product, string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*c.timeout)
	defer cancel()

	target := c.baseURL + "/product/scroll"
	if scrollID != "" {
		target += "?scrollId=" + url.QueryEscape(scrollID)
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.get(ctx, target, token.Value)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		if token, err = c.tokens.Refresh(ctx, token.Value); err != nil {
			return nil, "", err
		}
		if resp, err = c.get(ctx, target, token.Value); err != nil {
			return nil, "", err
		}
	}
	if !resp.IsSuccess() {
		return nil, "", syncerr.FromStatus("scroll", resp.StatusCode, httpclient.StatusError(resp, target))
	}

	var data scrollData
	if err := decodeEnvelope(resp.Body, &data); err != nil {
		return nil, "", syncerr.New(syncerr.KindData, "scroll", err)
	}
	products := data.Products
	if len(products) == 0 {
		products = data.ProductElasticDtos
	}
	return products, data.ScrollID, nil
}

func (c *Client) get(ctx context.Context, target, token string) (*httpclient.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, syncerr.New(syncerr.KindConfiguration, "scroll", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, syncerr.Wrap("scroll", err)
	}
	return resp, nil
}

// Records turns a product's pictures into image records. Picture names are resolved
// against imageBaseURL; names that already are absolute URLs are kept as they are.
func (p *Product) Records(imageBaseURL string, now time.Time) []records.ImageRecord {
	var out []records.ImageRecord
	seen := make(map[string]bool)
	add := func(name string, imageType records.ImageType) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, records.ImageRecord{
			ProductID: p.ID,
			ImageName: name,
			ImageType: imageType,
			SourceURL: sourceURL(imageBaseURL, name),
			UpdatedAt: now,
		})
	}

	add(p.Picture, records.ImageTypeMain)
	for _, name := range p.Pictures {
		add(name, records.ImageTypeAdditional)
	}
	return out
}

func sourceURL(base, name string) string {
	if strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://") || base == "" {
		return name
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(name, "/")
}
