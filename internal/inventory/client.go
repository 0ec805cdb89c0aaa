// Package inventory queries the storage and catalog APIs to discover
// candidates for warm work: objects missing AI analysis and storage-backed
// product media.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/arkturian/warmctl/internal/config"
	"github.com/arkturian/warmctl/internal/dispatch"
	"github.com/arkturian/warmctl/internal/logging"
)

const apiKeyHeader = "X-API-Key"

// analysisFields are the metadata sections a fully analyzed object carries.
// Absence of any one of them marks the object incomplete.
var analysisFields = []string{"visual_analysis", "product_analysis", "embedding_info"}

// Object is a storage API object record, reduced to the fields discovery
// needs.
type Object struct {
	ID           int64                      `json:"id"`
	CollectionID string                     `json:"collection_id"`
	AIContext    map[string]json.RawMessage `json:"ai_context_metadata"`
}

// HasFullAnalysis reports whether the object already has complete AI vision
// analysis. Pure predicate over the fetched metadata.
func (o *Object) HasFullAnalysis() bool {
	if o.AIContext == nil {
		return false
	}
	for _, field := range analysisFields {
		if _, ok := o.AIContext[field]; !ok {
			return false
		}
	}
	return true
}

// Media is one media entry attached to a product.
type Media struct {
	StorageID int64  `json:"storage_id"`
	Role      string `json:"role"`
}

// Product is a catalog product record.
type Product struct {
	ID    int64   `json:"id"`
	Media []Media `json:"media"`
}

// MediaRef names one storage-backed asset together with its owning product.
type MediaRef struct {
	ProductID int64
	StorageID int64
	Role      string
}

// Client talks to the storage and catalog APIs.
type Client struct {
	storageBase string
	catalogBase string
	key         string
	httpClient  *http.Client
	logger      *logging.Logger
}

func NewClient(api config.API, logger *logging.Logger) *Client {
	return &Client{
		storageBase: strings.TrimRight(api.StorageBase, "/"),
		catalogBase: strings.TrimRight(api.CatalogBase, "/"),
		key:         api.Key,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
	}
}

// Object fetches a single storage object by ID. A 404 means the ID is not
// allocated and returns (nil, nil); any other non-2xx is an error.
func (c *Client) Object(ctx context.Context, id int64) (*Object, error) {
	url := fmt.Sprintf("%s/storage/objects/%d", c.storageBase, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &dispatch.HTTPError{Status: resp.StatusCode, Body: readBody(resp.Body)}
	}

	var obj Object
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode object %d: %w", id, err)
	}
	return &obj, nil
}

// ScanRange probes every ID in [start, end] and returns the objects belonging
// to collection. Missing IDs are silent absence. Probe errors are logged and
// the ID skipped rather than aborting discovery; a stray 500 on one ID should
// not sink a scan of a thousand.
func (c *Client) ScanRange(ctx context.Context, start, end int64, collection string) ([]*Object, error) {
	var objects []*Object
	for id := start; id <= end; id++ {
		if err := ctx.Err(); err != nil {
			return objects, err
		}
		if c.logger != nil && (id-start)%100 == 0 && id > start {
			c.logger.Plain().
				WithFields(map[string]any{"checked": id - start, "found": len(objects)}).
				Debug("scanning object range")
		}

		obj, err := c.Object(ctx, id)
		if err != nil {
			if c.logger != nil {
				c.logger.Plain().WithObject(id).WithError(err).Warn("object probe failed, skipping")
			}
			continue
		}
		if obj == nil {
			continue
		}
		if collection != "" && obj.CollectionID != collection {
			continue
		}
		objects = append(objects, obj)
	}
	return objects, nil
}

// productPage mirrors the catalog list response envelope.
type productPage struct {
	Results []Product `json:"results"`
}

// Products fetches the full product listing, paging by offset until a short
// page signals the end.
func (c *Client) Products(ctx context.Context, pageSize int) ([]Product, error) {
	if pageSize < 1 {
		pageSize = 1000
	}

	var products []Product
	for offset := 0; ; offset += pageSize {
		url := fmt.Sprintf("%s/products?limit=%d&offset=%d", c.catalogBase, pageSize, offset)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(apiKeyHeader, c.key)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			body := readBody(resp.Body)
			resp.Body.Close()
			return nil, &dispatch.HTTPError{Status: resp.StatusCode, Body: body}
		}

		var page productPage
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decode product page at offset %d: %w", offset, err)
		}

		products = append(products, page.Results...)
		if len(page.Results) < pageSize {
			return products, nil
		}
	}
}

// CollectMedia picks the primary storage-backed media entry of each product,
// deduplicated by storage ID, preserving product order.
func CollectMedia(products []Product) []MediaRef {
	seen := make(map[int64]bool)
	var refs []MediaRef
	for _, p := range products {
		for _, m := range p.Media {
			if m.StorageID == 0 || seen[m.StorageID] {
				continue
			}
			seen[m.StorageID] = true
			refs = append(refs, MediaRef{ProductID: p.ID, StorageID: m.StorageID, Role: m.Role})
			// only the primary image per product is warmed
			break
		}
	}
	return refs
}

func readBody(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	return strings.TrimSpace(string(b))
}
