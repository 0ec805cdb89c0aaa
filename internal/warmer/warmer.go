// Package warmer performs the actual warm calls: triggering embedding
// generation for storage objects and pulling image renditions through the
// proxy so they land in its cache.
package warmer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/arkturian/warmctl/internal/config"
	"github.com/arkturian/warmctl/internal/dispatch"
	"github.com/arkturian/warmctl/internal/metrics"
	"github.com/arkturian/warmctl/internal/tracing"
)

const apiKeyHeader = "X-API-Key"

// EmbedWork asks for AI embedding generation on one storage object.
type EmbedWork struct {
	ObjectID int64
}

func (w EmbedWork) Key() string {
	return fmt.Sprintf("embed/%d", w.ObjectID)
}

// RenditionParams are the variant parameters of one image rendition.
type RenditionParams struct {
	Width   int
	Height  int
	Quality int
	Format  string
	Refresh bool
	Trim    bool
}

// RenditionWork asks the proxy to materialize one rendition of a
// storage-backed media asset.
type RenditionWork struct {
	ProductID int64
	StorageID int64
	Params    RenditionParams
}

func (w RenditionWork) Key() string {
	return fmt.Sprintf("image/%d@%dx%d", w.StorageID, w.Params.Width, w.Params.Height)
}

// QualityFor returns the production quality setting for a rendition edge
// length: 75 for thumbnails, 85 for high-res.
func QualityFor(width int) int {
	if width <= 130 {
		return 75
	}
	return 85
}

// EmbedClient triggers embedding generation against the storage API.
type EmbedClient struct {
	base       string
	key        string
	httpClient *http.Client
}

func NewEmbedClient(api config.API) *EmbedClient {
	return &EmbedClient{
		base:       strings.TrimRight(api.StorageBase, "/"),
		key:        api.Key,
		httpClient: &http.Client{},
	}
}

// Perform implements the dispatch perform contract for embed descriptors.
func (c *EmbedClient) Perform(ctx context.Context, d dispatch.Descriptor) error {
	w, ok := d.(EmbedWork)
	if !ok {
		return fmt.Errorf("warmer: embed perform got descriptor %T", d)
	}
	return c.Trigger(ctx, w.ObjectID)
}

// Trigger requests embedding generation for one object. Any 2xx is success.
func (c *EmbedClient) Trigger(ctx context.Context, objectID int64) error {
	ctx, span := tracing.StartSpan(ctx, "warm.embed",
		attribute.Int64("object_id", objectID),
	)
	defer span.End()

	endpoint := fmt.Sprintf("%s/storage/kg/embed/%d", c.base, objectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.key)

	if err := doWarm(c.httpClient, req, "embed"); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	return nil
}

// ImageClient warms image renditions through the proxy cache.
type ImageClient struct {
	base       string
	key        string
	httpClient *http.Client
}

func NewImageClient(api config.API) *ImageClient {
	return &ImageClient{
		base:       api.ProxyBase,
		key:        api.Key,
		httpClient: &http.Client{},
	}
}

// Perform implements the dispatch perform contract for rendition descriptors.
func (c *ImageClient) Perform(ctx context.Context, d dispatch.Descriptor) error {
	w, ok := d.(RenditionWork)
	if !ok {
		return fmt.Errorf("warmer: image perform got descriptor %T", d)
	}
	return c.Warm(ctx, w.StorageID, w.Params)
}

// Warm pulls one rendition through the proxy. The body is fully drained so
// the proxy actually renders and caches the derivative.
func (c *ImageClient) Warm(ctx context.Context, storageID int64, p RenditionParams) error {
	ctx, span := tracing.StartSpan(ctx, "warm.image",
		attribute.Int64("storage_id", storageID),
		attribute.Int("width", p.Width),
		attribute.Int("height", p.Height),
	)
	defer span.End()

	q := url.Values{}
	q.Set("id", strconv.FormatInt(storageID, 10))
	q.Set("width", strconv.Itoa(p.Width))
	q.Set("height", strconv.Itoa(p.Height))
	q.Set("format", p.Format)
	q.Set("quality", strconv.Itoa(p.Quality))
	if p.Refresh {
		q.Set("refresh", "true")
	}
	if p.Trim {
		q.Set("trim", "true")
	}

	sep := "?"
	if strings.Contains(c.base, "?") {
		sep = "&"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+sep+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set(apiKeyHeader, c.key)

	if err := doWarm(c.httpClient, req, "image"); err != nil {
		tracing.SetSpanError(ctx, err)
		return err
	}
	return nil
}

// doWarm executes one warm attempt and records its metrics. Non-2xx becomes
// an HTTPError for the retry classifier; a truncated body read surfaces as a
// transport error so it lands in the transient retry path.
func doWarm(hc *http.Client, req *http.Request, kind string) error {
	metrics.InflightCalls.Inc()
	defer metrics.InflightCalls.Dec()

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.RecordAttempt(kind, "error", time.Since(start))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		metrics.RecordAttempt(kind, strconv.Itoa(resp.StatusCode), time.Since(start))
		return &dispatch.HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	_, copyErr := io.Copy(io.Discard, resp.Body)
	metrics.RecordAttempt(kind, strconv.Itoa(resp.StatusCode), time.Since(start))
	if copyErr != nil {
		return copyErr
	}
	return nil
}
