package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
)

// Client talks to the feature API collections endpoint.
type Client struct {
	fetcher *Fetcher
	cfg     *model.Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewClient creates a Client.
func NewClient(cfg *model.Config, fetcher *Fetcher, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// ItemsURL returns the items endpoint of a collection.
func (c *Client) ItemsURL(collection string) string {
	return strings.TrimRight(c.cfg.API.BaseURL, "/") + "/" + collection + "/items?f=json"
}

// FetchCollection returns every feature of collection intersecting bounds,
// following next links until the last page. Zero matches is an empty slice.
// Any page failure aborts the whole fetch, as does a next link that points
// back at a page already read.
func (c *Client) FetchCollection(ctx context.Context, collection string, bounds model.Bounds, limit int) ([]model.Feature, error) {
	if !c.cfg.HasCollection(collection) {
		return nil, &model.ValidationError{Field: "collection", Reason: fmt.Sprintf("unknown collection %q", collection)}
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	crs, err := c.cfg.CRSURI()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = c.cfg.API.PageLimit
	}

	params := url.Values{}
	params.Set("filter-lang", "cql2-text")
	params.Set("filter", bounds.IntersectsFilter())
	params.Set("crs", crs)
	params.Set("limit", strconv.Itoa(limit))

	first, err := withParams(c.ItemsURL(collection), params)
	if err != nil {
		return nil, &model.ValidationError{Field: "api.base_url", Reason: err.Error()}
	}

	features := make([]model.Feature, 0)
	visited := map[string]bool{first: true}
	next := first
	for page := 1; ; page++ {
		doc, _, err := c.fetcher.FetchDocument(ctx, next, nil)
		if err != nil {
			return nil, fmt.Errorf("%s page %d: %w", collection, page, err)
		}
		if c.metrics != nil {
			c.metrics.PagesFetched.Inc()
		}
		features = append(features, doc.Features...)

		link, ok := doc.Next()
		if !ok {
			break
		}
		if visited[link] {
			return nil, &model.SchemaError{Document: next, Key: "links", Reason: fmt.Sprintf("next link of page %d repeats %s", page, link)}
		}
		visited[link] = true
		next = link
	}

	c.logger.Debug("collection fetched", "collection", collection, "bounds", bounds.String(), "features", len(features))
	return features, nil
}

// Status reports whether the API answers its landing document with 200.
func (c *Client) Status(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.API.StatusTimeout)
	defer cancel()

	_, err := c.fetcher.Fetch(ctx, c.cfg.API.BaseURL, nil)
	if err != nil {
		c.logger.Warn("api status check failed", "url", c.cfg.API.BaseURL, "error", err)
		return false
	}
	return true
}

// Capabilities lists the API's collections and the EPSG codes it serves.
type Capabilities struct {
	Collections []string          `json:"collections"`
	CRS         map[string]string `json:"crs"`
	Live        bool              `json:"live"`
}

type landingDocument struct {
	Collections []struct {
		ID string `json:"id"`
	} `json:"collections"`
	CRS []string `json:"crs"`
}

// Capabilities reads collections and CRS from the landing document. When
// the API is unreachable the configured static lists are returned instead.
func (c *Client) Capabilities(ctx context.Context) Capabilities {
	fallback := Capabilities{
		Collections: append([]string(nil), c.cfg.API.Collections...),
		CRS:         copyTable(c.cfg.API.CRSTable),
	}
	if !c.Status(ctx) {
		return fallback
	}

	body, err := c.fetcher.FetchWithRetry(ctx, c.cfg.API.BaseURL, nil)
	if err != nil {
		c.logger.Warn("read capabilities", "error", err)
		return fallback
	}
	var landing landingDocument
	if err := json.Unmarshal(body, &landing); err != nil {
		c.logger.Warn("decode capabilities", "error", &model.SchemaError{Document: c.cfg.API.BaseURL, Key: "collections", Reason: err.Error()})
		return fallback
	}

	caps := Capabilities{CRS: map[string]string{}, Live: true}
	for _, col := range landing.Collections {
		if col.ID != "" {
			caps.Collections = append(caps.Collections, col.ID)
		}
	}
	for _, uri := range landing.CRS {
		code := uri[strings.LastIndex(uri, "/")+1:]
		if _, err := strconv.Atoi(code); err == nil {
			caps.CRS[code] = uri
		}
	}
	if len(caps.Collections) == 0 {
		return fallback
	}
	return caps
}

// Apply replaces the configured collection list and CRS table.
func (caps Capabilities) Apply(cfg *model.Config) {
	if len(caps.Collections) > 0 {
		cfg.API.Collections = caps.Collections
	}
	if len(caps.CRS) > 0 {
		cfg.API.CRSTable = caps.CRS
	}
}

func copyTable(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

const notAvailable = "Not available"

// MethodURLs returns browsable links for a method execution.
func (c *Client) MethodURLs(methodType model.MethodType, methodID, investigationID, locationID, originalID string) model.MethodURLs {
	base := strings.TrimRight(c.cfg.API.BaseURL, "/")
	item := func(collection, id string) string {
		if id == "" {
			return notAvailable
		}
		return base + "/" + collection + "/items/" + url.PathEscape(id)
	}

	urls := model.MethodURLs{
		Investigation: item("geotekniskborehullunders", investigationID),
		Method:        notAvailable,
		Location:      item("geotekniskborehull", locationID),
		Documents:     notAvailable,
		InfoPage:      notAvailable,
	}
	if col := methodType.Collection(); col != "" {
		urls.Method = item(col, methodID)
	}
	if originalID != "" {
		urls.Documents = base + "/geotekniskdokument/items?tilhorergu_fk=" + url.QueryEscape(originalID)
	}
	if locationID != "" {
		urls.InfoPage = c.cfg.API.InfoPageURL + "?id=" + url.QueryEscape(locationID)
	}
	return urls
}
