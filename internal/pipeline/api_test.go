package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
)

// fakeAPI serves canned JSON documents keyed by request path.
type fakeAPI struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	handlers map[string]http.HandlerFunc
	hits     map[string]int
	queries  map[string][]string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	api := &fakeAPI{
		t:        t,
		handlers: make(map[string]http.HandlerFunc),
		hits:     make(map[string]int),
		queries:  make(map[string][]string),
	}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		api.mu.Lock()
		api.hits[r.URL.Path]++
		api.queries[r.URL.Path] = append(api.queries[r.URL.Path], r.URL.RawQuery)
		h, ok := api.handlers[r.URL.Path]
		api.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		h(w, r)
	}))
	t.Cleanup(api.server.Close)
	return api
}

// base is the collections root of the fake API.
func (a *fakeAPI) base() string {
	return a.server.URL + "/collections"
}

func (a *fakeAPI) url(path string) string {
	return a.server.URL + path
}

func (a *fakeAPI) handle(path string, h http.HandlerFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[path] = h
}

func (a *fakeAPI) serveJSON(path string, v any) {
	a.handle(path, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(a.t, w, v)
	})
}

func (a *fakeAPI) status(path string, code int) {
	a.handle(path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(code)
	})
}

func (a *fakeAPI) hitCount(path string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hits[path]
}

func (a *fakeAPI) rawQueries(path string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.queries[path]...)
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/geo+json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

// testConfig points the default configuration at api.
func testConfig(api *fakeAPI) *model.Config {
	cfg := model.DefaultConfig()
	cfg.API.BaseURL = api.base()
	cfg.API.UserAgent = "test-agent"
	cfg.API.ResolveTimeout = 0
	cfg.API.RespectRobots = false
	cfg.Concurrency.RequestsPerSecond = 0
	return cfg
}

func newTestClient(api *fakeAPI) *Client {
	cfg := testConfig(api)
	metrics := observability.NewMetricsForTesting()
	return NewClient(cfg, NewFetcher(cfg.API, nil, metrics), observability.DiscardLogger(), metrics)
}

type obj = map[string]any

func collection(features ...obj) obj {
	return obj{"type": "FeatureCollection", "features": features, "links": []obj{}}
}

func feature(props obj) obj {
	return obj{"type": "Feature", "properties": props}
}

func pointFeature(x, y float64, props obj) obj {
	return obj{
		"type":       "Feature",
		"geometry":   obj{"type": "Point", "coordinates": []float64{x, y}},
		"properties": props,
	}
}

func href(url string) obj {
	return obj{"href": url}
}

func titled(url, title string) obj {
	return obj{"href": url, "title": title}
}

func mustQuery(t *testing.T, raw string) url.Values {
	t.Helper()
	q, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse query %q: %v", raw, err)
	}
	return q
}
