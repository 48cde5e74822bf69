package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/nadag/internal/model"
)

var testBounds = model.Bounds{MinX: 100, MinY: 200, MaxX: 300, MaxY: 400}

func TestFetchCollection_FollowsNextLinks(t *testing.T) {
	api := newFakeAPI(t)
	itemsPath := "/collections/geotekniskborehullunders/items"
	api.handle(itemsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(t, w, collection(feature(obj{"n": 2.0})))
			return
		}
		page := collection(feature(obj{"n": 1.0}))
		page["links"] = []obj{
			{"rel": "self", "href": api.url(itemsPath)},
			{"rel": "next", "href": api.url(itemsPath + "?f=json&page=2")},
		}
		writeJSON(t, w, page)
	})

	features, err := newTestClient(api).FetchCollection(context.Background(), "geotekniskborehullunders", testBounds, 10)
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, 1.0, features[0].Properties["n"])
	assert.Equal(t, 2.0, features[1].Properties["n"])

	queries := api.rawQueries(itemsPath)
	require.Len(t, queries, 2)
	first, err := url.ParseQuery(queries[0])
	require.NoError(t, err)
	assert.Equal(t, "json", first.Get("f"))
	assert.Equal(t, "cql2-text", first.Get("filter-lang"))
	assert.Equal(t, "S_INTERSECTS(posisjon,POLYGON((100 200,100 400,300 400,300 200,100 200)))", first.Get("filter"))
	assert.Equal(t, model.EPSGURI(25833), first.Get("crs"))
	assert.Equal(t, "10", first.Get("limit"))
	// next links are followed verbatim
	assert.Equal(t, "f=json&page=2", queries[1])
}

func TestFetchCollection_Empty(t *testing.T) {
	api := newFakeAPI(t)
	api.serveJSON("/collections/geotekniskborehullunders/items", collection())

	features, err := newTestClient(api).FetchCollection(context.Background(), "geotekniskborehullunders", testBounds, 0)
	require.NoError(t, err)
	assert.NotNil(t, features)
	assert.Empty(t, features)
}

func TestFetchCollection_PageFailureAborts(t *testing.T) {
	noSleep(t)
	api := newFakeAPI(t)
	itemsPath := "/collections/geotekniskborehullunders/items"
	api.handle(itemsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		page := collection(feature(obj{"n": 1.0}))
		page["links"] = []obj{{"rel": "next", "href": api.url(itemsPath + "?page=2")}}
		writeJSON(t, w, page)
	})

	features, err := newTestClient(api).FetchCollection(context.Background(), "geotekniskborehullunders", testBounds, 0)
	assert.Nil(t, features)
	var te *model.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Contains(t, err.Error(), "page 2")
}

func TestFetchCollection_RepeatedNextLink(t *testing.T) {
	api := newFakeAPI(t)
	itemsPath := "/collections/geotekniskborehullunders/items"
	api.handle(itemsPath, func(w http.ResponseWriter, r *http.Request) {
		page := collection(feature(obj{"n": 1.0}))
		page["links"] = []obj{{"rel": "next", "href": api.url(itemsPath + "?f=json&page=2")}}
		writeJSON(t, w, page)
	})

	features, err := newTestClient(api).FetchCollection(context.Background(), "geotekniskborehullunders", testBounds, 0)
	assert.Nil(t, features)
	var se *model.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "links", se.Key)
	assert.Equal(t, 2, api.hitCount(itemsPath), "page 2 is read once before the repeat is seen")
}

func TestFetchCollection_Validation(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(api)

	_, err := c.FetchCollection(context.Background(), "nosuchcollection", testBounds, 0)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "collection", ve.Field)

	_, err = c.FetchCollection(context.Background(), "geotekniskborehullunders", model.Bounds{MinX: 5, MaxX: 1, MinY: 0, MaxY: 1}, 0)
	require.ErrorAs(t, err, &ve)

	c.cfg.API.CRS = 9999
	_, err = c.FetchCollection(context.Background(), "geotekniskborehullunders", testBounds, 0)
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "api.crs", ve.Field)

	assert.Zero(t, api.hitCount("/collections/geotekniskborehullunders/items"), "validation happens before any request")
}

func TestStatus(t *testing.T) {
	api := newFakeAPI(t)
	api.serveJSON("/collections", obj{"collections": []obj{}})
	assert.True(t, newTestClient(api).Status(context.Background()))

	down := newFakeAPI(t)
	down.status("/collections", http.StatusServiceUnavailable)
	assert.False(t, newTestClient(down).Status(context.Background()))
}

func TestCapabilities_Live(t *testing.T) {
	api := newFakeAPI(t)
	api.serveJSON("/collections", obj{
		"collections": []obj{{"id": "geotekniskborehullunders"}, {"id": "kombinasjonsondering"}},
		"crs":         []string{model.EPSGURI(25833), model.EPSGURI(4326), "urn:bogus"},
	})

	caps := newTestClient(api).Capabilities(context.Background())
	assert.True(t, caps.Live)
	assert.Equal(t, []string{"geotekniskborehullunders", "kombinasjonsondering"}, caps.Collections)
	assert.Equal(t, map[string]string{"25833": model.EPSGURI(25833), "4326": model.EPSGURI(4326)}, caps.CRS)

	cfg := model.DefaultConfig()
	caps.Apply(cfg)
	assert.False(t, cfg.HasCollection("statisksondering"))
	assert.True(t, cfg.HasCollection("kombinasjonsondering"))
}

func TestCapabilities_Fallback(t *testing.T) {
	api := newFakeAPI(t)
	api.status("/collections", http.StatusInternalServerError)

	caps := newTestClient(api).Capabilities(context.Background())
	assert.False(t, caps.Live)
	assert.Equal(t, model.DefaultCollections, caps.Collections)
	assert.Equal(t, model.DefaultCRSTable(), caps.CRS)
}

func TestMethodURLs(t *testing.T) {
	api := newFakeAPI(t)
	c := newTestClient(api)

	urls := c.MethodURLs(model.MethodTOT, "ks-1", "g-1", "loc 1", "orig-1")
	assert.Equal(t, api.base()+"/geotekniskborehullunders/items/g-1", urls.Investigation)
	assert.Equal(t, api.base()+"/kombinasjonsondering/items/ks-1", urls.Method)
	assert.Equal(t, api.base()+"/geotekniskborehull/items/loc%201", urls.Location)
	assert.Equal(t, api.base()+"/geotekniskdokument/items?tilhorergu_fk=orig-1", urls.Documents)
	assert.True(t, strings.HasSuffix(urls.InfoPage, "visGeotekniskBorehull.php?id=loc+1"))

	missing := c.MethodURLs(model.MethodRP, "", "g-1", "", "")
	assert.Equal(t, notAvailable, missing.Method)
	assert.Equal(t, notAvailable, missing.Location)
	assert.Equal(t, notAvailable, missing.Documents)
	assert.Equal(t, notAvailable, missing.InfoPage)
}

func TestFetchCollection_CancelledContext(t *testing.T) {
	api := newFakeAPI(t)
	api.serveJSON("/collections/geotekniskborehullunders/items", collection())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestClient(api).FetchCollection(ctx, "geotekniskborehullunders", testBounds, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
