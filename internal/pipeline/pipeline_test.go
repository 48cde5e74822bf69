package pipeline

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
	"github.com/ppiankov/nadag/internal/sample"
)

const itemsPath = "/collections/geotekniskborehullunders/items"

var fetchedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var withSamples = model.DefaultConfig().Samples.Options()

func newTestPipeline(api *fakeAPI, mutate func(*model.Config)) *Pipeline {
	cfg := testConfig(api)
	if mutate != nil {
		mutate(cfg)
	}
	return NewPipeline(cfg, observability.DiscardLogger(), observability.NewMetricsForTesting()).
		WithClock(clockwork.NewFakeClockAt(fetchedAt))
}

func boreholeFixture(api *fakeAPI) {
	g1 := pointFeature(150, 250, obj{
		"identifikasjon":              obj{"lokalId": "g-1"},
		"høyde":                       10.0,
		"boretLengde":                 30.0,
		"boretLengdeTilBerg":          obj{"borlengdeTilBerg": 12.0, "borlengdeKvalitet": 2},
		"undersPkt":                   href(api.url("/loc/g-1")),
		"underspkt_fk":                "loc-1",
		"metode-KombinasjonSondering": []obj{titled(api.url("/ks/1"), "ks-1")},
		"metode-StatiskSondering":     []obj{href(api.url("/ss/1"))},
		"metode-GeotekniskPrøveserie": []obj{href(api.url("/ps/g-1"))},
	})
	g2 := pointFeature(160, 260, obj{
		"identifikasjon": obj{"lokalId": "g-2"},
		"høyde":          5.0,
		"boretLengde":    8.0,
	})
	api.serveJSON(itemsPath, collection(g1, g2))

	api.serveJSON("/loc/g-1", feature(obj{
		"identifikasjon":                obj{"lokalId": "loc-1"},
		"boreNr":                        "BH-7",
		"opprinneligGeotekniskUndersID": "orig-9",
	}))

	api.serveJSON("/ks/1", feature(obj{
		"identifikasjon":                  obj{"lokalId": "ks-1"},
		"kombinasjonSonderingObservasjon": href(api.url("/ksd/1")),
	}))
	row := func(depth float64, code any) obj {
		return feature(obj{
			"boretLengde":          depth,
			"observasjonKode":      code,
			"dreieMoment":          depth * 2,
			"kombinasjonSondering": titled(api.url("/ks/1"), "ks-1"),
		})
	}
	api.serveJSON("/ksd/1", collection(row(3, 16.0), row(0, nil), row(1, "11"), row(4, nil), row(2, nil)))
	api.status("/ss/1", http.StatusNotFound)

	api.serveJSON("/ps/g-1", collection(feature(obj{
		"identifikasjon":           obj{"lokalId": "ps-1"},
		"geotekniskborehullunders": titled("", "g-1"),
		"harPrøveseriedel":         href(api.url("/psd/ps-1")),
	})))
	api.serveJSON("/psd/ps-1", collection(feature(obj{
		"prøveseriedelId":    "psd-1",
		"tilhørerPrøveserie": titled("", "ps-1"),
		"startLengde":        2.0,
		"sluttLengde":        3.0,
		"harData":            href(api.url("/psdd/psd-1")),
	})))
	api.serveJSON("/psdd/psd-1", collection(
		feature(obj{"tilhørerPrøveseriedel": titled("", "psd-1"), "vanninnhold": 40.0, "lagSammensetning": "Kvikkleire"}),
		feature(obj{"tilhørerPrøveseriedel": titled("", "psd-1"), "vanninnhold": 30.0, "lagSammensetning": "Leire"}),
	))
}

func TestAssemble_EndToEnd(t *testing.T) {
	api := newFakeAPI(t)
	boreholeFixture(api)
	p := newTestPipeline(api, nil)

	result, err := p.Assemble(context.Background(), testBounds, 2000, withSamples)
	require.NoError(t, err)

	crs := model.EPSGURI(25833)
	assert.Equal(t, model.QueryID(testBounds, crs), result.QueryID)
	assert.Equal(t, crs, result.CRS)
	assert.Equal(t, fetchedAt, result.FetchedAt)

	require.Len(t, result.Investigations, 2)
	g1 := result.Investigations[0]
	assert.Equal(t, "g-1", g1.ID)
	assert.Equal(t, "BH-7", g1.LocationName)
	assert.Equal(t, "orig-9", g1.OriginalID)
	assert.Equal(t, "loc-1", g1.LocationID)
	assert.Equal(t, &model.Point{X: 150, Y: 250}, g1.Point)

	require.Len(t, result.Soundings, 1, "the static sounding fails and contributes no execution")
	tot := result.Soundings[0]
	assert.Equal(t, model.MethodTOT, tot.MethodType)
	assert.Equal(t, "ks-1", tot.MethodID)
	assert.Equal(t, "g-1", tot.InvestigationID)
	assert.Equal(t, "BH-7", tot.LocationName)
	assert.Equal(t, model.StatusConducted, tot.Status)
	assert.Equal(t, model.StatusConductedID, tot.StatusID)
	assert.Equal(t, 4.0, *tot.MaxDepth)
	assert.Equal(t, 12.0, *tot.RockDepth)
	assert.Equal(t, 2, *tot.RockDepthQuality)
	assert.Equal(t, 10.0, *tot.Elevation)
	assert.Equal(t, api.base()+"/kombinasjonsondering/items/ks-1", tot.URLs.Method)
	assert.Equal(t, api.base()+"/geotekniskdokument/items?tilhorergu_fk=orig-9", tot.URLs.Documents)

	require.Len(t, tot.Data, 5)
	var hammering []bool
	for i, r := range tot.Data {
		assert.Equal(t, float64(i), *r.Depth)
		assert.Equal(t, float64(i)*2, *r.RotationMoment)
		hammering = append(hammering, r.Hammering)
	}
	assert.Equal(t, []bool{false, true, true, false, false}, hammering)

	require.Len(t, result.Samples, 1)
	s := result.Samples[0]
	assert.Equal(t, "psd-1", s.MethodID)
	assert.Equal(t, "g-1", s.InvestigationID)
	assert.Equal(t, "BH-7", s.LocationName)
	assert.Equal(t, 35.0, *s.WaterContent)
	assert.Equal(t, sample.CompositionQuickClay, s.LayerComposition)
	assert.Equal(t, "kvikkleire | leire", s.LayerCompositionFull)
	assert.Equal(t, 2.5, s.Depth)
	assert.Equal(t, 10.0, *s.Z)
	assert.Equal(t, api.base()+"/geotekniskproveseriedel/items/psd-1", s.URLs.Method)

	assert.Equal(t, 1, result.Stats.Cells)
	assert.Equal(t, 2, result.Stats.Investigations)
	assert.Equal(t, 1, result.Stats.MethodsFailed)
	assert.Equal(t, 1, result.Stats.DocumentsFailed)
	assert.Equal(t, 1, result.Stats.Soundings)
	assert.Equal(t, 1, result.Stats.Samples)
	assert.True(t, result.Stats.Partial())
}

func TestAssemble_WithoutSamples(t *testing.T) {
	api := newFakeAPI(t)
	boreholeFixture(api)

	result, err := newTestPipeline(api, nil).Assemble(context.Background(), testBounds, 2000, model.SampleOptions{})
	require.NoError(t, err)
	assert.Nil(t, result.Samples)
	assert.Len(t, result.Soundings, 1)
	assert.Zero(t, api.hitCount("/ps/g-1"))
}

func TestAssemble_NoInvestigations(t *testing.T) {
	api := newFakeAPI(t)
	api.serveJSON(itemsPath, collection())

	result, err := newTestPipeline(api, nil).Assemble(context.Background(), testBounds, 2000, withSamples)
	require.NoError(t, err)
	assert.NotNil(t, result.Investigations)
	assert.Empty(t, result.Investigations)
	assert.Empty(t, result.Soundings)
	assert.False(t, result.Stats.Partial())
}

func TestAssemble_GridDeduplicates(t *testing.T) {
	api := newFakeAPI(t)
	var calls atomic.Int32
	api.handle(itemsPath, func(w http.ResponseWriter, r *http.Request) {
		g1 := pointFeature(1500, 500, obj{"identifikasjon": obj{"lokalId": "g-1"}})
		if calls.Add(1) == 1 {
			writeJSON(t, w, collection(g1))
			return
		}
		g2 := pointFeature(2500, 500, obj{"identifikasjon": obj{"lokalId": "g-2"}})
		writeJSON(t, w, collection(g1, g2))
	})

	bounds := model.Bounds{MinX: 0, MinY: 0, MaxX: 3000, MaxY: 1000}
	result, err := newTestPipeline(api, nil).Assemble(context.Background(), bounds, 2000, model.SampleOptions{})
	require.NoError(t, err)

	require.Len(t, result.Investigations, 2)
	assert.Equal(t, "g-1", result.Investigations[0].ID)
	assert.Equal(t, "g-2", result.Investigations[1].ID)
	assert.Equal(t, 2, result.Stats.Cells)
	assert.Equal(t, 1, result.Stats.Duplicates)

	cells := bounds.Split(2000)
	require.Len(t, cells, 2)
	var filters []string
	for _, q := range api.rawQueries(itemsPath) {
		filters = append(filters, mustQuery(t, q).Get("filter"))
	}
	assert.Equal(t, []string{cells[0].IntersectsFilter(), cells[1].IntersectsFilter()}, filters)
}

func TestAssemble_FailedCellSkipped(t *testing.T) {
	noSleep(t)
	api := newFakeAPI(t)
	bounds := model.Bounds{MinX: 0, MinY: 0, MaxX: 3000, MaxY: 1000}
	cells := bounds.Split(2000)
	api.handle(itemsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("filter") == cells[1].IntersectsFilter() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(t, w, collection(pointFeature(10, 10, obj{"identifikasjon": obj{"lokalId": "g-1"}})))
	})

	result, err := newTestPipeline(api, nil).Assemble(context.Background(), bounds, 2000, model.SampleOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Investigations, 1)
	assert.Equal(t, 1, result.Stats.CellsFailed)
	assert.True(t, result.Stats.Partial())
}

func TestAssemble_AllCellsFailed(t *testing.T) {
	noSleep(t)
	api := newFakeAPI(t)
	api.status(itemsPath, http.StatusInternalServerError)

	_, err := newTestPipeline(api, nil).Assemble(context.Background(), testBounds, 2000, model.SampleOptions{})
	var te *model.TransportError
	require.ErrorAs(t, err, &te)
}

func TestAssemble_Validation(t *testing.T) {
	api := newFakeAPI(t)
	p := newTestPipeline(api, nil)

	_, err := p.Assemble(context.Background(), model.Bounds{MinX: 1, MaxX: 0, MinY: 0, MaxY: 1}, 2000, model.SampleOptions{})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)

	p = newTestPipeline(api, func(c *model.Config) { c.API.CRS = 1234 })
	_, err = p.Assemble(context.Background(), testBounds, 2000, model.SampleOptions{})
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, api.hitCount(itemsPath))
}

func TestAssemble_Cancelled(t *testing.T) {
	api := newFakeAPI(t)
	boreholeFixture(api)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestPipeline(api, nil).Assemble(ctx, testBounds, 2000, withSamples)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseInvestigations(t *testing.T) {
	features := []model.Feature{
		{Properties: model.Properties{
			"identifikasjon":              map[string]any{"lokalId": "g-1"},
			"boretLengdeTilBerg":          map[string]any{"borlengdeTilBerg": "7,5"},
			"metode-Trykksondering":       []any{map[string]any{"href": "http://x/ts/1"}},
			"metode-KombinasjonSondering": []any{},
		}},
		{Properties: model.Properties{"høyde": 3.0}},
	}

	invs, skipped := ParseInvestigations(features)
	assert.Equal(t, 1, skipped)
	require.Len(t, invs, 1)
	inv := invs[0]
	assert.Nil(t, inv.Point)
	assert.Equal(t, 7.5, *inv.RockDepth.Value)
	assert.Equal(t, model.RockQualityUnknown, *inv.RockDepth.Quality)
	assert.Equal(t, "http://x/ts/1", inv.MethodRef(model.RefCPT).Href)
	assert.True(t, inv.MethodRef(model.RefCombined).Missing())
	assert.True(t, inv.MethodRef(model.RefSamples).Missing())
}

func TestRockDepthDataset(t *testing.T) {
	fp := func(f float64) *float64 { return &f }
	ip := func(i int) *int { return &i }
	invs := []model.Investigation{
		{ID: "proven", Elevation: fp(20), RockDepth: &model.RockDepth{Value: fp(5), Quality: ip(2)}},
		{ID: "inferred", Elevation: fp(20), RockDepth: &model.RockDepth{Value: fp(8), Quality: ip(1)}},
		{ID: "no-value", RockDepth: &model.RockDepth{Quality: ip(2)}},
		{ID: "too-deep", RockDepth: &model.RockDepth{Value: fp(600), Quality: ip(2)}},
		{ID: "deep-no-rock", Elevation: fp(15), DrilledLength: fp(30)},
		{ID: "shallow-no-rock", DrilledLength: fp(10)},
	}

	rows, err := RockDepthDataset(invs, 0, DefaultNoRockDepth)
	require.NoError(t, err)
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.InvestigationID)
	}
	assert.Equal(t, []string{"proven", "inferred", "deep-no-rock"}, ids)
	assert.Equal(t, 15.0, *rows[0].RockElevation)
	assert.Equal(t, SourceRock, rows[0].Source)
	assert.Equal(t, SourceNoRock, rows[2].Source)
	assert.Equal(t, 30.0, rows[2].RockDepth)
	assert.Equal(t, -15.0, *rows[2].RockElevation)
	assert.Equal(t, model.RockQualityUnknown, rows[2].Quality)

	rows, err = RockDepthDataset(invs, 2, DefaultNoRockDepth)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "proven", rows[0].InvestigationID)

	_, err = RockDepthDataset(invs, 3, DefaultNoRockDepth)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	_, err = RockDepthDataset(invs, -1, DefaultNoRockDepth)
	require.ErrorAs(t, err, &ve)
}
