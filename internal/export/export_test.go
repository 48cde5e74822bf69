package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
)

func fp(f float64) *float64 { return &f }

func testResult() *model.Result {
	code := "11"
	q := 2
	return &model.Result{
		QueryID:   "q-1",
		Bounds:    model.Bounds{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10},
		CRS:       model.EPSGURI(25833),
		FetchedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Investigations: []model.Investigation{
			{ID: "g-1", Point: &model.Point{X: 1, Y: 2}, Elevation: fp(10), RockDepth: &model.RockDepth{Value: fp(4), Quality: &q}},
			{ID: "g-2"},
		},
		Soundings: []model.MethodExecution{{
			MethodType:      model.MethodTOT,
			MethodID:        "ks-1",
			InvestigationID: "g-1",
			Status:          model.StatusConducted,
			StatusID:        model.StatusConductedID,
			MaxDepth:        fp(1),
			Point:           &model.Point{X: 1, Y: 2},
			URLs:            model.MethodURLs{Method: "http://api/ks/1"},
			Data: []model.SoundingRow{
				{Depth: fp(0)},
				{Depth: fp(1), CommentCode: &code, Hammering: true},
			},
		}},
		Samples: []model.SampleRow{
			{MethodID: "psd-1", InvestigationID: "g-1", MethodType: model.MethodSA, Depth: math.NaN(), LayerComposition: "other"},
			{MethodID: "psd-2", InvestigationID: "g-1", MethodType: model.MethodSA, Depth: 2.5, WaterContent: fp(30)},
		},
		Stats: model.Stats{Cells: 1, Investigations: 2, Soundings: 1, Samples: 2},
	}
}

func TestEncodeGeoJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodeGeoJSON(&buf, testResult()))

	var fc struct {
		Type    string `json:"type"`
		QueryID string `json:"query_id"`
		CRS     struct {
			Properties map[string]string `json:"properties"`
		} `json:"crs"`
		Features []struct {
			ID       string          `json:"id"`
			Geometry json.RawMessage `json:"geometry"`
			Props    map[string]any  `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fc))

	assert.Equal(t, "FeatureCollection", fc.Type)
	assert.Equal(t, "q-1", fc.QueryID)
	assert.Equal(t, model.EPSGURI(25833), fc.CRS.Properties["name"])
	require.Len(t, fc.Features, 5)

	layers := make([]any, len(fc.Features))
	for i, f := range fc.Features {
		layers[i] = f.Props["layer"]
	}
	assert.Equal(t, []any{"investigation", "investigation", "sounding", "sample", "sample"}, layers)

	assert.JSONEq(t, `{"type":"Point","coordinates":[1,2]}`, string(fc.Features[0].Geometry))
	assert.Equal(t, "null", string(fc.Features[1].Geometry))

	sounding := fc.Features[2].Props
	assert.Equal(t, "ks-1", sounding["method_id"])
	assert.Len(t, sounding["data"], 2)

	assert.Nil(t, fc.Features[3].Props["depth"], "NaN depth is written as null")
	assert.Equal(t, 2.5, fc.Features[4].Props["depth"])
}

func TestGeoJSONFile_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "boreholes.geojson")
	sink := NewGeoJSONFile(path)
	require.NoError(t, sink.Write(context.Background(), testResult()))
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"query_id": "q-1"`)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteRockDepthFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rock.geojson")
	rows := []model.RockDepthRow{{InvestigationID: "g-1", Point: &model.Point{X: 1, Y: 2}, RockDepth: 4, Quality: 2, Source: "nadag"}}
	require.NoError(t, WriteRockDepthFile(path, model.EPSGURI(25833), rows))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"layer": "rock_depth"`)
	assert.Contains(t, string(data), `"source": "nadag"`)
}

func TestSQLite_WriteReplacesQuery(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "nadag.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	require.NoError(t, db.Write(ctx, testResult()))
	require.NoError(t, db.Write(ctx, testResult()))

	count := func(table string) int {
		var n int
		require.NoError(t, db.db.QueryRow("SELECT COUNT(*) FROM "+table+" WHERE query_id = ?", "q-1").Scan(&n))
		return n
	}
	assert.Equal(t, 1, count("queries"))
	assert.Equal(t, 2, count("investigations"))
	assert.Equal(t, 1, count("method_executions"))
	assert.Equal(t, 2, count("sounding_rows"))
	assert.Equal(t, 2, count("samples"))

	var hammering int
	var code string
	require.NoError(t, db.db.QueryRow(
		"SELECT hammering, comment_code FROM sounding_rows WHERE query_id = ? AND seq = 1", "q-1",
	).Scan(&hammering, &code))
	assert.Equal(t, 1, hammering)
	assert.Equal(t, "11", code)

	var depth *float64
	require.NoError(t, db.db.QueryRow("SELECT depth FROM samples WHERE query_id = ? AND seq = 0", "q-1").Scan(&depth))
	assert.Nil(t, depth)
}

func TestSQLite_WriteRockDepth(t *testing.T) {
	db, err := NewSQLite(filepath.Join(t.TempDir(), "nadag.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rows := []model.RockDepthRow{
		{InvestigationID: "g-1", RockDepth: 4, RockElevation: fp(6), Quality: 2, Source: "nadag"},
		{InvestigationID: "g-2", RockDepth: 30, Quality: 0, Source: "nadag_no_rock"},
	}
	require.NoError(t, db.WriteRockDepth(context.Background(), "q-1", rows))
	require.NoError(t, db.WriteRockDepth(context.Background(), "q-1", rows[:1]))

	var n int
	require.NoError(t, db.db.QueryRow("SELECT COUNT(*) FROM rock_depth").Scan(&n))
	assert.Equal(t, 1, n)
}

type fakeMessageWriter struct {
	batches [][]kafkago.Message
	err     error
	closed  bool
}

func (f *fakeMessageWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, msgs)
	return nil
}

func (f *fakeMessageWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafka_WriteBatches(t *testing.T) {
	w := &fakeMessageWriter{}
	k := newKafka(w, 2, observability.DiscardLogger())

	require.NoError(t, k.Write(context.Background(), testResult()))
	require.Len(t, w.batches, 2)
	assert.Len(t, w.batches[0], 2)
	assert.Len(t, w.batches[1], 1)

	first := w.batches[0][0]
	assert.Equal(t, []byte("g-1"), first.Key)
	assert.Contains(t, string(first.Value), `"method_type":"tot"`)
	require.Len(t, first.Headers, 3)
	assert.Equal(t, "method_type", first.Headers[0].Key)
	assert.Equal(t, []byte("tot"), first.Headers[0].Value)
	assert.Equal(t, []byte("2026-03-01T12:00:00Z"), first.Headers[2].Value)

	require.NoError(t, k.Close())
	assert.True(t, w.closed)
}

func TestKafka_WriteError(t *testing.T) {
	w := &fakeMessageWriter{err: errors.New("broker down")}
	err := newKafka(w, 10, observability.DiscardLogger()).Write(context.Background(), testResult())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

type recordingSink struct {
	writes int
	err    error
}

func (r *recordingSink) Write(context.Context, *model.Result) error {
	r.writes++
	return r.err
}

func (r *recordingSink) Close() error { return r.err }

func TestMulti(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{err: errors.New("full")}
	c := &recordingSink{}
	m := Multi{a, b, c}

	require.Error(t, m.Write(context.Background(), testResult()))
	assert.Equal(t, 1, a.writes)
	assert.Equal(t, 1, b.writes)
	assert.Zero(t, c.writes, "stops at the first failure")
	assert.EqualError(t, m.Close(), "full")
}
