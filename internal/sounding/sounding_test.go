package sounding

import (
	"encoding/json"
	"testing"

	"github.com/ppiankov/nadag/internal/model"
	"github.com/ppiankov/nadag/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strp(s string) *string { return &s }

func fp(f float64) *float64 { return &f }

func newTestNormalizer() *Normalizer {
	return NewNormalizer(model.DefaultConfig(), observability.DiscardLogger(), observability.NewMetricsForTesting())
}

func TestInterval_EndWinsOverStart(t *testing.T) {
	codes := model.FlagCodes{Start: []string{"11"}, End: []string{"16"}}
	tokens := [][]string{nil, {"11"}, nil, {"11", "16"}, {"11"}, {"16"}, nil}

	got := interval(tokens, codes)
	assert.Equal(t, []bool{false, true, true, false, true, false, false}, got)
}

func TestInterval_UnmatchedStartRunsToEnd(t *testing.T) {
	codes := model.FlagCodes{Start: []string{"11"}, End: []string{"16"}}
	got := interval([][]string{nil, {"11"}, nil, nil}, codes)
	assert.Equal(t, []bool{false, true, true, true}, got)

	assert.Empty(t, interval(nil, codes))
}

func TestDeriveFlags_Independent(t *testing.T) {
	cfg := model.DefaultConfig().Flags
	codes := []*string{strp("11"), strp("14"), strp("16 12"), nil, strp("15;17")}

	flags := DeriveFlags(codes, cfg)
	assert.Equal(t, []bool{true, true, false, false, false}, flags.Hammering)
	assert.Equal(t, []bool{false, false, true, true, false}, flags.IncreasedRotationRate)
	assert.Equal(t, []bool{false, true, true, true, false}, flags.Flushing)
}

func TestCodeTokens_WholeCodesOnly(t *testing.T) {
	assert.Equal(t, []string{"11", "43"}, CodeTokens("11 43"))
	assert.Equal(t, []string{"116"}, CodeTokens("116"))
	assert.Empty(t, CodeTokens(""))

	cfg := model.FlagCodes{Start: []string{"11"}, End: []string{"16"}}
	// "116" is neither 11 nor 16
	assert.Equal(t, []bool{false}, interval([][]string{CodeTokens("116")}, cfg))
}

func TestFormatCode(t *testing.T) {
	s, ok := FormatCode(11.0)
	require.True(t, ok)
	assert.Equal(t, "11", s)

	s, ok = FormatCode("16")
	require.True(t, ok)
	assert.Equal(t, "16", s)

	_, ok = FormatCode(nil)
	assert.False(t, ok)
	_, ok = FormatCode("")
	assert.False(t, ok)
}

func TestNormalizeRows_RenameSortFlags(t *testing.T) {
	props := []model.Properties{
		{"boretLengde": 3.0, "observasjonKode": 16.0, "nedpressingsKraft": 2.5, "kombinasjonSondering": map[string]any{"title": "ks-1"}},
		{"boretLengde": 1.0, "observasjonKode": "11", "nedpressingsKraft": 1.5, "kombinasjonSondering": map[string]any{"title": "ks-1"}},
		{"boretLengde": 0.0, "observasjonKode": nil, "kombinasjonSondering": map[string]any{"title": "ks-1"}},
		{"boretLengde": 4.0, "kombinasjonSondering": map[string]any{"title": "ks-1"}, "målemetode": "x"},
		{"boretLengde": 2.0, "kombinasjonSondering": map[string]any{"title": "ks-1"}},
	}

	rows, err := newTestNormalizer().NormalizeRows(props, model.MethodTOT, nil)
	require.NoError(t, err)
	require.Len(t, rows, 5)

	depths := make([]float64, len(rows))
	hammering := make([]bool, len(rows))
	for i, r := range rows {
		depths[i] = *r.Depth
		hammering[i] = r.Hammering
		assert.Equal(t, "ks-1", r.MethodID)
	}
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, depths)
	assert.Equal(t, []bool{false, true, true, false, false}, hammering)
	assert.Equal(t, 1.5, *rows[1].PenetrationForce)
	assert.Equal(t, "16", *rows[3].CommentCode)
	assert.Equal(t, "x", rows[4].Extra["målemetode"])
}

func TestNormalizeRows_FlagsOnlyForTot(t *testing.T) {
	props := []model.Properties{
		{"boretlengde": 0.0, "observasjonkode": "11"},
		{"boretlengde": 1.0},
	}
	rows, err := newTestNormalizer().NormalizeRows(props, model.MethodRP, nil)
	require.NoError(t, err)
	for _, r := range rows {
		assert.False(t, r.Hammering)
		assert.False(t, r.IncreasedRotationRate)
		assert.False(t, r.Flushing)
	}
}

func TestNormalizeRows_CPTAlpha(t *testing.T) {
	props := []model.Properties{
		{"boretlengde": 0.5, "nedpressingtrykk": 1.2, "friksjon": 0.01, "poretrykk": 30.0},
		{"boretlengde": 0.2, "nedpressingtrykk": 0.9},
	}
	rows, err := newTestNormalizer().NormalizeRows(props, model.MethodCPT, fp(0.85))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		require.NotNil(t, r.Alpha)
		assert.Equal(t, 0.85, *r.Alpha)
	}
	assert.Equal(t, 0.9, *rows[0].QC)
	assert.Equal(t, 30.0, *rows[1].U2)
}

func TestNormalizeRows_BestEffort(t *testing.T) {
	props := []model.Properties{
		{"boretlengde": 1.0, "dreiemoment": "not-a-number", "rotasjonshastighet": 25.0},
		{"boretlengde": nil},
		{"boretlengde": 0.5},
	}
	rows, err := newTestNormalizer().NormalizeRows(props, model.MethodTOT, nil)

	var se *model.SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "rotation_moment", se.Key)

	require.Len(t, rows, 3)
	assert.Equal(t, 0.5, *rows[0].Depth)
	assert.Nil(t, rows[1].RotationMoment)
	assert.Equal(t, 25.0, *rows[1].RotationRate)
	assert.Nil(t, rows[2].Depth, "rows without depth sort last")
}

func TestNormalizeRows_Idempotent(t *testing.T) {
	n := newTestNormalizer()
	props := []model.Properties{
		{"boretLengde": 1.0, "observasjonKode": "11", "dreieMoment": 3.0, "kombinasjonSondering": map[string]any{"title": "ks-9"}, "extraCol": "a"},
		{"boretLengde": 2.0, "observasjonKode": "16", "spyleTrykk": 4.0, "kombinasjonSondering": map[string]any{"title": "ks-9"}},
	}
	first, err := n.NormalizeRows(props, model.MethodTOT, nil)
	require.NoError(t, err)

	again := make([]model.Properties, len(first))
	for i := range first {
		again[i] = first[i].Properties()
	}
	second, err := n.NormalizeRows(again, model.MethodTOT, nil)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	for _, r := range second {
		for k := range r.Extra {
			assert.NotContains(t, []string{"depth", "comment_code", "method_id"}, k)
		}
	}
}

func TestNormalize_PerDocumentIsolation(t *testing.T) {
	good := &model.Document{Features: []model.Feature{
		{Properties: model.Properties{"boretlengde": 1.0}},
	}}
	bad := &model.Document{Features: []model.Feature{
		{Properties: model.Properties{"boretlengde": "deep"}},
	}}
	empty := &model.Document{}

	tables, degraded := newTestNormalizer().Normalize([]Input{{Doc: good}, {Doc: nil}, {Doc: bad}, {Doc: empty}}, model.MethodRP)
	require.Len(t, tables, 4)
	assert.Equal(t, 1, degraded)
	assert.Len(t, tables[0], 1)
	assert.NotNil(t, tables[1])
	assert.Empty(t, tables[1])
	assert.Len(t, tables[2], 1)
	assert.Nil(t, tables[2][0].Depth)
	assert.Empty(t, tables[3])
}

func TestNormalizeDocument_FromJSON(t *testing.T) {
	body := `{"type":"FeatureCollection","features":[
	  {"type":"Feature","properties":{"boretLengde":2,"observasjonKode":null,"kombinasjonSondering":{"title":"ks-2","href":"http://x"}}},
	  {"type":"Feature","properties":{"boretLengde":1,"observasjonKode":11,"kombinasjonSondering":{"title":"ks-2","href":"http://x"}}}
	],"links":[]}`
	var doc model.Document
	require.NoError(t, json.Unmarshal([]byte(body), &doc))

	rows, err := newTestNormalizer().NormalizeDocument(&doc, model.MethodTOT, nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "11", *rows[0].CommentCode)
	assert.True(t, rows[0].Hammering)
	assert.True(t, rows[1].Hammering)
	assert.Nil(t, rows[1].CommentCode)
}
