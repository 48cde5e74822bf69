package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is the complete runtime configuration. It is built once (defaults,
// then config file, env and flags) and passed read-only to every component.
type Config struct {
	API         APIConfig         `yaml:"api" mapstructure:"api"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	Grid        GridConfig        `yaml:"grid" mapstructure:"grid"`
	Columns     ColumnConfig      `yaml:"columns" mapstructure:"columns"`
	Flags       FlagConfig        `yaml:"flags" mapstructure:"flags"`
	Samples     SampleConfig      `yaml:"samples" mapstructure:"samples"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
	Kafka       KafkaConfig       `yaml:"kafka" mapstructure:"kafka"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
}

// APIConfig configures access to the feature API.
type APIConfig struct {
	BaseURL        string            `yaml:"base_url" mapstructure:"base_url"`
	InfoPageURL    string            `yaml:"info_page_url" mapstructure:"info_page_url"`
	CRS            int               `yaml:"crs" mapstructure:"crs"`
	CRSTable       map[string]string `yaml:"crs_table" mapstructure:"crs_table"`
	Collections    []string          `yaml:"collections" mapstructure:"collections"`
	PageLimit      int               `yaml:"page_limit" mapstructure:"page_limit"`
	Timeout        time.Duration     `yaml:"timeout" mapstructure:"timeout"`
	ResolveTimeout time.Duration     `yaml:"resolve_timeout" mapstructure:"resolve_timeout"`
	StatusTimeout  time.Duration     `yaml:"status_timeout" mapstructure:"status_timeout"`
	MaxRetries     int               `yaml:"max_retries" mapstructure:"max_retries"`
	UserAgent      string            `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes   int64             `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RespectRobots  bool              `yaml:"respect_robots" mapstructure:"respect_robots"`
	HTTPProxy      string            `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy     string            `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy        string            `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// ConcurrencyConfig bounds in-flight work.
type ConcurrencyConfig struct {
	MaxInFlight       int     `yaml:"max_in_flight" mapstructure:"max_in_flight"`
	CellWorkers       int     `yaml:"cell_workers" mapstructure:"cell_workers"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// GridConfig controls partitioning of large query extents.
type GridConfig struct {
	MaxQueryExtent float64 `yaml:"max_query_extent" mapstructure:"max_query_extent"`
}

// ColumnConfig holds the raw-to-canonical column name tables.
// Keys are lower-case raw property names.
type ColumnConfig struct {
	Sounding      map[string]string `yaml:"sounding" mapstructure:"sounding"`
	Sample        map[string]string `yaml:"sample" mapstructure:"sample"`
	SampleColumns []string          `yaml:"sample_columns" mapstructure:"sample_columns"`
}

// FlagCodes lists the comment codes that open and close one interval flag.
type FlagCodes struct {
	Start []string `yaml:"start" mapstructure:"start"`
	End   []string `yaml:"end" mapstructure:"end"`
}

// FlagConfig maps each derived sounding flag to its codes.
type FlagConfig struct {
	Hammering             FlagCodes `yaml:"hammering" mapstructure:"hammering"`
	IncreasedRotationRate FlagCodes `yaml:"increased_rotation_rate" mapstructure:"increased_rotation_rate"`
	Flushing              FlagCodes `yaml:"flushing" mapstructure:"flushing"`
}

// SampleConfig controls sample aggregation.
type SampleConfig struct {
	Include             bool     `yaml:"include" mapstructure:"include"`
	Aggregate           bool     `yaml:"aggregate" mapstructure:"aggregate"`
	MapLayerComposition bool     `yaml:"map_layer_composition" mapstructure:"map_layer_composition"`
	QuickClayKeywords   []string `yaml:"quick_clay_keywords" mapstructure:"quick_clay_keywords"`
}

// SampleOptions selects how one query builds its sample rows. The zero
// value leaves samples out.
type SampleOptions struct {
	Include             bool
	Aggregate           bool
	MapLayerComposition bool
}

// Options returns the configured per-query sample options.
func (c SampleConfig) Options() SampleOptions {
	return SampleOptions{
		Include:             c.Include,
		Aggregate:           c.Aggregate,
		MapLayerComposition: c.MapLayerComposition,
	}
}

// CacheConfig configures the per-query document memo.
type CacheConfig struct {
	TTL             time.Duration `yaml:"ttl" mapstructure:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
}

// OutputConfig selects result sinks for the fetch command.
type OutputConfig struct {
	GeoJSONPath string `yaml:"geojson_path" mapstructure:"geojson_path"`
	SQLitePath  string `yaml:"sqlite_path,omitempty" mapstructure:"sqlite_path"`
	Kafka       bool   `yaml:"kafka" mapstructure:"kafka"`
}

// KafkaConfig configures publishing of method executions.
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" mapstructure:"brokers"`
	Topic        string        `yaml:"topic" mapstructure:"topic"`
	BatchSize    int           `yaml:"batch_size" mapstructure:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	QueryTimeout    time.Duration `yaml:"query_timeout" mapstructure:"query_timeout"`
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultCollections is used when the API landing document is unavailable.
var DefaultCollections = []string{
	"deformasjonmaling",
	"dynamisksondering",
	"dynamisksonderingdata",
	"geotekniskborehull",
	"geotekniskborehullunders",
	"geotekniskdokument",
	"geotekniskfeltunders",
	"geotekniskproveserie",
	"geotekniskproveseriedel",
	"geotekniskproveseriedeldata",
	"geoteknisktolketlag",
	"geoteknisktolketpunkt",
	"geotekniskunders",
	"grunnvanndata",
	"grunnvannmaling",
	"kjerneprove",
	"kombinasjonsondering",
	"kombinasjonsonderingdata",
	"miljoundersokelse",
	"poretrykkdatainsitu",
	"statisksondering",
	"statisksonderingdata",
	"trykksondering",
	"trykksonderingdata",
	"vingeboring",
	"vingeboringdata",
}

// EPSGURI returns the OGC URI of an EPSG code.
func EPSGURI(code int) string {
	return "http://www.opengis.net/def/crs/EPSG/0/" + strconv.Itoa(code)
}

// DefaultCRSTable is used when the API landing document is unavailable.
func DefaultCRSTable() map[string]string {
	table := make(map[string]string)
	for _, code := range []int{25833, 25832, 4258, 3857, 4326} {
		table[strconv.Itoa(code)] = EPSGURI(code)
	}
	return table
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "https://ogcapitest.ngu.no/rest/services/grunnundersokelser_utvidet/v1/collections",
			InfoPageURL:    "https://geo.ngu.no/api/faktaark/nadag/visGeotekniskBorehull.php",
			CRS:            25833,
			CRSTable:       DefaultCRSTable(),
			Collections:    append([]string(nil), DefaultCollections...),
			PageLimit:      1000,
			Timeout:        60 * time.Second,
			ResolveTimeout: 300 * time.Second,
			StatusTimeout:  5 * time.Second,
			MaxRetries:     3,
			UserAgent:      "nadag/0.1 (+https://github.com/ppiankov/nadag)",
			MaxBodyBytes:   64 << 20,
			RespectRobots:  true,
		},
		Concurrency: ConcurrencyConfig{
			MaxInFlight:       32,
			CellWorkers:       1,
			RequestsPerSecond: 20,
			Burst:             10,
		},
		Grid: GridConfig{
			MaxQueryExtent: 2000,
		},
		Columns: ColumnConfig{
			Sounding: map[string]string{
				"boretlengde":            ColDepth,
				"nedpressingtrykk":       ColQC,
				"nedpressingskraft":      ColPenetrationForce,
				"nedpressingshastighet":  ColPenetrationRate,
				"rotasjonshastighet":     ColRotationRate,
				"dreiemoment":            ColRotationMoment,
				"observasjonkode":        ColCommentCode,
				"spyletrykk":             ColFlushingPressure,
				"spylemengde":            ColFlushingFlow,
				"antallhalvomdreininger": ColHalfTurns,
				"friksjon":               ColFS,
				"poretrykk":              ColU2,
				"kombinasjonsondering":   ColMethodID,
				"statisksondering":       ColMethodID,
				"trykksondering":         ColMethodID,
			},
			Sample: map[string]string{
				"prøveseriedelid":         ColMethodID,
				"startlengde":             ColDepthTop,
				"sluttlengde":             ColDepthBase,
				"vanninnhold":             ColWaterContent,
				"flytegrense":             ColLiquidLimit,
				"plastisitetsgrense":      ColPlasticLimit,
				"skjærfasthetuforstyrret": ColStrengthUndisturbed,
				"skjærfasthetudrenert":    ColStrengthUndrained,
				"skjærfasthetomrørt":      ColStrengthRemoulded,
				"lagsammensetning":        ColLayerComposition,
				"høyde":                   ColLocationElevation,
				"boretlengde":             ColDrilledLength,
				"ps_id":                   ColSeriesID,
			},
			SampleColumns: []string{
				"prøveseriedelId",
				"startLengde",
				"sluttLengde",
				"vanninnhold",
				"flytegrense",
				"plastisitetsgrense",
				"skjærfasthetUforstyrret",
				"skjærfasthetUdrenert",
				"skjærfasthetOmrørt",
				"lagSammensetning",
				"høyde",
				"ps_id",
			},
		},
		Flags: FlagConfig{
			Hammering:             FlagCodes{Start: []string{"11"}, End: []string{"16"}},
			IncreasedRotationRate: FlagCodes{Start: []string{"12"}, End: []string{"17"}},
			Flushing:              FlagCodes{Start: []string{"14"}, End: []string{"15"}},
		},
		Samples: SampleConfig{
			Include:             true,
			Aggregate:           true,
			MapLayerComposition: true,
			QuickClayKeywords:   []string{"quick", "kvikk", "sprøbrudd"},
		},
		Cache: CacheConfig{
			TTL:             30 * time.Minute,
			CleanupInterval: 10 * time.Minute,
		},
		Output: OutputConfig{
			GeoJSONPath: "boreholes.geojson",
		},
		Kafka: KafkaConfig{
			Topic:        "nadag.method-executions",
			BatchSize:    100,
			BatchTimeout: time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    10 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
			QueryTimeout:    5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// CRSURI returns the URI of the configured default reference system.
func (c *Config) CRSURI() (string, error) {
	uri, ok := c.API.CRSTable[strconv.Itoa(c.API.CRS)]
	if !ok {
		return "", &ValidationError{Field: "api.crs", Reason: fmt.Sprintf("EPSG:%d not offered by the API", c.API.CRS)}
	}
	return uri, nil
}

// HasCollection reports whether name is a known collection.
func (c *Config) HasCollection(name string) bool {
	for _, col := range c.API.Collections {
		if col == name {
			return true
		}
	}
	return false
}

// Validate rejects configurations that would fail at query time.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.API.BaseURL) == "" {
		return &ValidationError{Field: "api.base_url", Reason: "must not be empty"}
	}
	if _, err := c.CRSURI(); err != nil {
		return err
	}
	if c.API.PageLimit <= 0 {
		return &ValidationError{Field: "api.page_limit", Reason: "must be positive"}
	}
	if c.API.ResolveTimeout <= 0 {
		return &ValidationError{Field: "api.resolve_timeout", Reason: "must be positive"}
	}
	if c.API.MaxRetries < 1 {
		return &ValidationError{Field: "api.max_retries", Reason: "must be at least 1"}
	}
	if c.Concurrency.MaxInFlight <= 0 {
		return &ValidationError{Field: "concurrency.max_in_flight", Reason: "must be positive"}
	}
	if c.Concurrency.RequestsPerSecond <= 0 {
		return &ValidationError{Field: "concurrency.requests_per_second", Reason: "must be positive"}
	}
	if c.Grid.MaxQueryExtent <= 0 {
		return &ValidationError{Field: "grid.max_query_extent", Reason: "must be positive"}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "log.level", Reason: fmt.Sprintf("unknown level %q", c.Log.Level)}
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return &ValidationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}
