package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ppiankov/nadag/internal/model"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS queries (
		query_id   TEXT PRIMARY KEY,
		bounds     TEXT NOT NULL,
		crs        TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		stats      TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS investigations (
		query_id           TEXT NOT NULL,
		gbhu_id            TEXT NOT NULL,
		x                  REAL,
		y                  REAL,
		elevation          REAL,
		drilled_length     REAL,
		rock_depth         REAL,
		rock_depth_quality INTEGER,
		location_id        TEXT,
		location_name      TEXT,
		original_id        TEXT,
		PRIMARY KEY (query_id, gbhu_id)
	)`,
	`CREATE TABLE IF NOT EXISTS method_executions (
		query_id           TEXT NOT NULL,
		method_type        TEXT NOT NULL,
		method_id          TEXT NOT NULL,
		gbhu_id            TEXT NOT NULL,
		location_id        TEXT,
		location_name      TEXT,
		original_id        TEXT,
		method_status      TEXT,
		method_status_id   INTEGER,
		depth              REAL,
		x                  REAL,
		y                  REAL,
		z                  REAL,
		depth_rock         REAL,
		depth_rock_quality INTEGER,
		url_investigation  TEXT,
		url_method         TEXT,
		url_location       TEXT,
		url_documents      TEXT,
		url_infopage       TEXT,
		PRIMARY KEY (query_id, method_type, method_id, gbhu_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sounding_rows (
		query_id                TEXT NOT NULL,
		method_type             TEXT NOT NULL,
		method_id               TEXT NOT NULL,
		gbhu_id                 TEXT NOT NULL,
		seq                     INTEGER NOT NULL,
		depth                   REAL,
		penetration_force       REAL,
		penetration_rate        REAL,
		rotation_rate           REAL,
		rotation_moment         REAL,
		flushing_pressure       REAL,
		flushing_flow           REAL,
		half_turns              REAL,
		qc                      REAL,
		fs                      REAL,
		u2                      REAL,
		alpha                   REAL,
		comment_code            TEXT,
		hammering               INTEGER NOT NULL,
		increased_rotation_rate INTEGER NOT NULL,
		flushing                INTEGER NOT NULL,
		PRIMARY KEY (query_id, method_type, method_id, gbhu_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS samples (
		query_id               TEXT NOT NULL,
		seq                    INTEGER NOT NULL,
		method_id              TEXT NOT NULL,
		series_id              TEXT,
		gbhu_id                TEXT NOT NULL,
		location_name          TEXT,
		depth_top              REAL,
		depth_base             REAL,
		depth                  REAL,
		water_content          REAL,
		liquid_limit           REAL,
		plastic_limit          REAL,
		strength_undisturbed   REAL,
		strength_undrained     REAL,
		strength_remoulded     REAL,
		layer_composition      TEXT,
		layer_composition_full TEXT,
		x                      REAL,
		y                      REAL,
		z                      REAL,
		url_method             TEXT,
		PRIMARY KEY (query_id, seq)
	)`,
	`CREATE TABLE IF NOT EXISTS rock_depth (
		query_id           TEXT NOT NULL,
		gbhu_id            TEXT NOT NULL,
		source             TEXT NOT NULL,
		x                  REAL,
		y                  REAL,
		elevation          REAL,
		rock_depth         REAL NOT NULL,
		rock_elevation     REAL,
		rock_depth_quality INTEGER NOT NULL,
		PRIMARY KEY (query_id, gbhu_id, source)
	)`,
}

// SQLite stores query results in a local database file. Writing a query
// again replaces its previous rows.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens or creates the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return &SQLite{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Write stores result in a single transaction.
func (s *SQLite) Write(ctx context.Context, result *model.Result) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"queries", "investigations", "method_executions", "sounding_rows", "samples"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE query_id = ?", result.QueryID); err != nil {
				return fmt.Errorf("clearing %s: %w", table, err)
			}
		}

		stats, err := json.Marshal(result.Stats)
		if err != nil {
			return fmt.Errorf("encoding stats: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queries (query_id, bounds, crs, fetched_at, stats) VALUES (?, ?, ?, ?, ?)`,
			result.QueryID, result.Bounds.String(), result.CRS, result.FetchedAt.UTC().Format(time.RFC3339), string(stats),
		); err != nil {
			return fmt.Errorf("inserting query: %w", err)
		}

		for _, inv := range result.Investigations {
			var rock *float64
			var quality *int
			if inv.RockDepth != nil {
				rock, quality = inv.RockDepth.Value, inv.RockDepth.Quality
			}
			x, y := coords(inv.Point)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO investigations (query_id, gbhu_id, x, y, elevation, drilled_length, rock_depth, rock_depth_quality, location_id, location_name, original_id)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				result.QueryID, inv.ID, x, y, inv.Elevation, inv.DrilledLength, rock, quality, inv.LocationID, inv.LocationName, inv.OriginalID,
			); err != nil {
				return fmt.Errorf("inserting investigation %s: %w", inv.ID, err)
			}
		}

		for _, m := range result.Soundings {
			if err := insertExecution(ctx, tx, result.QueryID, m); err != nil {
				return err
			}
		}

		for i, r := range result.Samples {
			x, y := coords(r.Point)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO samples (query_id, seq, method_id, series_id, gbhu_id, location_name, depth_top, depth_base, depth,
				   water_content, liquid_limit, plastic_limit, strength_undisturbed, strength_undrained, strength_remoulded,
				   layer_composition, layer_composition_full, x, y, z, url_method)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				result.QueryID, i, r.MethodID, r.SeriesID, r.InvestigationID, r.LocationName, r.DepthTop, r.DepthBase, r.DepthValue(),
				r.WaterContent, r.LiquidLimit, r.PlasticLimit, r.StrengthUndisturbed, r.StrengthUndrained, r.StrengthRemoulded,
				r.LayerComposition, r.LayerCompositionFull, x, y, r.Z, r.URLs.Method,
			); err != nil {
				return fmt.Errorf("inserting sample %s: %w", r.MethodID, err)
			}
		}
		return nil
	})
}

func insertExecution(ctx context.Context, tx *sql.Tx, queryID string, m model.MethodExecution) error {
	x, y := coords(m.Point)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO method_executions (query_id, method_type, method_id, gbhu_id, location_id, location_name, original_id,
		   method_status, method_status_id, depth, x, y, z, depth_rock, depth_rock_quality,
		   url_investigation, url_method, url_location, url_documents, url_infopage)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		queryID, string(m.MethodType), m.MethodID, m.InvestigationID, m.LocationID, m.LocationName, m.OriginalID,
		m.Status, m.StatusID, m.MaxDepth, x, y, m.Elevation, m.RockDepth, m.RockDepthQuality,
		m.URLs.Investigation, m.URLs.Method, m.URLs.Location, m.URLs.Documents, m.URLs.InfoPage,
	); err != nil {
		return fmt.Errorf("inserting %s execution %s: %w", m.MethodType, m.MethodID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO sounding_rows (query_id, method_type, method_id, gbhu_id, seq, depth, penetration_force, penetration_rate,
		   rotation_rate, rotation_moment, flushing_pressure, flushing_flow, half_turns, qc, fs, u2, alpha, comment_code,
		   hammering, increased_rotation_rate, flushing)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing sounding rows: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i, r := range m.Data {
		if _, err := stmt.ExecContext(ctx,
			queryID, string(m.MethodType), m.MethodID, m.InvestigationID, i, r.Depth, r.PenetrationForce, r.PenetrationRate,
			r.RotationRate, r.RotationMoment, r.FlushingPressure, r.FlushingFlow, r.HalfTurns, r.QC, r.FS, r.U2, r.Alpha, r.CommentCode,
			r.Hammering, r.IncreasedRotationRate, r.Flushing,
		); err != nil {
			return fmt.Errorf("inserting sounding row %d of %s: %w", i, m.MethodID, err)
		}
	}
	return nil
}

// WriteRockDepth replaces the rock depth dataset stored under queryID.
func (s *SQLite) WriteRockDepth(ctx context.Context, queryID string, rows []model.RockDepthRow) error {
	return s.tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM rock_depth WHERE query_id = ?", queryID); err != nil {
			return fmt.Errorf("clearing rock_depth: %w", err)
		}
		for _, r := range rows {
			x, y := coords(r.Point)
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO rock_depth (query_id, gbhu_id, source, x, y, elevation, rock_depth, rock_elevation, rock_depth_quality)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				queryID, r.InvestigationID, r.Source, x, y, r.Elevation, r.RockDepth, r.RockElevation, r.Quality,
			); err != nil {
				return fmt.Errorf("inserting rock depth %s: %w", r.InvestigationID, err)
			}
		}
		return nil
	})
}

func (s *SQLite) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func coords(p *model.Point) (any, any) {
	if p == nil {
		return nil, nil
	}
	return p.X, p.Y
}
