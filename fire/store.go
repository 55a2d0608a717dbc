package fire

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/paulmach/orb/encoding/wkb"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID is unknown to the store.
var ErrRunNotFound = errors.New("run not found")

// RunInfo describes one stored pipeline run.
type RunInfo struct {
	RunID     string    `json:"runId"`
	CreatedAt time.Time `json:"createdAt"`
	Mode      Mode      `json:"mode"`
	Config    *Config   `json:"config"`
}

// Store persists datasets, reconstructions and evaluations in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the database at path and migrates it to the
// latest schema.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	// modernc sqlite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// Not closed: closing m would close the shared *sql.DB.
	m.Log = &migrateLogger{}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// CreateRun records a new run with its configuration and returns its ID.
func (s *Store) CreateRun(cfg *Config, mode Mode) (string, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding run config: %w", err)
	}
	runID := uuid.New().String()
	_, err = s.db.Exec(`INSERT INTO runs (run_id, created_at, mode, config_json) VALUES (?, ?, ?, ?)`,
		runID, time.Now().UnixNano(), string(mode), string(cfgJSON))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return runID, nil
}

// Run returns the metadata of one run.
func (s *Store) Run(runID string) (RunInfo, error) {
	var (
		info    RunInfo
		created int64
		mode    string
		cfgJSON string
	)
	err := s.db.QueryRow(`SELECT run_id, created_at, mode, config_json FROM runs WHERE run_id = ?`, runID).
		Scan(&info.RunID, &created, &mode, &cfgJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return RunInfo{}, fmt.Errorf("query run: %w", err)
	}
	info.CreatedAt = time.Unix(0, created).UTC()
	info.Mode = Mode(mode)
	info.Config = DefaultConfig()
	if err := json.Unmarshal([]byte(cfgJSON), info.Config); err != nil {
		return RunInfo{}, fmt.Errorf("decoding run config: %w", err)
	}
	return info, nil
}

// LatestRunID returns the most recently created run, or ErrRunNotFound for
// an empty store.
func (s *Store) LatestRunID() (string, error) {
	var runID string
	err := s.db.QueryRow(`SELECT run_id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrRunNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query latest run: %w", err)
	}
	return runID, nil
}

// SaveDataset stores the dataset's perimeters, detections and stats.
func (s *Store) SaveDataset(runID string, ds *Dataset) error {
	statsJSON, err := json.Marshal(ds.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	return s.inTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE runs SET stats_json = ? WHERE run_id = ?`, string(statsJSON), runID)
		if err != nil {
			return fmt.Errorf("update run stats: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}

		pstmt, err := tx.Prepare(`INSERT INTO perimeters
			(run_id, fire_id, fire_name, inc_num, alarm_date, cont_date, year, geometry)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer pstmt.Close()
		for _, p := range ds.Perimeters {
			geom, err := wkb.Marshal(p.Geometry)
			if err != nil {
				return fmt.Errorf("encoding perimeter %s: %w", p.FireID, err)
			}
			if _, err := pstmt.Exec(runID, p.FireID, p.Name, p.IncidentNumber,
				p.AlarmDate.UnixMilli(), p.ContDate.UnixMilli(), p.Year, geom); err != nil {
				return fmt.Errorf("insert perimeter %s: %w", p.FireID, err)
			}
		}

		dstmt, err := tx.Prepare(`INSERT INTO detections
			(run_id, seq, fire_id, window_id, x, y, acquired_at, satellite)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer dstmt.Close()
		for i, d := range ds.Detections {
			if _, err := dstmt.Exec(runID, i, d.FireID, d.WindowID, d.Location[0], d.Location[1],
				d.AcquiredAt.UnixNano(), d.Satellite); err != nil {
				return fmt.Errorf("insert detection %d: %w", i, err)
			}
		}
		return nil
	})
}

// SaveReconstructions stores every result; null results keep a NULL
// geometry.
func (s *Store) SaveReconstructions(runID string, recs []FireReconstruction) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO reconstructions
			(run_id, fire_id, seq, window_id, n_points, timestamp, geometry)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, fr := range recs {
			for i, res := range fr.Results {
				var geom []byte
				if !res.IsNull() {
					if geom, err = wkb.Marshal(res.Geometry); err != nil {
						return fmt.Errorf("encoding result %s/%d: %w", fr.FireID, res.WindowID, err)
					}
				}
				if _, err := stmt.Exec(runID, fr.FireID, i, res.WindowID, res.NPoints,
					res.Timestamp.UnixNano(), geom); err != nil {
					return fmt.Errorf("insert result %s/%d: %w", fr.FireID, res.WindowID, err)
				}
			}
		}
		return nil
	})
}

// SaveEvaluations stores per-fire evaluations.
func (s *Store) SaveEvaluations(runID string, evals []Evaluation) error {
	return s.inTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO evaluations
			(run_id, fire_id, window_id, is_null, n_points, true_area_km2, pred_area_km2,
			 intersection_km2, area_ratio, iou, precision, recall)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, ev := range evals {
			if _, err := stmt.Exec(runID, ev.FireID, ev.WindowID, ev.Null, ev.NPoints,
				ev.TrueArea, ev.PredArea, ev.Intersection, ev.AreaRatio,
				ev.IoU, ev.Precision, ev.Recall); err != nil {
				return fmt.Errorf("insert evaluation %s: %w", ev.FireID, err)
			}
		}
		return nil
	})
}

// LoadDataset reads back the dataset saved for runID.
func (s *Store) LoadDataset(runID string) (*Dataset, error) {
	var statsJSON sql.NullString
	err := s.db.QueryRow(`SELECT stats_json FROM runs WHERE run_id = ?`, runID).Scan(&statsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("query run stats: %w", err)
	}
	ds := &Dataset{}
	if statsJSON.Valid {
		if err := json.Unmarshal([]byte(statsJSON.String), &ds.Stats); err != nil {
			return nil, fmt.Errorf("decoding stats: %w", err)
		}
	}

	prows, err := s.db.Query(`SELECT fire_id, fire_name, inc_num, alarm_date, cont_date, year, geometry
		FROM perimeters WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query perimeters: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var (
			p           Perimeter
			alarm, cont int64
			geom        []byte
		)
		if err := prows.Scan(&p.FireID, &p.Name, &p.IncidentNumber, &alarm, &cont, &p.Year, &geom); err != nil {
			return nil, err
		}
		g, err := wkb.Unmarshal(geom)
		if err != nil {
			return nil, fmt.Errorf("decoding perimeter %s: %w", p.FireID, err)
		}
		p.Geometry = asMultiPolygon(g)
		p.AlarmDate = time.UnixMilli(alarm).UTC()
		p.ContDate = time.UnixMilli(cont).UTC()
		ds.Perimeters = append(ds.Perimeters, p)
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	drows, err := s.db.Query(`SELECT fire_id, window_id, x, y, acquired_at, satellite
		FROM detections WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer drows.Close()
	for drows.Next() {
		var (
			d  Detection
			at int64
		)
		if err := drows.Scan(&d.FireID, &d.WindowID, &d.Location[0], &d.Location[1], &at, &d.Satellite); err != nil {
			return nil, err
		}
		d.AcquiredAt = time.Unix(0, at).UTC()
		ds.Detections = append(ds.Detections, d)
	}
	return ds, drows.Err()
}

// LoadReconstructions reads back the results saved for runID, grouped by
// fire in fire ID order.
func (s *Store) LoadReconstructions(runID string) ([]FireReconstruction, error) {
	rows, err := s.db.Query(`SELECT fire_id, window_id, n_points, timestamp, geometry
		FROM reconstructions WHERE run_id = ? ORDER BY fire_id, seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query reconstructions: %w", err)
	}
	defer rows.Close()

	var out []FireReconstruction
	for rows.Next() {
		var (
			res  Result
			ts   int64
			geom []byte
		)
		if err := rows.Scan(&res.FireID, &res.WindowID, &res.NPoints, &ts, &geom); err != nil {
			return nil, err
		}
		res.Timestamp = time.Unix(0, ts).UTC()
		if len(geom) > 0 {
			if res.Geometry, err = wkb.Unmarshal(geom); err != nil {
				return nil, fmt.Errorf("decoding result %s/%d: %w", res.FireID, res.WindowID, err)
			}
		}
		if n := len(out); n == 0 || out[n-1].FireID != res.FireID {
			out = append(out, FireReconstruction{FireID: res.FireID})
		}
		last := &out[len(out)-1]
		last.Results = append(last.Results, res)
	}
	return out, rows.Err()
}

// LoadEvaluations reads back the evaluations saved for runID.
func (s *Store) LoadEvaluations(runID string) ([]Evaluation, error) {
	rows, err := s.db.Query(`SELECT fire_id, window_id, is_null, n_points, true_area_km2, pred_area_km2,
		intersection_km2, area_ratio, iou, precision, recall
		FROM evaluations WHERE run_id = ? ORDER BY fire_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("query evaluations: %w", err)
	}
	defer rows.Close()

	var out []Evaluation
	for rows.Next() {
		var ev Evaluation
		if err := rows.Scan(&ev.FireID, &ev.WindowID, &ev.Null, &ev.NPoints, &ev.TrueArea, &ev.PredArea,
			&ev.Intersection, &ev.AreaRatio, &ev.IoU, &ev.Precision, &ev.Recall); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LoadResultSet rebuilds the served state of a stored run.
func (s *Store) LoadResultSet(runID string) (*ResultSet, error) {
	ds, err := s.LoadDataset(runID)
	if err != nil {
		return nil, err
	}
	recs, err := s.LoadReconstructions(runID)
	if err != nil {
		return nil, err
	}
	evals, err := s.LoadEvaluations(runID)
	if err != nil {
		return nil, err
	}
	rs := NewResultSet()
	rs.Update(runID, ds, recs, evals)
	log.Printf("Store: loaded run %s (%d fires, %d reconstructed, %d evaluated)",
		runID, len(ds.Perimeters), len(recs), len(evals))
	return rs, nil
}

func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
