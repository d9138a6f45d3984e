package productsstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/skywave-obs/continuum/internal/clock"
	"github.com/skywave-obs/continuum/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS ms_records (
	path        TEXT PRIMARY KEY,
	start_mjd   REAL NOT NULL,
	end_mjd     REAL NOT NULL,
	mid_mjd     REAL NOT NULL,
	stage       TEXT NOT NULL,
	cal_applied INTEGER NOT NULL DEFAULT 0,
	image_name  TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS image_records (
	path         TEXT PRIMARY KEY,
	ms_path      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL,
	type         TEXT NOT NULL,
	beam_major   REAL NOT NULL,
	beam_minor   REAL NOT NULL,
	noise        REAL NOT NULL,
	pb_corrected INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS photometry_measurements (
	source_id            TEXT NOT NULL,
	image_path            TEXT NOT NULL,
	epoch_mjd             REAL NOT NULL,
	raw_flux              REAL NOT NULL,
	raw_flux_err          REAL NOT NULL,
	normalized_flux       REAL,
	normalized_flux_err   REAL,
	is_baseline           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, image_path)
);
CREATE INDEX IF NOT EXISTS idx_photometry_epoch ON photometry_measurements (epoch_mjd);
CREATE INDEX IF NOT EXISTS idx_photometry_source ON photometry_measurements (source_id);
CREATE TABLE IF NOT EXISTS variability_stats (
	source_id              TEXT PRIMARY KEY,
	n_epochs               INTEGER NOT NULL,
	chi2_reduced            REAL NOT NULL,
	fractional_variability  REAL NOT NULL,
	significance            REAL NOT NULL,
	ese_score               REAL NOT NULL,
	updated_at              TIMESTAMP NOT NULL
);
`

// Store is the persistent catalog of MS, image, and photometry products.
type Store struct {
	db    *store.DB
	clock clock.Clock
}

// Open opens (creating if necessary) the products store at path.
func Open(path string, clk clock.Clock, openTimeout time.Duration) (*Store, error) {
	db, err := store.Open(path, openTimeout)
	if err != nil {
		return nil, err
	}
	if _, err := db.SQL.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply products store schema: %w", err)
	}
	return &Store{db: db, clock: clk}, nil
}

// Close releases the underlying database and advisory lock.
func (s *Store) Close() error { return s.db.Close() }

// UpsertMS inserts or updates an MS record, keyed by path. Never
// duplicates on path, per spec.md section 3.
func (s *Store) UpsertMS(ctx context.Context, rec MSRecord) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ms_records (path, start_mjd, end_mjd, mid_mjd, stage, cal_applied, image_name)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   start_mjd = excluded.start_mjd,
			   end_mjd = excluded.end_mjd,
			   mid_mjd = excluded.mid_mjd,
			   stage = excluded.stage,
			   cal_applied = excluded.cal_applied,
			   image_name = excluded.image_name`,
			rec.Path, rec.StartMJD, rec.EndMJD, rec.MidMJD, rec.Stage, rec.CalApplied, rec.ImageName)
		if err != nil {
			return fmt.Errorf("upsert ms record %s: %w", rec.Path, err)
		}
		return nil
	})
}

// GetMS returns the MS record at path.
func (s *Store) GetMS(ctx context.Context, path string) (*MSRecord, error) {
	var rec MSRecord
	err := s.db.SQL.QueryRowContext(ctx,
		`SELECT path, start_mjd, end_mjd, mid_mjd, stage, cal_applied, image_name FROM ms_records WHERE path = ?`,
		path).Scan(&rec.Path, &rec.StartMJD, &rec.EndMJD, &rec.MidMJD, &rec.Stage, &rec.CalApplied, &rec.ImageName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get ms record %s: %w", path, err)
	}
	return &rec, nil
}

// InsertImage inserts one image record. Multiple images may belong to a
// single MS.
func (s *Store) InsertImage(ctx context.Context, rec ImageRecord) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO image_records (path, ms_path, created_at, type, beam_major, beam_minor, noise, pb_corrected)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(path) DO UPDATE SET
			   ms_path = excluded.ms_path,
			   created_at = excluded.created_at,
			   type = excluded.type,
			   beam_major = excluded.beam_major,
			   beam_minor = excluded.beam_minor,
			   noise = excluded.noise,
			   pb_corrected = excluded.pb_corrected`,
			rec.Path, rec.MSPath, rec.CreatedAt, rec.Type, rec.BeamMajor, rec.BeamMinor, rec.Noise, rec.PBCorrected)
		if err != nil {
			return fmt.Errorf("insert image record %s: %w", rec.Path, err)
		}
		return nil
	})
}

// ImagesForMS returns every image derived from msPath.
func (s *Store) ImagesForMS(ctx context.Context, msPath string) ([]ImageRecord, error) {
	rows, err := s.db.SQL.QueryContext(ctx,
		`SELECT path, ms_path, created_at, type, beam_major, beam_minor, noise, pb_corrected
		 FROM image_records WHERE ms_path = ? ORDER BY created_at ASC`, msPath)
	if err != nil {
		return nil, fmt.Errorf("list images for ms %s: %w", msPath, err)
	}
	defer rows.Close()

	var out []ImageRecord
	for rows.Next() {
		var r ImageRecord
		if err := rows.Scan(&r.Path, &r.MSPath, &r.CreatedAt, &r.Type, &r.BeamMajor, &r.BeamMinor, &r.Noise, &r.PBCorrected); err != nil {
			return nil, fmt.Errorf("scan image record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func validatePhotometry(m PhotometryMeasurement) error {
	if m.NormalizedFlux != nil && m.NormalizedFluxErr == nil {
		return fmt.Errorf("photometry %s/%s: normalized_flux set without normalized_flux_err", m.SourceID, m.ImagePath)
	}
	return nil
}

// UpsertPhotometry inserts or updates a measurement keyed by
// (source_id, image_path).
func (s *Store) UpsertPhotometry(ctx context.Context, m PhotometryMeasurement) error {
	if err := validatePhotometry(m); err != nil {
		return err
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertPhotometryTx(ctx, tx, m)
	})
}

func upsertPhotometryTx(ctx context.Context, tx *sql.Tx, m PhotometryMeasurement) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO photometry_measurements
		 (source_id, image_path, epoch_mjd, raw_flux, raw_flux_err, normalized_flux, normalized_flux_err, is_baseline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(source_id, image_path) DO UPDATE SET
		   epoch_mjd = excluded.epoch_mjd,
		   raw_flux = excluded.raw_flux,
		   raw_flux_err = excluded.raw_flux_err,
		   normalized_flux = excluded.normalized_flux,
		   normalized_flux_err = excluded.normalized_flux_err,
		   is_baseline = excluded.is_baseline`,
		m.SourceID, m.ImagePath, m.EpochMJD, m.RawFlux, m.RawFluxErr, m.NormalizedFlux, m.NormalizedFluxErr, m.IsBaseline)
	if err != nil {
		return fmt.Errorf("upsert photometry %s/%s: %w", m.SourceID, m.ImagePath, err)
	}
	return nil
}

// CommitNormalizedBatch writes every measurement's normalized fields in a
// single transaction, satisfying the normalization engine's atomic-commit
// requirement (spec.md section 4.6).
func (s *Store) CommitNormalizedBatch(ctx context.Context, measurements []PhotometryMeasurement) error {
	for _, m := range measurements {
		if err := validatePhotometry(m); err != nil {
			return err
		}
	}
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range measurements {
			if err := upsertPhotometryTx(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

// PhotometryBySource returns every measurement for sourceID ordered by
// epoch, oldest first.
func (s *Store) PhotometryBySource(ctx context.Context, sourceID string) ([]PhotometryMeasurement, error) {
	rows, err := s.db.SQL.QueryContext(ctx,
		`SELECT source_id, image_path, epoch_mjd, raw_flux, raw_flux_err, normalized_flux, normalized_flux_err, is_baseline
		 FROM photometry_measurements WHERE source_id = ? ORDER BY epoch_mjd ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list photometry for source %s: %w", sourceID, err)
	}
	defer rows.Close()
	return scanPhotometryRows(rows)
}

// PhotometryByImage returns every measurement recorded against imagePath.
func (s *Store) PhotometryByImage(ctx context.Context, imagePath string) ([]PhotometryMeasurement, error) {
	rows, err := s.db.SQL.QueryContext(ctx,
		`SELECT source_id, image_path, epoch_mjd, raw_flux, raw_flux_err, normalized_flux, normalized_flux_err, is_baseline
		 FROM photometry_measurements WHERE image_path = ? ORDER BY source_id ASC`, imagePath)
	if err != nil {
		return nil, fmt.Errorf("list photometry for image %s: %w", imagePath, err)
	}
	defer rows.Close()
	return scanPhotometryRows(rows)
}

// PhotometryByEpochRange returns every measurement whose epoch_mjd falls
// within [startMJD, endMJD], across all sources.
func (s *Store) PhotometryByEpochRange(ctx context.Context, startMJD, endMJD float64) ([]PhotometryMeasurement, error) {
	rows, err := s.db.SQL.QueryContext(ctx,
		`SELECT source_id, image_path, epoch_mjd, raw_flux, raw_flux_err, normalized_flux, normalized_flux_err, is_baseline
		 FROM photometry_measurements WHERE epoch_mjd BETWEEN ? AND ? ORDER BY epoch_mjd ASC`, startMJD, endMJD)
	if err != nil {
		return nil, fmt.Errorf("list photometry in range [%f, %f]: %w", startMJD, endMJD, err)
	}
	defer rows.Close()
	return scanPhotometryRows(rows)
}

func scanPhotometryRows(rows *sql.Rows) ([]PhotometryMeasurement, error) {
	var out []PhotometryMeasurement
	for rows.Next() {
		var m PhotometryMeasurement
		if err := rows.Scan(&m.SourceID, &m.ImagePath, &m.EpochMJD, &m.RawFlux, &m.RawFluxErr,
			&m.NormalizedFlux, &m.NormalizedFluxErr, &m.IsBaseline); err != nil {
			return nil, fmt.Errorf("scan photometry row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ReplaceVariabilityStats wholesale-replaces the derived stats row for
// one source_id.
func (s *Store) ReplaceVariabilityStats(ctx context.Context, v VariabilityStats) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO variability_stats
			 (source_id, n_epochs, chi2_reduced, fractional_variability, significance, ese_score, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(source_id) DO UPDATE SET
			   n_epochs = excluded.n_epochs,
			   chi2_reduced = excluded.chi2_reduced,
			   fractional_variability = excluded.fractional_variability,
			   significance = excluded.significance,
			   ese_score = excluded.ese_score,
			   updated_at = excluded.updated_at`,
			v.SourceID, v.NEpochs, v.Chi2Reduced, v.FractionalVariability, v.Significance, v.ESEScore, v.UpdatedAt)
		if err != nil {
			return fmt.Errorf("replace variability stats for %s: %w", v.SourceID, err)
		}
		return nil
	})
}

// GetVariabilityStats returns the current stats row for sourceID, or nil
// if none has been computed yet.
func (s *Store) GetVariabilityStats(ctx context.Context, sourceID string) (*VariabilityStats, error) {
	var v VariabilityStats
	err := s.db.SQL.QueryRowContext(ctx,
		`SELECT source_id, n_epochs, chi2_reduced, fractional_variability, significance, ese_score, updated_at
		 FROM variability_stats WHERE source_id = ?`, sourceID).Scan(
		&v.SourceID, &v.NEpochs, &v.Chi2Reduced, &v.FractionalVariability, &v.Significance, &v.ESEScore, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get variability stats for %s: %w", sourceID, err)
	}
	return &v, nil
}
