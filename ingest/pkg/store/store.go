// Package store persists normalized measurements to Postgres. Writes go
// through fixed-size batches with an insert-or-skip semantic over the
// measurement natural key, so re-running a file over previously ingested
// data never mutates existing rows and never raises on key collisions.
package store

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
	"github.com/malbeclabs/tide/ingest/pkg/metrics"
	"github.com/malbeclabs/tide/ingest/pkg/params"
)

const DefaultBatchSize = 1000

// Measurement is the unit of persistence. Its natural key is
// (dataset, timestamp, parameter code, depth, lat, lon); the schema enforces
// it with a UNIQUE NULLS NOT DISTINCT constraint so nullable key parts
// still deduplicate.
type Measurement struct {
	DatasetID     string
	Timestamp     time.Time
	ParameterCode string
	Namespace     params.Namespace
	Value         float64
	Unit          string
	Depth         *float64
	Lat           *float64
	Lon           *float64
	QualityFlag   string
	Station       string
}

type Config struct {
	Logger    *slog.Logger
	Pool      *pgxpool.Pool
	BatchSize int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pool == nil {
		return errors.New("postgres pool is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchSize < 0 {
		return errors.New("batch size must be positive")
	}
	return nil
}

type Store struct {
	log  *slog.Logger
	pool *pgxpool.Pool
	cfg  Config
}

func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		log:  cfg.Logger,
		pool: cfg.Pool,
		cfg:  cfg,
	}, nil
}

// BatchSize returns the configured batch size.
func (s *Store) BatchSize() int { return s.cfg.BatchSize }

const insertColumns = "dataset_id, ts, parameter_code, namespace, value, unit, depth, lat, lon, quality_flag, station"

const bulkInsertSQL = `INSERT INTO measurements (` + insertColumns + `)
SELECT * FROM unnest(
	$1::text[], $2::timestamptz[], $3::text[], $4::text[], $5::float8[], $6::text[],
	$7::float8[], $8::float8[], $9::float8[], $10::text[], $11::text[])
ON CONFLICT ON CONSTRAINT measurements_natural_key DO NOTHING`

const rowInsertSQL = `INSERT INTO measurements (` + insertColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT ON CONSTRAINT measurements_natural_key DO NOTHING`

// Persist writes measurements in fixed-size batches and returns how many
// rows were actually inserted (duplicates on the natural key are skipped
// silently and not counted).
//
// Each batch is one transaction-equivalent bulk statement. If the bulk
// statement fails, the batch degrades to per-record inserts, each in its
// own implicit transaction; a record that fails individually is logged and
// skipped so one bad row never costs the rest of its batch.
func (s *Store) Persist(ctx context.Context, measurements []Measurement) (int, error) {
	inserted := 0
	for start := 0; start < len(measurements); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(measurements))
		n, err := s.persistBatch(ctx, measurements[start:end])
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func (s *Store) persistBatch(ctx context.Context, batch []Measurement) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, bulkInsertSQL, batchArgs(batch)...)
	if err == nil {
		return int(tag.RowsAffected()), nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	if !serverRejected(err) {
		// The statement never reached the server: connectivity loss is
		// fatal, not something the degraded path can isolate.
		return 0, fault.Wrap(fault.CodeBatchPersist, err)
	}

	// Degraded path: replay the batch row by row to isolate the bad rows.
	s.log.Warn("bulk insert failed, retrying batch row by row",
		"code", fault.CodeBatchPersist, "batch_size", len(batch), "error", err)
	metrics.BatchFallbacksTotal.Inc()

	inserted := 0
	for i := range batch {
		m := &batch[i]
		rowTag, err := s.pool.Exec(ctx, rowInsertSQL, rowArgs(m)...)
		if err != nil {
			if ctx.Err() != nil {
				return inserted, ctx.Err()
			}
			if !serverRejected(err) {
				return inserted, fault.Wrap(fault.CodeBatchPersist, err)
			}
			metrics.RecordFailuresTotal.Inc()
			s.log.Error("record insert failed, skipping row",
				"code", fault.CodeRecordPersist,
				"dataset", m.DatasetID,
				"parameter", m.ParameterCode,
				"ts", m.Timestamp,
				"error", err)
			continue
		}
		inserted += int(rowTag.RowsAffected())
	}
	return inserted, nil
}

// serverRejected reports whether the error is a Postgres-reported rejection
// of the statement (constraint violation, bad datum). Anything else, such as
// a closed pool or a dropped connection, means the destination store is
// unreachable and the error must surface to the caller.
func serverRejected(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func batchArgs(batch []Measurement) []any {
	n := len(batch)
	datasets := make([]string, n)
	timestamps := make([]time.Time, n)
	codes := make([]string, n)
	namespaces := make([]string, n)
	values := make([]float64, n)
	units := make([]string, n)
	depths := make([]*float64, n)
	lats := make([]*float64, n)
	lons := make([]*float64, n)
	qualities := make([]*string, n)
	stations := make([]*string, n)

	for i := range batch {
		m := &batch[i]
		datasets[i] = m.DatasetID
		timestamps[i] = m.Timestamp.UTC()
		codes[i] = m.ParameterCode
		namespaces[i] = string(m.Namespace)
		values[i] = m.Value
		units[i] = m.Unit
		depths[i] = m.Depth
		lats[i] = m.Lat
		lons[i] = m.Lon
		qualities[i] = nullable(m.QualityFlag)
		stations[i] = nullable(m.Station)
	}

	return []any{datasets, timestamps, codes, namespaces, values, units, depths, lats, lons, qualities, stations}
}

func rowArgs(m *Measurement) []any {
	return []any{
		m.DatasetID, m.Timestamp.UTC(), m.ParameterCode, string(m.Namespace), m.Value, m.Unit,
		m.Depth, m.Lat, m.Lon, nullable(m.QualityFlag), nullable(m.Station),
	}
}

func nullable(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

const mappingInsertSQL = `INSERT INTO parameter_mappings (raw_name, code, namespace, unit)
VALUES ($1, $2, $3, $4)
ON CONFLICT (raw_name) DO NOTHING`

// SaveMappings persists synthesized parameter mappings so lookups stay
// stable across runs. Existing entries are never overwritten; promotion of
// custom mappings to a controlled vocabulary is a manual curation step.
func (s *Store) SaveMappings(ctx context.Context, mappings []params.Mapping) error {
	for _, m := range mappings {
		key := strings.ToLower(strings.TrimSpace(m.RawName))
		if _, err := s.pool.Exec(ctx, mappingInsertSQL, key, m.Code, string(m.Namespace), m.Unit); err != nil {
			return err
		}
	}
	return nil
}

// LoadMappings returns the persisted mapping table, for seeding a mapper at
// startup.
func (s *Store) LoadMappings(ctx context.Context) ([]params.Mapping, error) {
	rows, err := s.pool.Query(ctx, `SELECT raw_name, code, namespace, unit FROM parameter_mappings ORDER BY raw_name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []params.Mapping
	for rows.Next() {
		var m params.Mapping
		var ns string
		if err := rows.Scan(&m.RawName, &m.Code, &ns, &m.Unit); err != nil {
			return nil, err
		}
		m.Namespace = params.Namespace(ns)
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMeasurements reports the number of rows stored for a dataset.
func (s *Store) CountMeasurements(ctx context.Context, datasetID string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM measurements WHERE dataset_id = $1`, datasetID).Scan(&n)
	return n, err
}
