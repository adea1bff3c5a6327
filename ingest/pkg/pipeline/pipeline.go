// Package pipeline orchestrates per-file ingestion: extraction, time and
// parameter normalization, and batched persistence. Each file is processed
// independently and yields an Outcome; one bad file never stops a run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/tide/ingest/pkg/extract"
	"github.com/malbeclabs/tide/ingest/pkg/fault"
	"github.com/malbeclabs/tide/ingest/pkg/metrics"
	"github.com/malbeclabs/tide/ingest/pkg/params"
	"github.com/malbeclabs/tide/ingest/pkg/store"
	"github.com/malbeclabs/tide/ingest/pkg/timeref"
)

// Kind selects the extractor for a file.
type Kind string

const (
	KindAuto   Kind = "auto"
	KindCSV    Kind = "csv"
	KindNetCDF Kind = "netcdf"
)

// Status is the terminal state of a file's ingestion.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// stage names the steps of the per-file state machine, for debug logging.
type stage string

const (
	stageDetecting   stage = "detecting"
	stageExtracting  stage = "extracting"
	stageNormalizing stage = "normalizing"
	stagePersisting  stage = "persisting"
)

// FileSpec describes one file to ingest.
type FileSpec struct {
	Path    string
	Dataset string
	// Kind selects the extractor; KindAuto infers it from the extension.
	Kind Kind
	// TimeHint forces a time scheme, bypassing detection.
	TimeHint timeref.Scheme
	// Variables restricts array extraction to the named data variables.
	Variables []string
}

// Outcome is the per-file ingestion report.
type Outcome struct {
	Path          string
	Dataset       string
	Status        Status
	TimeScheme    timeref.Scheme
	Columns       extract.Columns
	// VariableUnits carries the units attributes of array data variables.
	VariableUnits map[string]string
	RowsExtracted int
	RowsSkipped   int
	RowsInserted  int
	// UnmappedParams lists raw parameter names that had to be synthesized.
	UnmappedParams []string
	FailureCode    fault.Code
	Err            error
	Duration       time.Duration
}

// Persister is the slice of the store the pipeline needs.
type Persister interface {
	Persist(ctx context.Context, measurements []store.Measurement) (int, error)
	SaveMappings(ctx context.Context, mappings []params.Mapping) error
	BatchSize() int
}

type Config struct {
	Logger *slog.Logger
	Store  Persister
	Mapper *params.Mapper
	Clock  clockwork.Clock
	// MaxRows caps the total rows read across every file this pipeline
	// processes; zero means unlimited. Enforcement is cooperative, so
	// concurrent files may overrun the cap by a handful of rows.
	MaxRows int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Mapper == nil {
		return errors.New("parameter mapper is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRows < 0 {
		return errors.New("max rows must not be negative")
	}
	return nil
}

type Pipeline struct {
	log      *slog.Logger
	store    Persister
	mapper   *params.Mapper
	clock    clockwork.Clock
	cfg      Config
	rowsRead atomic.Int64
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		log:    cfg.Logger,
		store:  cfg.Store,
		mapper: cfg.Mapper,
		clock:  cfg.Clock,
		cfg:    cfg,
	}, nil
}

// Run ingests one file end to end. Failures are reported in the Outcome,
// never returned, except that a canceled context surfaces as a failed
// outcome with the context error.
func (p *Pipeline) Run(ctx context.Context, spec FileSpec) Outcome {
	start := p.clock.Now()
	out := Outcome{Path: spec.Path, Dataset: spec.Dataset}

	kind := resolveKind(spec)
	log := p.log.With("path", spec.Path, "dataset", spec.Dataset, "kind", string(kind))

	out = p.run(ctx, log, spec, kind, out)
	out.Duration = p.clock.Since(start)

	metrics.FilesTotal.WithLabelValues(string(kind), string(out.Status)).Inc()
	metrics.FileDuration.WithLabelValues(string(kind)).Observe(out.Duration.Seconds())

	if out.Status == StatusFailed {
		metrics.FileFailuresTotal.WithLabelValues(string(out.FailureCode)).Inc()
		log.Error("file ingestion failed",
			"code", out.FailureCode,
			"rows_extracted", out.RowsExtracted,
			"rows_inserted", out.RowsInserted,
			"duration", out.Duration,
			"error", out.Err)
	} else {
		log.Info("file ingestion succeeded",
			"time_scheme", string(out.TimeScheme),
			"rows_extracted", out.RowsExtracted,
			"rows_inserted", out.RowsInserted,
			"rows_skipped", out.RowsSkipped,
			"duration", out.Duration)
	}
	return out
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, spec FileSpec, kind Kind, out Outcome) Outcome {
	log.Debug("stage transition", "stage", string(stageDetecting))

	ext, err := p.open(spec, kind)
	if err != nil {
		return failed(out, err)
	}
	defer func() {
		if cerr := ext.Stream.Close(); cerr != nil {
			log.Warn("failed to close source stream", "error", cerr)
		}
	}()

	out.TimeScheme = ext.Ref.Scheme
	out.Columns = ext.Columns
	out.VariableUnits = ext.Units
	log.Debug("stage transition", "stage", string(stageExtracting),
		"time_scheme", string(ext.Ref.Scheme))

	out, err = p.consume(ctx, log, spec, ext, out)
	if err != nil {
		return failed(out, err)
	}

	if err := p.drainMappings(ctx, log); err != nil {
		return failed(out, err)
	}

	out.Status = StatusSucceeded
	return out
}

func (p *Pipeline) open(spec FileSpec, kind Kind) (*extract.Extraction, error) {
	opts := extract.Options{
		TimeOverride: spec.TimeHint,
		Variables:    spec.Variables,
	}
	switch kind {
	case KindCSV:
		return extract.ExtractTabular(spec.Path, opts)
	case KindNetCDF:
		return extract.ExtractNetCDF(spec.Path, opts)
	default:
		return nil, fmt.Errorf("unknown file kind %q for %s", kind, spec.Path)
	}
}

func (p *Pipeline) consume(ctx context.Context, log *slog.Logger, spec FileSpec, ext *extract.Extraction, out Outcome) (Outcome, error) {
	batchSize := p.store.BatchSize()
	buffer := make([]store.Measurement, 0, batchSize)
	unmapped := make(map[string]bool)

	flush := func() error {
		if len(buffer) == 0 {
			return nil
		}
		log.Debug("stage transition", "stage", string(stagePersisting), "rows", len(buffer))
		n, err := p.store.Persist(ctx, buffer)
		out.RowsInserted += n
		metrics.RowsInsertedTotal.Add(float64(n))
		metrics.RowsSkippedTotal.WithLabelValues("duplicate").Add(float64(len(buffer) - n))
		buffer = buffer[:0]
		return err
	}

	for {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if p.cfg.MaxRows > 0 && p.rowsRead.Load() >= int64(p.cfg.MaxRows) {
			log.Warn("total row cap reached, stopping early", "max_rows", p.cfg.MaxRows)
			break
		}

		sample, err := ext.Stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		out.RowsExtracted++
		p.rowsRead.Add(1)
		metrics.RowsExtractedTotal.Inc()

		m, ok := p.normalize(log, spec, ext, sample, unmapped)
		if !ok {
			out.RowsSkipped++
			metrics.RowsSkippedTotal.WithLabelValues("normalize").Inc()
			continue
		}
		buffer = append(buffer, m)

		if len(buffer) >= batchSize {
			if err := flush(); err != nil {
				return out, err
			}
		}
	}

	if err := flush(); err != nil {
		return out, err
	}

	malformed := ext.Stream.Skipped()
	out.RowsSkipped += malformed
	metrics.RowsSkippedTotal.WithLabelValues("malformed").Add(float64(malformed))

	out.UnmappedParams = sortedNames(unmapped)
	return out, nil
}

// normalize converts one raw sample to a measurement. Rows whose time value
// cannot be interpreted under the detected reference are dropped, not fatal.
func (p *Pipeline) normalize(log *slog.Logger, spec FileSpec, ext *extract.Extraction, sample extract.RawSample, unmapped map[string]bool) (store.Measurement, bool) {
	ts, err := convertTime(ext.Ref, sample.Time)
	if err != nil {
		log.Debug("dropping row with unconvertible time", "stage", string(stageNormalizing), "error", err)
		return store.Measurement{}, false
	}

	mapping, synthesized := p.mapper.Resolve(sample.Parameter)
	if synthesized {
		unmapped[sample.Parameter] = true
		metrics.MappingsSynthesizedTotal.Inc()
	}

	return store.Measurement{
		DatasetID:     spec.Dataset,
		Timestamp:     ts,
		ParameterCode: mapping.Code,
		Namespace:     mapping.Namespace,
		Value:         sample.Value,
		Unit:          mapping.Unit,
		Depth:         sample.Depth,
		Lat:           sample.Lat,
		Lon:           sample.Lon,
		QualityFlag:   sample.Quality,
		Station:       sample.Station,
	}, true
}

func (p *Pipeline) drainMappings(ctx context.Context, log *slog.Logger) error {
	pending := p.mapper.Drain()
	if len(pending) == 0 {
		return nil
	}
	log.Info("persisting synthesized parameter mappings", "count", len(pending))
	return p.store.SaveMappings(ctx, pending)
}

func convertTime(ref timeref.Reference, rt extract.RawTime) (time.Time, error) {
	if rt.Parts != nil {
		pt := rt.Parts
		return timeref.CombineYMD(pt.Year, pt.Month, pt.Day, pt.Hour, pt.Minute, pt.Second)
	}
	if rt.IsNum {
		return ref.FromNumber(rt.Num)
	}
	return ref.FromText(rt.Text)
}

func failed(out Outcome, err error) Outcome {
	out.Status = StatusFailed
	out.Err = err
	if code, ok := fault.CodeOf(err); ok {
		out.FailureCode = code
	}
	return out
}

func resolveKind(spec FileSpec) Kind {
	if spec.Kind != "" && spec.Kind != KindAuto {
		return spec.Kind
	}
	switch strings.ToLower(filepath.Ext(spec.Path)) {
	case ".nc", ".cdf", ".nc4":
		return KindNetCDF
	default:
		return KindCSV
	}
}

func sortedNames(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
