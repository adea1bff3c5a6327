package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const DefaultWorkers = 4

// RunnerConfig configures a multi-file ingestion run.
type RunnerConfig struct {
	Logger   *slog.Logger
	Pipeline *Pipeline
	Workers  int
	// Datasets restricts the run to the named datasets; empty means all.
	Datasets []string
}

func (cfg *RunnerConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Pipeline == nil {
		return errors.New("pipeline is required")
	}
	if cfg.Workers == 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Workers < 0 {
		return errors.New("workers must be positive")
	}
	return nil
}

// Summary aggregates a run's outcomes.
type Summary struct {
	RunID         string
	Files         int
	Succeeded     int
	Failed        int
	RowsExtracted int
	RowsInserted  int
	RowsSkipped   int
	Duration      time.Duration
}

type Runner struct {
	log *slog.Logger
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{log: cfg.Logger, cfg: cfg}, nil
}

// Run ingests the given files with a bounded worker pool. Per-file failures
// are captured in their outcomes; the returned error is non-nil only when
// the context is canceled mid-run.
func (r *Runner) Run(ctx context.Context, specs []FileSpec) ([]Outcome, Summary, error) {
	runID := uuid.NewString()
	clock := r.cfg.Pipeline.clock
	start := clock.Now()

	specs = r.filter(specs)
	log := r.log.With("run_id", runID)
	log.Info("starting ingestion run", "files", len(specs), "workers", r.cfg.Workers)

	outcomes := make([]Outcome, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for i, spec := range specs {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			outcomes[i] = r.cfg.Pipeline.Run(gctx, spec)
			return nil
		})
	}
	err := g.Wait()

	summary := summarize(runID, outcomes)
	summary.Duration = clock.Since(start)
	log.Info("ingestion run finished",
		"files", summary.Files,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"rows_extracted", summary.RowsExtracted,
		"rows_inserted", summary.RowsInserted,
		"rows_skipped", summary.RowsSkipped,
		"duration", summary.Duration)
	return outcomes, summary, err
}

func (r *Runner) filter(specs []FileSpec) []FileSpec {
	if len(r.cfg.Datasets) == 0 {
		return specs
	}
	allowed := make(map[string]bool, len(r.cfg.Datasets))
	for _, d := range r.cfg.Datasets {
		allowed[d] = true
	}
	kept := make([]FileSpec, 0, len(specs))
	for _, spec := range specs {
		if allowed[spec.Dataset] {
			kept = append(kept, spec)
		}
	}
	return kept
}

func summarize(runID string, outcomes []Outcome) Summary {
	s := Summary{RunID: runID, Files: len(outcomes)}
	for i := range outcomes {
		o := &outcomes[i]
		switch o.Status {
		case StatusSucceeded:
			s.Succeeded++
		default:
			s.Failed++
		}
		s.RowsExtracted += o.RowsExtracted
		s.RowsInserted += o.RowsInserted
		s.RowsSkipped += o.RowsSkipped
	}
	return s
}
