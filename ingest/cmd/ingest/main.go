package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/tide/ingest/pkg/metrics"
	"github.com/malbeclabs/tide/ingest/pkg/params"
	"github.com/malbeclabs/tide/ingest/pkg/pipeline"
	"github.com/malbeclabs/tide/ingest/pkg/store"
	"github.com/malbeclabs/tide/ingest/pkg/timeref"
	"github.com/malbeclabs/tide/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	datasetFlag := flag.String("dataset", "", "dataset identifier for all ingested files; defaults to each file's base name")
	kindFlag := flag.String("kind", "auto", "source file kind: auto, csv or netcdf")
	timeFormatFlag := flag.String("time-format", "", "force a time scheme instead of detecting one (e.g. days_since_1900)")
	variablesFlag := flag.StringSlice("variables", nil, "restrict NetCDF extraction to the named data variables")
	maxRowsFlag := flag.Int("max-rows", 0, "cap rows read per file, 0 for unlimited")
	batchSizeFlag := flag.Int("batch-size", store.DefaultBatchSize, "persistence batch size")
	workersFlag := flag.Int("workers", pipeline.DefaultWorkers, "number of files to ingest concurrently")
	migrateFlag := flag.Bool("migrations-enable", false, "run database migrations before ingesting")
	datasetsFlag := flag.StringSlice("datasets", nil, "restrict the run to the named datasets")
	metricsAddrFlag := flag.String("metrics-addr", "", "address to listen on for prometheus metrics, empty to disable")
	paramMapFlag := flag.String("param-map", "", "CSV file of parameter mapping overrides (raw_name,code,namespace,unit)")

	flag.Parse()

	// Best effort; a missing .env file is not an error.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	files := flag.Args()
	if len(files) == 0 {
		return fmt.Errorf("no input files; usage: ingest [flags] <file ...>")
	}

	kind := pipeline.Kind(*kindFlag)
	switch kind {
	case pipeline.KindAuto, pipeline.KindCSV, pipeline.KindNetCDF:
	default:
		return fmt.Errorf("invalid --kind %q", *kindFlag)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgCfg, err := store.PGConfigFromEnv()
	if err != nil {
		return err
	}

	if *migrateFlag {
		if err := store.RunMigrations(log, pgCfg.ConnStr()); err != nil {
			return err
		}
	}

	pool, err := store.Connect(ctx, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	st, err := store.New(store.Config{
		Logger:    log,
		Pool:      pool,
		BatchSize: *batchSizeFlag,
	})
	if err != nil {
		return err
	}

	overrides, err := loadOverrides(ctx, st, *paramMapFlag)
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		Logger:  log,
		Store:   st,
		Mapper:  params.NewMapper(overrides),
		MaxRows: *maxRowsFlag,
	})
	if err != nil {
		return err
	}

	runner, err := pipeline.NewRunner(pipeline.RunnerConfig{
		Logger:   log,
		Pipeline: p,
		Workers:  *workersFlag,
		Datasets: *datasetsFlag,
	})
	if err != nil {
		return err
	}

	specs := make([]pipeline.FileSpec, 0, len(files))
	for _, path := range files {
		dataset := *datasetFlag
		if dataset == "" {
			dataset = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		specs = append(specs, pipeline.FileSpec{
			Path:      path,
			Dataset:   dataset,
			Kind:      kind,
			TimeHint:  timeref.Scheme(*timeFormatFlag),
			Variables: *variablesFlag,
		})
	}

	outcomes, summary, err := runner.Run(ctx, specs)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		for i := range outcomes {
			if outcomes[i].Status != pipeline.StatusSucceeded {
				log.Error("failed file", "path", outcomes[i].Path, "code", outcomes[i].FailureCode, "error", outcomes[i].Err)
			}
		}
		return fmt.Errorf("%d of %d files failed", summary.Failed, summary.Files)
	}
	return nil
}

// loadOverrides seeds the mapper with mappings persisted from earlier runs
// plus an optional local override file. File entries win on conflict.
func loadOverrides(ctx context.Context, st *store.Store, path string) ([]params.Mapping, error) {
	overrides, err := st.LoadMappings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted parameter mappings: %w", err)
	}
	if path == "" {
		return overrides, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open parameter map: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 4
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse parameter map %s: %w", path, err)
		}
		if strings.EqualFold(row[0], "raw_name") {
			continue
		}
		overrides = append(overrides, params.Mapping{
			RawName:   row[0],
			Code:      row[1],
			Namespace: params.Namespace(row[2]),
			Unit:      row[3],
		})
	}
	return overrides, nil
}
