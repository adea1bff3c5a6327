package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
	"github.com/malbeclabs/tide/ingest/pkg/params"
	"github.com/malbeclabs/tide/ingest/pkg/pipeline"
	"github.com/malbeclabs/tide/ingest/pkg/store"
	"github.com/malbeclabs/tide/ingest/pkg/timeref"
	tidetesting "github.com/malbeclabs/tide/utils/pkg/testing"
)

// fakeStore emulates the insert-or-skip semantic in memory.
type fakeStore struct {
	mu         sync.Mutex
	batchSize  int
	seen       map[string]bool
	batches    [][]store.Measurement
	saved      []params.Mapping
	persistErr error
}

func newFakeStore(batchSize int) *fakeStore {
	if batchSize == 0 {
		batchSize = store.DefaultBatchSize
	}
	return &fakeStore{batchSize: batchSize, seen: make(map[string]bool)}
}

func (f *fakeStore) BatchSize() int { return f.batchSize }

func (f *fakeStore) Persist(ctx context.Context, measurements []store.Measurement) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.persistErr != nil {
		return 0, f.persistErr
	}
	batch := make([]store.Measurement, len(measurements))
	copy(batch, measurements)
	f.batches = append(f.batches, batch)

	inserted := 0
	for i := range measurements {
		m := &measurements[i]
		key := fmt.Sprintf("%s|%s|%s|%v|%v|%v",
			m.DatasetID, m.Timestamp.UTC(), m.ParameterCode, ptr(m.Depth), ptr(m.Lat), ptr(m.Lon))
		if f.seen[key] {
			continue
		}
		f.seen[key] = true
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) SaveMappings(ctx context.Context, mappings []params.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, mappings...)
	return nil
}

func ptr(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newPipeline(t *testing.T, fs *fakeStore, maxRows int) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(pipeline.Config{
		Logger:  tidetesting.NewLogger(),
		Store:   fs,
		Mapper:  params.NewMapper(nil),
		Clock:   clockwork.NewRealClock(),
		MaxRows: maxRows,
	})
	require.NoError(t, err)
	return p
}

func TestTide_Pipeline_New(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		t.Run("missing logger", func(t *testing.T) {
			t.Parallel()
			p, err := pipeline.New(pipeline.Config{
				Store:  newFakeStore(0),
				Mapper: params.NewMapper(nil),
			})
			require.Error(t, err)
			require.Nil(t, p)
			require.Contains(t, err.Error(), "logger is required")
		})

		t.Run("missing store", func(t *testing.T) {
			t.Parallel()
			p, err := pipeline.New(pipeline.Config{
				Logger: tidetesting.NewLogger(),
				Mapper: params.NewMapper(nil),
			})
			require.Error(t, err)
			require.Nil(t, p)
			require.Contains(t, err.Error(), "store is required")
		})

		t.Run("missing mapper", func(t *testing.T) {
			t.Parallel()
			p, err := pipeline.New(pipeline.Config{
				Logger: tidetesting.NewLogger(),
				Store:  newFakeStore(0),
			})
			require.Error(t, err)
			require.Nil(t, p)
			require.Contains(t, err.Error(), "mapper is required")
		})
	})
}

func TestTide_Pipeline_Run(t *testing.T) {
	t.Parallel()

	t.Run("ingests a csv file end to end", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "buoy.csv",
			"time,parameter,value,depth\n"+
				"2021-02-25T00:00:00Z,temp,12.5,5\n"+
				"2021-02-25T01:00:00Z,temp,12.7,5\n"+
				"2021-02-25T02:00:00Z,sal,35.1,5\n")

		fs := newFakeStore(0)
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: path, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.NoError(t, out.Err)
		require.Equal(t, timeref.SchemeISO8601, out.TimeScheme)
		require.Equal(t, 3, out.RowsExtracted)
		require.Equal(t, 3, out.RowsInserted)
		require.Equal(t, 0, out.RowsSkipped)
		require.Empty(t, out.UnmappedParams)
		require.Equal(t, "time", out.Columns.Time)

		require.Len(t, fs.batches, 1)
		first := fs.batches[0][0]
		require.Equal(t, "buoy-42", first.DatasetID)
		require.Equal(t, "TEMP", first.ParameterCode)
		require.Equal(t, params.NamespaceBODC, first.Namespace)
		require.Equal(t, "degC", first.Unit)
		require.NotNil(t, first.Depth)
		require.Equal(t, 5.0, *first.Depth)
	})

	t.Run("re-running a file inserts nothing new", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "buoy.csv",
			"time,parameter,value\n"+
				"2021-02-25T00:00:00Z,temp,12.5\n"+
				"2021-02-25T01:00:00Z,temp,12.7\n")

		fs := newFakeStore(0)
		p := newPipeline(t, fs, 0)
		spec := pipeline.FileSpec{Path: path, Dataset: "buoy-42"}

		out := p.Run(t.Context(), spec)
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, 2, out.RowsInserted)

		out = p.Run(t.Context(), spec)
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, 2, out.RowsExtracted)
		require.Equal(t, 0, out.RowsInserted)
	})

	t.Run("buffers rows into store-sized batches", func(t *testing.T) {
		t.Parallel()

		var rows string
		for i := range 12 {
			rows += fmt.Sprintf("2021-02-25T%02d:00:00Z,temp,%f\n", i, 12.0+float64(i))
		}
		path := writeFile(t, "buoy.csv", "time,parameter,value\n"+rows)

		fs := newFakeStore(5)
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: path, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, 12, out.RowsInserted)
		require.Len(t, fs.batches, 3)
		require.Len(t, fs.batches[0], 5)
		require.Len(t, fs.batches[1], 5)
		require.Len(t, fs.batches[2], 2)
	})

	t.Run("synthesizes and saves mappings for unknown parameters", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "buoy.csv",
			"time,parameter,value\n"+
				"2021-02-25T00:00:00Z,widget_flux,1.5\n"+
				"2021-02-25T01:00:00Z,widget_flux,1.6\n")

		fs := newFakeStore(0)
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: path, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, []string{"widget_flux"}, out.UnmappedParams)

		require.Len(t, fs.saved, 1)
		require.Equal(t, "WIDGET_FLUX", fs.saved[0].Code)
		require.Equal(t, params.NamespaceCustom, fs.saved[0].Namespace)
		require.Equal(t, params.UnitUnknown, fs.saved[0].Unit)

		require.Equal(t, "WIDGET_FLUX", fs.batches[0][0].ParameterCode)
	})

	t.Run("caps total extraction across files at max rows", func(t *testing.T) {
		t.Parallel()

		var rows string
		for i := range 50 {
			rows += fmt.Sprintf("2021-02-25T00:%02d:00Z,temp,%f\n", i, 12.0)
		}
		big := writeFile(t, "big.csv", "time,parameter,value\n"+rows)
		small := writeFile(t, "small.csv",
			"time,parameter,value\n"+
				"2021-02-26T00:00:00Z,temp,12.5\n"+
				"2021-02-26T01:00:00Z,temp,12.6\n")

		fs := newFakeStore(0)
		p := newPipeline(t, fs, 10)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: small, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, 2, out.RowsExtracted)

		// The budget left over from the first file bounds the second.
		out = p.Run(t.Context(), pipeline.FileSpec{Path: big, Dataset: "buoy-43"})
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, 8, out.RowsExtracted)
	})

	t.Run("reports empty file failure", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "empty.csv", "")
		fs := newFakeStore(0)
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: path, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusFailed, out.Status)
		require.Equal(t, fault.CodeEmptyFile, out.FailureCode)
		require.Error(t, out.Err)
		require.Empty(t, fs.batches)
	})

	t.Run("reports unknown time format failure", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "odd.csv",
			"time,value\n30000,1.5\n30001,1.6\n")
		fs := newFakeStore(0)
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: path, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusFailed, out.Status)
		require.Equal(t, fault.CodeTimeFormat, out.FailureCode)
	})

	t.Run("reports persist failure", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "buoy.csv",
			"time,parameter,value\n2021-02-25T00:00:00Z,temp,12.5\n")
		fs := newFakeStore(0)
		fs.persistErr = errors.New("connection refused")
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: path, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusFailed, out.Status)
		require.ErrorContains(t, out.Err, "connection refused")
	})

	t.Run("skips rows whose time cannot be converted", func(t *testing.T) {
		t.Parallel()

		path := writeFile(t, "buoy.csv",
			"year,month,day,parameter,value\n"+
				"2021,2,25,temp,12.5\n"+
				"2021,2,30,temp,12.6\n"+
				"2021,2,26,temp,12.7\n")
		fs := newFakeStore(0)
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{Path: path, Dataset: "buoy-42"})
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, timeref.SchemeCompound, out.TimeScheme)
		require.Equal(t, 3, out.RowsExtracted)
		require.Equal(t, 2, out.RowsInserted)
		require.Equal(t, 1, out.RowsSkipped)
	})

	t.Run("honors a time hint over detection", func(t *testing.T) {
		t.Parallel()

		// 30000 matches no heuristic band, but a hint makes it usable.
		path := writeFile(t, "odd.csv",
			"time,value\n30000,1.5\n")
		fs := newFakeStore(0)
		p := newPipeline(t, fs, 0)

		out := p.Run(t.Context(), pipeline.FileSpec{
			Path:     path,
			Dataset:  "buoy-42",
			TimeHint: timeref.SchemeDays1900,
		})
		require.Equal(t, pipeline.StatusSucceeded, out.Status)
		require.Equal(t, timeref.SchemeDays1900, out.TimeScheme)
		require.Equal(t, 1, out.RowsInserted)
	})
}
