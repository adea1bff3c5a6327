package pipeline_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/tide/ingest/pkg/pipeline"
	tidetesting "github.com/malbeclabs/tide/utils/pkg/testing"
)

func TestTide_Pipeline_Runner(t *testing.T) {
	t.Parallel()

	newRunner := func(t *testing.T, fs *fakeStore, datasets []string) *pipeline.Runner {
		t.Helper()
		r, err := pipeline.NewRunner(pipeline.RunnerConfig{
			Logger:   tidetesting.NewLogger(),
			Pipeline: newPipeline(t, fs, 0),
			Workers:  2,
			Datasets: datasets,
		})
		require.NoError(t, err)
		return r
	}

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()

		r, err := pipeline.NewRunner(pipeline.RunnerConfig{
			Logger: tidetesting.NewLogger(),
		})
		require.Error(t, err)
		require.Nil(t, r)
		require.Contains(t, err.Error(), "pipeline is required")
	})

	t.Run("processes files concurrently and aggregates outcomes", func(t *testing.T) {
		t.Parallel()

		fs := newFakeStore(0)
		r := newRunner(t, fs, nil)

		var specs []pipeline.FileSpec
		for i := range 5 {
			path := writeFile(t, fmt.Sprintf("buoy-%d.csv", i),
				fmt.Sprintf("time,parameter,value\n2021-02-25T%02d:00:00Z,temp,12.5\n", i))
			specs = append(specs, pipeline.FileSpec{Path: path, Dataset: fmt.Sprintf("buoy-%d", i)})
		}
		// An empty file fails without affecting its siblings.
		specs = append(specs, pipeline.FileSpec{
			Path:    writeFile(t, "empty.csv", ""),
			Dataset: "buoy-bad",
		})

		outcomes, summary, err := r.Run(t.Context(), specs)
		require.NoError(t, err)
		require.Len(t, outcomes, 6)
		require.Equal(t, 6, summary.Files)
		require.Equal(t, 5, summary.Succeeded)
		require.Equal(t, 1, summary.Failed)
		require.Equal(t, 5, summary.RowsExtracted)
		require.Equal(t, 5, summary.RowsInserted)
		require.NotEmpty(t, summary.RunID)
	})

	t.Run("filters by dataset", func(t *testing.T) {
		t.Parallel()

		fs := newFakeStore(0)
		r := newRunner(t, fs, []string{"keep"})

		keep := writeFile(t, "keep.csv",
			"time,parameter,value\n2021-02-25T00:00:00Z,temp,12.5\n")
		skip := writeFile(t, "skip.csv",
			"time,parameter,value\n2021-02-25T00:00:00Z,temp,12.5\n")

		outcomes, summary, err := r.Run(t.Context(), []pipeline.FileSpec{
			{Path: keep, Dataset: "keep"},
			{Path: skip, Dataset: "other"},
		})
		require.NoError(t, err)
		require.Len(t, outcomes, 1)
		require.Equal(t, 1, summary.Files)
		require.Equal(t, "keep", outcomes[0].Dataset)
	})
}
