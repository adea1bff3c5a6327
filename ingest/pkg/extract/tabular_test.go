package extract

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
	"github.com/malbeclabs/tide/ingest/pkg/timeref"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func collect(t *testing.T, s Stream) []RawSample {
	t.Helper()
	var out []RawSample
	for {
		sample, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		out = append(out, sample)
	}
	require.NoError(t, s.Close())
	return out
}

func TestTide_Extract_Tabular(t *testing.T) {
	t.Parallel()

	t.Run("iso time with parameter and coordinate columns", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "obs.csv", []byte(
			"Time,Parameter,Value,Depth,Lat,Lon,Quality\n"+
				"2021-03-25T00:00:00Z,temp,12.5,5.0,43.2,5.1,1\n"+
				"2021-03-25T01:00:00Z,psal,38.1,5.0,43.2,5.1,1\n"))

		ext, err := ExtractTabular(path, Options{})
		require.NoError(t, err)
		require.Equal(t, timeref.SchemeISO8601, ext.Ref.Scheme)
		require.Equal(t, "Time", ext.Columns.Time)
		require.Equal(t, "Value", ext.Columns.Value)
		require.Equal(t, "Parameter", ext.Columns.Parameter)

		samples := collect(t, ext.Stream)
		require.Len(t, samples, 2)
		require.Equal(t, "temp", samples[0].Parameter)
		require.Equal(t, 12.5, samples[0].Value)
		require.Equal(t, "2021-03-25T00:00:00Z", samples[0].Time.Text)
		require.NotNil(t, samples[0].Depth)
		require.Equal(t, 5.0, *samples[0].Depth)
		require.Equal(t, 43.2, *samples[0].Lat)
		require.Equal(t, 5.1, *samples[0].Lon)
		require.Equal(t, "1", samples[0].Quality)
	})

	t.Run("numeric day counts in a time column use the magnitude bands", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "days.csv", []byte(
			"date,value\n44250,1.0\n44251,2.0\n"))

		ext, err := ExtractTabular(path, Options{})
		require.NoError(t, err)
		require.Equal(t, timeref.SchemeDays1900, ext.Ref.Scheme)

		samples := collect(t, ext.Stream)
		require.Len(t, samples, 2)
		// No parameter column: the value column's header is the raw name.
		require.Equal(t, "value", samples[0].Parameter)
	})

	t.Run("compound date columns with missing time parts", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "compound.csv", []byte(
			"YEAR,MONTH,DAY,HOUR,concentration\n"+
				"2023,12,19,4,0.42\n"))

		ext, err := ExtractTabular(path, Options{})
		require.NoError(t, err)
		require.Equal(t, timeref.SchemeCompound, ext.Ref.Scheme)
		require.True(t, ext.Columns.Compound)

		samples := collect(t, ext.Stream)
		require.Len(t, samples, 1)
		require.NotNil(t, samples[0].Time.Parts)
		require.Equal(t, &Parts{Year: 2023, Month: 12, Day: 19, Hour: 4}, samples[0].Time.Parts)
	})

	t.Run("latin-1 content decodes with characters intact", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "latin1.csv", []byte(
			"time,value,station\n2021-01-01,1.5,Bou\xe9e M\xe9diterran\xe9e\n"))

		ext, err := ExtractTabular(path, Options{})
		require.NoError(t, err)

		samples := collect(t, ext.Stream)
		require.Len(t, samples, 1)
		require.Equal(t, "Bouée Méditerranée", samples[0].Station)
	})

	t.Run("malformed rows are skipped and counted, not fatal", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "bad.csv", []byte(
			"time,value\n"+
				"2021-01-01,1.0\n"+
				"2021-01-02,not-a-number\n"+
				"2021-01-03\n"+
				"2021-01-04,4.0\n"))

		ext, err := ExtractTabular(path, Options{})
		require.NoError(t, err)

		samples := collect(t, ext.Stream)
		require.Len(t, samples, 2)
		require.Equal(t, 2, ext.Stream.Skipped())
	})

	t.Run("missing time and compound columns fail fast", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "notime.csv", []byte("site,value\na,1\n"))

		_, err := ExtractTabular(path, Options{})
		require.Error(t, err)
		require.True(t, fault.Is(err, fault.CodeMissingColumns))
	})

	t.Run("missing value column fails fast", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "novalue.csv", []byte("time,site\n2021-01-01,a\n"))

		_, err := ExtractTabular(path, Options{})
		require.Error(t, err)
		require.True(t, fault.Is(err, fault.CodeMissingColumns))
	})

	t.Run("empty and header-only files fail with EMPTY_FILE", func(t *testing.T) {
		t.Parallel()
		empty := writeFile(t, "empty.csv", []byte(""))
		_, err := ExtractTabular(empty, Options{})
		require.True(t, fault.Is(err, fault.CodeEmptyFile))

		headerOnly := writeFile(t, "header.csv", []byte("time,value\n"))
		_, err = ExtractTabular(headerOnly, Options{})
		require.True(t, fault.Is(err, fault.CodeEmptyFile))
	})

	t.Run("undetectable time values fail with TIME_FORMAT_UNKNOWN only", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "weird.csv", []byte("time,value\n30000,1.0\n"))

		_, err := ExtractTabular(path, Options{})
		require.Error(t, err)
		require.True(t, fault.Is(err, fault.CodeTimeFormat))
	})

	t.Run("time override bypasses detection", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "override.csv", []byte("time,value\n30000,1.0\n"))

		ext, err := ExtractTabular(path, Options{TimeOverride: timeref.SchemeDays1970})
		require.NoError(t, err)
		require.Equal(t, timeref.SchemeDays1970, ext.Ref.Scheme)
	})

	t.Run("time override with compound columns fails fast", func(t *testing.T) {
		t.Parallel()
		path := writeFile(t, "compound_override.csv",
			[]byte("year,month,day,value\n2021,2,25,1.0\n"))

		_, err := ExtractTabular(path, Options{TimeOverride: timeref.SchemeDays1900})
		require.Error(t, err)
		require.True(t, fault.Is(err, fault.CodeTimeFormat))
	})
}

func TestTide_Extract_LookupColumn(t *testing.T) {
	t.Parallel()

	headers := []string{"Station", "DateTime", "Lon", "Lat", "Result"}

	i, ok := LookupColumn(FieldTime, headers)
	require.True(t, ok)
	require.Equal(t, 1, i)

	i, ok = LookupColumn(FieldValue, headers)
	require.True(t, ok)
	require.Equal(t, 4, i)

	// Priority: "latitude" would win over "lat", and "lat" over "y".
	i, ok = LookupColumn(FieldLatitude, []string{"y", "lat", "latitude"})
	require.True(t, ok)
	require.Equal(t, 2, i)

	_, ok = LookupColumn(FieldDepth, headers)
	require.False(t, ok)
}
