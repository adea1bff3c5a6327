// Package extract turns source files into lazy streams of raw measurement
// samples. Two extractors share one contract: a tabular (CSV) variant and an
// array (NetCDF container) variant. Column and variable identification goes
// through explicit ordered alias tables so lookup priority is inspectable
// rather than buried in chained fallbacks.
package extract

import (
	"strings"

	"github.com/malbeclabs/tide/ingest/pkg/timeref"
)

// Field names a logical column the extractors look for.
type Field string

const (
	FieldTime      Field = "time"
	FieldValue     Field = "value"
	FieldParameter Field = "parameter"
	FieldDepth     Field = "depth"
	FieldLatitude  Field = "latitude"
	FieldLongitude Field = "longitude"
	FieldQuality   Field = "quality"
	FieldStation   Field = "station"
)

// aliases maps each logical field to its ordered candidate names. Order is
// the lookup priority; the first header that matches wins.
var aliases = map[Field][]string{
	FieldTime:      {"time", "date", "datetime", "timestamp"},
	FieldValue:     {"value", "concentration", "measurement", "result"},
	FieldParameter: {"parameter", "variable", "code"},
	FieldDepth:     {"depth", "z", "level"},
	FieldLatitude:  {"latitude", "lat", "y"},
	FieldLongitude: {"longitude", "lon", "x"},
	FieldQuality:   {"quality", "quality_flag", "flag", "qc"},
	FieldStation:   {"station", "site", "platform"},
}

// compoundParts are the column names recognized as compound date components.
// Hour, minute and second are optional and default to zero.
var compoundParts = []string{"year", "month", "day", "hour", "minute", "second"}

// Parts holds compound date column values for one row.
type Parts struct {
	Year, Month, Day     int
	Hour, Minute, Second int
}

// RawTime is one raw time value in whichever shape the source provided it:
// text for tabular single-column time, a number for array sources, or
// compound column parts. It is untyped by design; conversion to a UTC
// instant happens in the pipeline under the detected Reference.
type RawTime struct {
	Text  string
	Num   float64
	IsNum bool
	Parts *Parts
}

// RawSample is one measurement tuple read directly from a source file,
// unvalidated beyond the numeric parse of its value.
type RawSample struct {
	Time      RawTime
	Parameter string
	Value     float64
	Depth     *float64
	Lat       *float64
	Lon       *float64
	Station   string
	Quality   string
}

// Columns records which physical columns or variables were bound to each
// logical field, for the per-file outcome report.
type Columns struct {
	Time      string
	Compound  bool
	Value     string
	Parameter string
	Depth     string
	Latitude  string
	Longitude string
	Quality   string
	Station   string
}

// Stream is a lazy sequence of raw samples. Next returns io.EOF when the
// source is exhausted. Malformed records are skipped, counted and never
// surfaced as errors.
type Stream interface {
	Next() (RawSample, error)
	Skipped() int
	Close() error
}

// Extraction is the result of opening a source file.
type Extraction struct {
	Ref     timeref.Reference
	Columns Columns
	// Units maps data variable names to their units attribute. Array
	// sources only; tabular files carry no unit metadata.
	Units  map[string]string
	Stream Stream
}

// Options carries the external hints an invoking collaborator may supply.
type Options struct {
	// TimeOverride forces a time scheme, bypassing detection entirely.
	TimeOverride timeref.Scheme
	// SampleSize bounds how many rows are inspected during time detection.
	SampleSize int
	// Variables restricts the array extractor to the named data variables.
	Variables []string
}

const defaultSampleSize = 25

func (o Options) sampleSize() int {
	if o.SampleSize > 0 {
		return o.SampleSize
	}
	return defaultSampleSize
}

// LookupColumn returns the index of the first header matching the field's
// ordered alias list, case-insensitively.
func LookupColumn(field Field, headers []string) (int, bool) {
	lowered := make([]string, len(headers))
	for i, h := range headers {
		lowered[i] = normalizeHeader(h)
	}
	for _, alias := range aliases[field] {
		for i, h := range lowered {
			if h == alias {
				return i, true
			}
		}
	}
	return -1, false
}

// lookupCompound binds the compound date component columns. The second
// return is false unless at least year, month and day are present.
func lookupCompound(headers []string) (map[string]int, bool) {
	found := make(map[string]int, len(compoundParts))
	for i, h := range headers {
		name := normalizeHeader(h)
		for _, part := range compoundParts {
			if name == part {
				if _, dup := found[part]; !dup {
					found[part] = i
				}
			}
		}
	}
	_, y := found["year"]
	_, m := found["month"]
	_, d := found["day"]
	return found, y && m && d
}

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
