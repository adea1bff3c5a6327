package extract

import (
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
	"github.com/malbeclabs/tide/ingest/pkg/timeref"
)

// ExtractTabular opens a delimited text file, resolves its encoding and
// column bindings, detects the time scheme from a bounded sample of rows,
// and returns a lazy stream over the remaining records.
//
// Fail-fast conditions: encoding resolution, required columns, time
// detection and an empty body. Everything after that degrades row-wise.
func ExtractTabular(path string, opts Options) (*Extraction, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.CodeCSVParse, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fault.New(fault.CodeEmptyFile, "file %s has no content", path)
	}

	decoded, _, err := DecodeBytes(data)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(bytes.NewReader(decoded))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fault.New(fault.CodeEmptyFile, "file %s has no header row", path)
		}
		return nil, fault.Wrap(fault.CodeCSVParse, err)
	}

	binding, cols, err := bindColumns(header)
	if err != nil {
		return nil, err
	}

	// Buffer a bounded sample for time detection; the stream replays it
	// before continuing from the reader.
	sample := make([][]string, 0, opts.sampleSize())
	for len(sample) < opts.sampleSize() {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fault.Wrap(fault.CodeCSVParse, err)
		}
		if rowEmpty(row) {
			continue
		}
		sample = append(sample, row)
	}
	if len(sample) == 0 {
		return nil, fault.New(fault.CodeEmptyFile, "file %s has no rows after the header", path)
	}

	ref, err := detectTabularTime(binding, header, sample, opts)
	if err != nil {
		return nil, err
	}

	return &Extraction{
		Ref:     ref,
		Columns: cols,
		Stream: &tabularStream{
			r:       r,
			buffer:  sample,
			header:  header,
			binding: binding,
		},
	}, nil
}

// columnBinding holds resolved column indexes; -1 means absent.
type columnBinding struct {
	time      int
	compound  map[string]int
	value     int
	parameter int
	depth     int
	lat       int
	lon       int
	quality   int
	station   int
}

func bindColumns(header []string) (columnBinding, Columns, error) {
	b := columnBinding{}
	b.time, _ = lookupOrMissing(FieldTime, header)
	b.value, _ = lookupOrMissing(FieldValue, header)
	b.parameter, _ = lookupOrMissing(FieldParameter, header)
	b.depth, _ = lookupOrMissing(FieldDepth, header)
	b.lat, _ = lookupOrMissing(FieldLatitude, header)
	b.lon, _ = lookupOrMissing(FieldLongitude, header)
	b.quality, _ = lookupOrMissing(FieldQuality, header)
	b.station, _ = lookupOrMissing(FieldStation, header)

	if b.time < 0 {
		compound, ok := lookupCompound(header)
		if !ok {
			return b, Columns{}, fault.New(fault.CodeMissingColumns,
				"no time column among %v and no compound year/month/day columns", aliases[FieldTime])
		}
		b.compound = compound
	}
	if b.value < 0 {
		return b, Columns{}, fault.New(fault.CodeMissingColumns,
			"no value column among %v", aliases[FieldValue])
	}

	cols := Columns{
		Value:     headerAt(header, b.value),
		Parameter: headerAt(header, b.parameter),
		Depth:     headerAt(header, b.depth),
		Latitude:  headerAt(header, b.lat),
		Longitude: headerAt(header, b.lon),
		Quality:   headerAt(header, b.quality),
		Station:   headerAt(header, b.station),
	}
	if b.compound != nil {
		cols.Compound = true
		cols.Time = "year/month/day"
	} else {
		cols.Time = headerAt(header, b.time)
	}
	return b, cols, nil
}

func detectTabularTime(b columnBinding, header []string, sample [][]string, opts Options) (timeref.Reference, error) {
	if b.compound != nil {
		// Compound columns are only bound when no single time column
		// exists, so there is nothing an override scheme could apply to.
		if opts.TimeOverride != "" {
			return timeref.Reference{}, fault.New(fault.CodeTimeFormat,
				"time scheme override %q cannot apply to compound year/month/day columns", opts.TimeOverride)
		}
		return timeref.Compound(), nil
	}

	cand := timeref.Candidate{Override: opts.TimeOverride}
	if b.time >= 0 {
		cand.Name = header[b.time]
		for _, row := range sample {
			if b.time < len(row) {
				cand.Samples = append(cand.Samples, row[b.time])
			}
		}
	}
	return timeref.Detect(cand)
}

type tabularStream struct {
	r       *csv.Reader
	buffer  [][]string
	header  []string
	binding columnBinding
	skipped int
	done    bool
}

func (s *tabularStream) Next() (RawSample, error) {
	for {
		row, err := s.nextRow()
		if err != nil {
			return RawSample{}, err
		}
		sample, ok := s.buildSample(row)
		if !ok {
			s.skipped++
			continue
		}
		return sample, nil
	}
}

func (s *tabularStream) nextRow() ([]string, error) {
	for {
		if len(s.buffer) > 0 {
			row := s.buffer[0]
			s.buffer = s.buffer[1:]
			return row, nil
		}
		if s.done {
			return nil, io.EOF
		}
		row, err := s.r.Read()
		if errors.Is(err, io.EOF) {
			s.done = true
			return nil, io.EOF
		}
		if err != nil {
			return nil, fault.Wrap(fault.CodeCSVParse, err)
		}
		if rowEmpty(row) {
			continue
		}
		return row, nil
	}
}

// buildSample converts one CSV row, reporting false for malformed rows
// (short row, unparseable value or time) which are skipped, never fatal.
func (s *tabularStream) buildSample(row []string) (RawSample, bool) {
	b := s.binding

	value, ok := floatAt(row, b.value)
	if !ok {
		return RawSample{}, false
	}

	var raw RawTime
	if b.compound != nil {
		parts, ok := compoundAt(row, b.compound)
		if !ok {
			return RawSample{}, false
		}
		raw.Parts = parts
	} else {
		if b.time >= len(row) {
			return RawSample{}, false
		}
		text := strings.TrimSpace(row[b.time])
		if text == "" {
			return RawSample{}, false
		}
		raw.Text = text
	}

	parameter := headerAt(s.header, b.value)
	if b.parameter >= 0 && b.parameter < len(row) {
		if p := strings.TrimSpace(row[b.parameter]); p != "" {
			parameter = p
		}
	}

	sample := RawSample{
		Time:      raw,
		Parameter: parameter,
		Value:     value,
		Station:   stringAt(row, b.station),
		Quality:   stringAt(row, b.quality),
	}
	if d, ok := floatAt(row, b.depth); ok {
		sample.Depth = &d
	}
	if lat, ok := floatAt(row, b.lat); ok {
		sample.Lat = &lat
	}
	if lon, ok := floatAt(row, b.lon); ok {
		sample.Lon = &lon
	}
	return sample, true
}

func (s *tabularStream) Skipped() int { return s.skipped }

func (s *tabularStream) Close() error { return nil }

func lookupOrMissing(field Field, header []string) (int, bool) {
	if i, ok := LookupColumn(field, header); ok {
		return i, true
	}
	return -1, false
}

func headerAt(header []string, i int) string {
	if i < 0 || i >= len(header) {
		return ""
	}
	return strings.TrimSpace(header[i])
}

func stringAt(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func floatAt(row []string, i int) (float64, bool) {
	if i < 0 || i >= len(row) {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func intAt(row []string, i int) (int, bool) {
	if i < 0 || i >= len(row) {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(row[i]))
	if err != nil {
		return 0, false
	}
	return v, true
}

// compoundAt reads the compound date components from a row. Year, month and
// day are required; the time-of-day components default to zero.
func compoundAt(row []string, compound map[string]int) (*Parts, bool) {
	get := func(part string) (int, bool) {
		i, ok := compound[part]
		if !ok {
			return 0, false
		}
		return intAt(row, i)
	}

	year, okY := get("year")
	month, okM := get("month")
	day, okD := get("day")
	if !okY || !okM || !okD {
		return nil, false
	}

	p := &Parts{Year: year, Month: month, Day: day}
	if h, ok := get("hour"); ok {
		p.Hour = h
	}
	if m, ok := get("minute"); ok {
		p.Minute = m
	}
	if sec, ok := get("second"); ok {
		p.Second = sec
	}
	return p, true
}

func rowEmpty(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
