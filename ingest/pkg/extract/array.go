package extract

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
	"github.com/malbeclabs/tide/ingest/pkg/timeref"
)

// ArraySource abstracts an array-based container (a NetCDF file in
// production, an in-memory fake in tests). Variable reads whole variables
// eagerly and is meant for coordinates and attributes; Slicer gives lazy
// access along the outermost dimension so unlimited time dimensions never
// require a row count ahead of iteration.
type ArraySource interface {
	Variables() []string
	Variable(name string) (*ArrayVar, error)
	Slicer(name string) (Slicer, error)
	Close() error
}

// ArrayVar is one variable read from an array source. Values holds nested
// slices, one nesting level per dimension.
type ArrayVar struct {
	Name       string
	Dimensions []string
	Values     any
	Attrs      map[string]any
}

// Slicer reads a variable lazily along its outermost dimension.
type Slicer interface {
	Len() int64
	Slice(begin, end int64) (any, error)
	Dimensions() []string
}

// ExtractArray binds the time coordinate, the coordinate variables for every
// secondary dimension, and the target data variables of an array source,
// then returns a lazy stream enumerating the Cartesian product of all
// non-time dimensions per time step.
func ExtractArray(src ArraySource, opts Options) (*Extraction, error) {
	names := src.Variables()

	timeName, ok := findTimeVariable(names)
	if !ok {
		return nil, fault.New(fault.CodeTimeFormat, "no time coordinate variable among %v", names)
	}
	timeVar, err := src.Variable(timeName)
	if err != nil {
		return nil, fault.Wrap(fault.CodeNetCDFRead, err)
	}

	ref, err := detectArrayTime(timeVar, opts)
	if err != nil {
		return nil, err
	}

	coords, err := bindCoordinates(src, names)
	if err != nil {
		return nil, err
	}

	dataVars, err := selectDataVariables(src, names, timeName, coords, opts)
	if err != nil {
		return nil, err
	}
	if len(dataVars) == 0 {
		return nil, fault.New(fault.CodeMissingColumns, "no data variables indexed by %q", timeName)
	}

	timeSlicer, err := src.Slicer(timeName)
	if err != nil {
		return nil, fault.Wrap(fault.CodeNetCDFRead, err)
	}

	varNames := make([]string, len(dataVars))
	units := make(map[string]string, len(dataVars))
	for i, v := range dataVars {
		varNames[i] = v.name
		if v.units != "" {
			units[v.name] = v.units
		}
	}

	return &Extraction{
		Ref: ref,
		Columns: Columns{
			Time:      timeName,
			Value:     strings.Join(varNames, ","),
			Depth:     strings.Join(sortedKeys(coords.depthByDim), ","),
			Latitude:  coords.latName,
			Longitude: coords.lonName,
			Station:   strings.Join(sortedKeys(coords.stationByDim), ","),
		},
		Units: units,
		Stream: &arrayStream{
			src:        src,
			timeSlicer: timeSlicer,
			timeDim:    outerDim(timeSlicer.Dimensions(), timeName),
			vars:       dataVars,
			coords:     coords,
		},
	}, nil
}

func findTimeVariable(names []string) (string, bool) {
	byLower := make(map[string]string, len(names))
	for _, n := range names {
		byLower[strings.ToLower(n)] = n
	}
	for _, alias := range aliases[FieldTime] {
		if n, ok := byLower[alias]; ok {
			return n, true
		}
	}
	return "", false
}

func detectArrayTime(timeVar *ArrayVar, opts Options) (timeref.Reference, error) {
	cand := timeref.Candidate{
		Name:     timeVar.Name,
		Units:    stringAttr(timeVar.Attrs, "units"),
		Calendar: stringAttr(timeVar.Attrs, "calendar"),
		Override: opts.TimeOverride,
	}
	for _, v := range flattenFloats(timeVar.Values) {
		if len(cand.Samples) >= opts.sampleSize() {
			break
		}
		cand.Samples = append(cand.Samples, fmt.Sprintf("%v", v))
	}
	return timeref.Detect(cand)
}

// coordinates holds the per-dimension coordinate bindings carried along
// with each emitted sample.
type coordinates struct {
	depthByDim   map[string][]float64
	stationByDim map[string][]string
	latByDim     map[string][]float64
	lonByDim     map[string][]float64
	scalarLat    *float64
	scalarLon    *float64
	latName      string
	lonName      string
	auxNames     map[string]bool
}

func bindCoordinates(src ArraySource, names []string) (*coordinates, error) {
	c := &coordinates{
		depthByDim:   map[string][]float64{},
		stationByDim: map[string][]string{},
		latByDim:     map[string][]float64{},
		lonByDim:     map[string][]float64{},
		auxNames:     map[string]bool{},
	}

	for _, name := range names {
		field, ok := fieldForName(name)
		if !ok {
			continue
		}
		v, err := src.Variable(name)
		if err != nil {
			return nil, fault.Wrap(fault.CodeNetCDFRead, err)
		}
		c.auxNames[name] = true

		switch field {
		case FieldDepth:
			if dim, ok := singleDim(v); ok {
				c.depthByDim[dim] = flattenFloats(v.Values)
			}
		case FieldStation:
			if dim, ok := singleDim(v); ok {
				c.stationByDim[dim] = flattenStrings(v.Values)
			}
		case FieldLatitude:
			c.latName = name
			if dim, ok := singleDim(v); ok {
				c.latByDim[dim] = flattenFloats(v.Values)
			} else if len(v.Dimensions) == 0 {
				if vals := flattenFloats(v.Values); len(vals) == 1 {
					c.scalarLat = &vals[0]
				}
			}
		case FieldLongitude:
			c.lonName = name
			if dim, ok := singleDim(v); ok {
				c.lonByDim[dim] = flattenFloats(v.Values)
			} else if len(v.Dimensions) == 0 {
				if vals := flattenFloats(v.Values); len(vals) == 1 {
					c.scalarLon = &vals[0]
				}
			}
		}
	}
	return c, nil
}

// fieldForName classifies a variable name as a coordinate/auxiliary field
// via the shared alias tables.
func fieldForName(name string) (Field, bool) {
	lower := strings.ToLower(name)
	for _, field := range []Field{FieldDepth, FieldStation, FieldLatitude, FieldLongitude} {
		for _, alias := range aliases[field] {
			if lower == alias {
				return field, true
			}
		}
	}
	return "", false
}

type dataVariable struct {
	name   string
	slicer Slicer
	dims   []string // non-time dimensions, in declaration order
	fill   []float64
	units  string
	longNm string
}

func selectDataVariables(src ArraySource, names []string, timeName string, coords *coordinates, opts Options) ([]dataVariable, error) {
	wanted := map[string]bool{}
	for _, n := range opts.Variables {
		wanted[strings.ToLower(n)] = true
	}

	var out []dataVariable
	for _, name := range names {
		if name == timeName || coords.auxNames[name] {
			continue
		}
		if len(wanted) > 0 && !wanted[strings.ToLower(name)] {
			continue
		}

		slicer, err := src.Slicer(name)
		if err != nil {
			return nil, fault.Wrap(fault.CodeNetCDFRead, err)
		}
		dims := slicer.Dimensions()
		// Only variables with time as the outermost dimension are
		// extractable lazily; anything else is not a time series here.
		if len(dims) == 0 || !strings.EqualFold(dims[0], timeName) {
			if len(wanted) > 0 {
				return nil, fault.New(fault.CodeMissingColumns,
					"variable %q is not indexed by %q as its outer dimension", name, timeName)
			}
			continue
		}

		v, err := src.Variable(name)
		if err != nil {
			return nil, fault.Wrap(fault.CodeNetCDFRead, err)
		}

		out = append(out, dataVariable{
			name:   name,
			slicer: slicer,
			dims:   dims[1:],
			fill:   fillValues(v.Attrs),
			units:  stringAttr(v.Attrs, "units"),
			longNm: stringAttr(v.Attrs, "long_name"),
		})
	}
	return out, nil
}

type arrayStream struct {
	src        ArraySource
	timeSlicer Slicer
	timeDim    string
	vars       []dataVariable
	coords     *coordinates

	varIdx  int
	timeIdx int64
	pending []RawSample
	skipped int
}

func (s *arrayStream) Next() (RawSample, error) {
	for {
		if len(s.pending) > 0 {
			sample := s.pending[0]
			s.pending = s.pending[1:]
			return sample, nil
		}
		if s.varIdx >= len(s.vars) {
			return RawSample{}, io.EOF
		}

		v := s.vars[s.varIdx]
		// Len is consulted lazily per step so an unlimited time dimension
		// never needs a precomputed record count.
		if s.timeIdx >= v.slicer.Len() || s.timeIdx >= s.timeSlicer.Len() {
			s.varIdx++
			s.timeIdx = 0
			continue
		}

		if err := s.emitStep(v); err != nil {
			return RawSample{}, err
		}
		s.timeIdx++
	}
}

// emitStep appends every (dimension-combination) sample for one time step
// of one variable onto the pending queue. Fill and NaN values are skipped
// and counted.
func (s *arrayStream) emitStep(v dataVariable) error {
	tRaw, err := s.timeSlicer.Slice(s.timeIdx, s.timeIdx+1)
	if err != nil {
		return fault.Wrap(fault.CodeNetCDFRead, err)
	}
	tVals := flattenFloats(tRaw)
	if len(tVals) != 1 {
		return fault.New(fault.CodeNetCDFRead, "time step %d did not yield a single value", s.timeIdx)
	}

	step, err := v.slicer.Slice(s.timeIdx, s.timeIdx+1)
	if err != nil {
		return fault.Wrap(fault.CodeNetCDFRead, err)
	}
	inner := reflect.ValueOf(step)
	if inner.Kind() != reflect.Slice || inner.Len() != 1 {
		return fault.New(fault.CodeNetCDFRead, "variable %q step %d has unexpected shape", v.name, s.timeIdx)
	}

	s.walk(v, tVals[0], inner.Index(0), nil)
	return nil
}

func (s *arrayStream) walk(v dataVariable, tVal float64, cell reflect.Value, idx []int) {
	for cell.Kind() == reflect.Interface {
		cell = cell.Elem()
	}
	if cell.Kind() == reflect.Slice || cell.Kind() == reflect.Array {
		for i := 0; i < cell.Len(); i++ {
			s.walk(v, tVal, cell.Index(i), append(idx, i))
		}
		return
	}

	value, ok := numericValue(cell)
	if !ok {
		s.skipped++
		return
	}
	if math.IsNaN(value) || isFill(value, v.fill) {
		s.skipped++
		return
	}

	sample := RawSample{
		Time:      RawTime{Num: tVal, IsNum: true},
		Parameter: v.name,
		Value:     value,
		Lat:       s.coords.scalarLat,
		Lon:       s.coords.scalarLon,
	}
	for d, dim := range v.dims {
		if d >= len(idx) {
			break
		}
		i := idx[d]
		if depths, ok := s.coords.depthByDim[dim]; ok && i < len(depths) {
			depth := depths[i]
			sample.Depth = &depth
		}
		if stations, ok := s.coords.stationByDim[dim]; ok && i < len(stations) {
			sample.Station = stations[i]
		}
		if lats, ok := s.coords.latByDim[dim]; ok && i < len(lats) {
			lat := lats[i]
			sample.Lat = &lat
		}
		if lons, ok := s.coords.lonByDim[dim]; ok && i < len(lons) {
			lon := lons[i]
			sample.Lon = &lon
		}
	}

	s.pending = append(s.pending, sample)
}

func (s *arrayStream) Skipped() int { return s.skipped }

func (s *arrayStream) Close() error { return s.src.Close() }

func singleDim(v *ArrayVar) (string, bool) {
	if len(v.Dimensions) == 1 {
		return v.Dimensions[0], true
	}
	return "", false
}

func outerDim(dims []string, fallback string) string {
	if len(dims) > 0 {
		return dims[0]
	}
	return fallback
}

func stringAttr(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	if v, ok := attrs[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case []string:
			if len(s) > 0 {
				return s[0]
			}
		default:
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func fillValues(attrs map[string]any) []float64 {
	var out []float64
	for _, key := range []string{"_FillValue", "missing_value"} {
		if v, ok := attrs[key]; ok {
			for _, f := range flattenFloats(v) {
				out = append(out, f)
			}
		}
	}
	return out
}

func isFill(v float64, fills []float64) bool {
	for _, f := range fills {
		if v == f {
			return true
		}
	}
	return false
}

// flattenFloats walks arbitrarily nested slices and collects every numeric
// leaf as float64.
func flattenFloats(values any) []float64 {
	var out []float64
	var walk func(reflect.Value)
	walk = func(v reflect.Value) {
		for v.Kind() == reflect.Interface {
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		default:
			if f, ok := numericValue(v); ok {
				out = append(out, f)
			}
		}
	}
	if values != nil {
		walk(reflect.ValueOf(values))
	}
	return out
}

func flattenStrings(values any) []string {
	var out []string
	var walk func(reflect.Value)
	walk = func(v reflect.Value) {
		for v.Kind() == reflect.Interface {
			v = v.Elem()
		}
		switch v.Kind() {
		case reflect.String:
			out = append(out, v.String())
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		default:
			if f, ok := numericValue(v); ok {
				out = append(out, fmt.Sprintf("%v", f))
			}
		}
	}
	if values != nil {
		walk(reflect.ValueOf(values))
	}
	return out
}

func numericValue(v reflect.Value) (float64, bool) {
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(v.Uint()), true
	}
	return 0, false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
