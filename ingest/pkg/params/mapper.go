// Package params resolves raw variable and column names to standardized
// parameter codes. Lookups are case-insensitive and never fail: a miss
// synthesizes a custom mapping that stays stable for the rest of the run
// and can be drained for external persistence.
package params

import (
	"sort"
	"strings"
	"sync"
)

// Namespace tags the controlled vocabulary a code was drawn from.
type Namespace string

const (
	NamespaceBODC   Namespace = "bodc"
	NamespaceCF     Namespace = "cf"
	NamespaceCustom Namespace = "custom"
)

const UnitUnknown = "unknown"

// Mapping binds a raw source name to a standardized (code, namespace, unit)
// triple. Mappings are immutable once created.
type Mapping struct {
	RawName   string
	Code      string
	Namespace Namespace
	Unit      string
}

// builtins is the default mapping set for common marine-sensor names.
// External overrides loaded at startup win over these.
var builtins = []Mapping{
	{RawName: "temp", Code: "TEMP", Namespace: NamespaceBODC, Unit: "degC"},
	{RawName: "temperature", Code: "TEMP", Namespace: NamespaceBODC, Unit: "degC"},
	{RawName: "sst", Code: "TEMP", Namespace: NamespaceBODC, Unit: "degC"},
	{RawName: "sea_water_temperature", Code: "sea_water_temperature", Namespace: NamespaceCF, Unit: "degC"},
	{RawName: "sal", Code: "PSAL", Namespace: NamespaceBODC, Unit: "psu"},
	{RawName: "salinity", Code: "PSAL", Namespace: NamespaceBODC, Unit: "psu"},
	{RawName: "psal", Code: "PSAL", Namespace: NamespaceBODC, Unit: "psu"},
	{RawName: "sea_water_salinity", Code: "sea_water_practical_salinity", Namespace: NamespaceCF, Unit: "psu"},
	{RawName: "oxygen", Code: "DOXY", Namespace: NamespaceBODC, Unit: "umol/kg"},
	{RawName: "doxy", Code: "DOXY", Namespace: NamespaceBODC, Unit: "umol/kg"},
	{RawName: "dissolved_oxygen", Code: "DOXY", Namespace: NamespaceBODC, Unit: "umol/kg"},
	{RawName: "chl", Code: "CPHL", Namespace: NamespaceBODC, Unit: "mg/m3"},
	{RawName: "chlorophyll", Code: "CPHL", Namespace: NamespaceBODC, Unit: "mg/m3"},
	{RawName: "cphl", Code: "CPHL", Namespace: NamespaceBODC, Unit: "mg/m3"},
	{RawName: "pres", Code: "PRES", Namespace: NamespaceBODC, Unit: "dbar"},
	{RawName: "pressure", Code: "PRES", Namespace: NamespaceBODC, Unit: "dbar"},
	{RawName: "sea_water_pressure", Code: "sea_water_pressure", Namespace: NamespaceCF, Unit: "dbar"},
	{RawName: "cndc", Code: "CNDC", Namespace: NamespaceBODC, Unit: "S/m"},
	{RawName: "conductivity", Code: "CNDC", Namespace: NamespaceBODC, Unit: "S/m"},
	{RawName: "turbidity", Code: "TURB", Namespace: NamespaceBODC, Unit: "NTU"},
	{RawName: "ph", Code: "PHPH", Namespace: NamespaceBODC, Unit: "pH"},
	{RawName: "nitrate", Code: "NTRA", Namespace: NamespaceBODC, Unit: "umol/l"},
	{RawName: "air_temperature", Code: "air_temperature", Namespace: NamespaceCF, Unit: "degC"},
	{RawName: "atmp", Code: "ATMP", Namespace: NamespaceBODC, Unit: "degC"},
	{RawName: "wind_speed", Code: "wind_speed", Namespace: NamespaceCF, Unit: "m/s"},
	{RawName: "wind_from_direction", Code: "wind_from_direction", Namespace: NamespaceCF, Unit: "degree"},
}

// Mapper is safe for concurrent use by multiple file workers.
type Mapper struct {
	mu          sync.RWMutex
	table       map[string]Mapping
	synthesized map[string]bool
	pending     []Mapping
}

// NewMapper builds a mapper from the built-in set plus external overrides.
// Override entries replace built-ins sharing the same raw name.
func NewMapper(overrides []Mapping) *Mapper {
	m := &Mapper{
		table:       make(map[string]Mapping, len(builtins)+len(overrides)),
		synthesized: make(map[string]bool),
	}
	for _, b := range builtins {
		m.table[keyFor(b.RawName)] = b
	}
	for _, o := range overrides {
		m.table[keyFor(o.RawName)] = o
	}
	return m
}

// Resolve returns the mapping for a raw name. The second return reports
// whether the served mapping was synthesized during this run, which the
// pipeline surfaces in the per-file outcome without aborting anything.
func (m *Mapper) Resolve(raw string) (Mapping, bool) {
	key := keyFor(raw)

	m.mu.RLock()
	mapped, ok := m.table[key]
	synth := m.synthesized[key]
	m.mu.RUnlock()
	if ok {
		return mapped, synth
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Another worker may have synthesized it between the two locks.
	if mapped, ok = m.table[key]; ok {
		return mapped, m.synthesized[key]
	}

	mapped = Mapping{
		RawName:   raw,
		Code:      strings.ToUpper(strings.TrimSpace(raw)),
		Namespace: NamespaceCustom,
		Unit:      UnitUnknown,
	}
	m.table[key] = mapped
	m.synthesized[key] = true
	m.pending = append(m.pending, mapped)
	return mapped, true
}

// Drain returns the mappings synthesized since the last drain, for external
// persistence. Promotion of custom mappings to bodc/cf stays a manual
// curation step outside this package.
func (m *Mapper) Drain() []Mapping {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.pending
	m.pending = nil
	return out
}

// Snapshot returns the full live table sorted by raw name.
func (m *Mapper) Snapshot() []Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Mapping, 0, len(m.table))
	for _, mapped := range m.table {
		out = append(out, mapped)
	}
	sort.Slice(out, func(i, j int) bool { return keyFor(out[i].RawName) < keyFor(out[j].RawName) })
	return out
}

func keyFor(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
