package extract

import (
	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/malbeclabs/tide/ingest/pkg/fault"
)

// ExtractNetCDF opens a NetCDF container and extracts it as an array
// source. Structural corruption or an unreadable container fails with
// NETCDF_READ_ERROR.
func ExtractNetCDF(path string, opts Options) (*Extraction, error) {
	nc, err := netcdf.Open(path)
	if err != nil {
		return nil, fault.Wrap(fault.CodeNetCDFRead, err)
	}

	ext, err := ExtractArray(&ncSource{group: nc}, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return ext, nil
}

// ncSource adapts a go-native-netcdf group to the ArraySource interface.
// All library access is confined to this file.
type ncSource struct {
	group api.Group
}

func (s *ncSource) Variables() []string {
	return s.group.ListVariables()
}

func (s *ncSource) Variable(name string) (*ArrayVar, error) {
	v, err := s.group.GetVariable(name)
	if err != nil {
		return nil, err
	}
	attrs := map[string]any{}
	if v.Attributes != nil {
		for _, key := range v.Attributes.Keys() {
			if val, has := v.Attributes.Get(key); has {
				attrs[key] = val
			}
		}
	}
	return &ArrayVar{
		Name:       name,
		Dimensions: v.Dimensions,
		Values:     v.Values,
		Attrs:      attrs,
	}, nil
}

func (s *ncSource) Slicer(name string) (Slicer, error) {
	vg, err := s.group.GetVarGetter(name)
	if err != nil {
		return nil, err
	}
	return &ncSlicer{vg: vg}, nil
}

func (s *ncSource) Close() error {
	s.group.Close()
	return nil
}

type ncSlicer struct {
	vg api.VarGetter
}

func (s *ncSlicer) Len() int64 {
	return s.vg.Len()
}

func (s *ncSlicer) Slice(begin, end int64) (any, error) {
	return s.vg.GetSlice(begin, end)
}

func (s *ncSlicer) Dimensions() []string {
	return s.vg.Dimensions()
}
