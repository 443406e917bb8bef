// Package netcdf reads daily gridded meteorology from NetCDF files and writes
// bundle splits as NetCDF artifacts.
package netcdf

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/fhs/go-netcdf/netcdf"
)

const (
	fileLayout = "20060102"
	ext        = ".nc"
)

// FileName returns the daily file name for day, e.g. 20240601.nc.
func FileName(day time.Time) string {
	return day.UTC().Format(fileLayout) + ext
}

// MetSource reads one file per day from Dir. Each file holds 1-D latitude and
// longitude axes and one variable per forcing, shaped (lat, lon) or
// (time, lat, lon). A time axis is reduced to its daily mean.
type MetSource struct {
	Dir string
	// Variables maps dataset variable names to NetCDF variable names.
	Variables map[string]string
	LatVar    string
	LonVar    string
}

// NewMetSource creates a MetSource with the conventional "lat"/"lon" axes.
func NewMetSource(dir string, variables map[string]string) *MetSource {
	return &MetSource{Dir: dir, Variables: variables, LatVar: "lat", LonVar: "lon"}
}

// Days lists the days with a file in Dir, in chronological order.
func (s *MetSource) Days(ctx context.Context) ([]time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("list netcdf dir: %w", err)
	}
	var days []time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		day, err := time.Parse(fileLayout, strings.TrimSuffix(e.Name(), ext))
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	slices.SortFunc(days, time.Time.Compare)
	return days, nil
}

// LoadDay reads every mapped variable from the file for day.
func (s *MetSource) LoadDay(ctx context.Context, day time.Time) (domain.MetDay, error) {
	if err := ctx.Err(); err != nil {
		return domain.MetDay{}, err
	}
	path := filepath.Join(s.Dir, FileName(day))
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return domain.MetDay{}, fmt.Errorf("meteorology %s: %w", domain.DayKey(day), domain.ErrDayNotFound)
	}

	nc, err := netcdf.OpenFile(path, netcdf.NOWRITE)
	if err != nil {
		return domain.MetDay{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = nc.Close() }()

	lats, err := readAxis(nc, s.LatVar)
	if err != nil {
		return domain.MetDay{}, fmt.Errorf("%s: %w", path, err)
	}
	lons, err := readAxis(nc, s.LonVar)
	if err != nil {
		return domain.MetDay{}, fmt.Errorf("%s: %w", path, err)
	}
	latGrid, lonGrid := domain.MeshGrid(lats, lons)

	md := domain.MetDay{Day: domain.TruncateDay(day), Fields: make(map[string]domain.GriddedField, len(s.Variables))}
	for name, ncName := range s.Variables {
		values, err := readField(nc, ncName, len(lats), len(lons))
		if err != nil {
			return domain.MetDay{}, fmt.Errorf("meteorology %s: %s: variable %s: %w", domain.DayKey(day), path, ncName, err)
		}
		md.Fields[name] = domain.GriddedField{Values: values, Lats: latGrid, Lons: lonGrid}
	}
	return md, nil
}

func readAxis(nc netcdf.Dataset, name string) ([]float64, error) {
	v, err := nc.Var(name)
	if err != nil {
		return nil, fmt.Errorf("axis %s: %w", name, err)
	}
	dims, err := v.Dims()
	if err != nil {
		return nil, fmt.Errorf("axis %s: %w", name, err)
	}
	if len(dims) != 1 {
		return nil, fmt.Errorf("%w: axis %s is %d-D", domain.ErrInputShape, name, len(dims))
	}
	return readFloat64s(v)
}

// readField reads a (lat, lon) or (time, lat, lon) variable and returns its
// daily mean as rows x cols.
func readField(nc netcdf.Dataset, name string, rows, cols int) ([][]float64, error) {
	v, err := nc.Var(name)
	if err != nil {
		return nil, err
	}
	shape, err := varShape(v)
	if err != nil {
		return nil, err
	}

	steps := 1
	switch {
	case len(shape) == 2 && shape[0] == rows && shape[1] == cols:
	case len(shape) == 3 && shape[1] == rows && shape[2] == cols:
		steps = shape[0]
	default:
		return nil, fmt.Errorf("%w: shape %v, want (%d, %d) or (time, %d, %d)",
			domain.ErrInputShape, shape, rows, cols, rows, cols)
	}

	flat, err := readFloat64s(v)
	if err != nil {
		return nil, err
	}
	fill, hasFill := fillValue(v)
	mean, err := dailyMean(flat, steps, rows, cols, fill, hasFill)
	if err != nil {
		return nil, err
	}
	return reshape(mean, rows, cols), nil
}

func readFloat64s(v netcdf.Var) ([]float64, error) {
	n, err := v.Len()
	if err != nil {
		return nil, err
	}
	t, err := v.Type()
	if err != nil {
		return nil, err
	}
	switch t {
	case netcdf.DOUBLE:
		out := make([]float64, n)
		if err := v.ReadFloat64s(out); err != nil {
			return nil, err
		}
		return out, nil
	case netcdf.FLOAT:
		tmp := make([]float32, n)
		if err := v.ReadFloat32s(tmp); err != nil {
			return nil, err
		}
		out := make([]float64, n)
		for i, x := range tmp {
			out[i] = float64(x)
		}
		return out, nil
	case netcdf.INT:
		tmp := make([]int32, n)
		if err := v.ReadInt32s(tmp); err != nil {
			return nil, err
		}
		out := make([]float64, n)
		for i, x := range tmp {
			out[i] = float64(x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported variable type %v", t)
	}
}

// fillValue returns the variable's _FillValue or missing_value, if declared.
func fillValue(v netcdf.Var) (float64, bool) {
	for _, name := range []string{"_FillValue", "missing_value"} {
		a := v.Attr(name)
		if n, err := a.Len(); err != nil || n == 0 {
			continue
		}
		buf := make([]float64, 1)
		if err := a.ReadFloat64s(buf); err == nil {
			return buf[0], true
		}
		buf32 := make([]float32, 1)
		if err := a.ReadFloat32s(buf32); err == nil {
			return float64(buf32[0]), true
		}
	}
	return 0, false
}

// dailyMean averages steps consecutive (rows, cols) blocks of values,
// skipping fill values. A cell with no valid value at any step is an
// ErrInputShape error.
func dailyMean(flat []float64, steps, rows, cols int, fill float64, hasFill bool) ([]float64, error) {
	cells := rows * cols
	out := make([]float64, cells)
	counts := make([]int, cells)
	for t := 0; t < steps; t++ {
		for i, x := range flat[t*cells : (t+1)*cells] {
			if hasFill && x == fill {
				continue
			}
			out[i] += x
			counts[i]++
		}
	}
	for i, c := range counts {
		if c == 0 {
			return nil, fmt.Errorf("%w: cell (%d, %d) has no valid value in %d steps",
				domain.ErrInputShape, i/cols, i%cols, steps)
		}
		out[i] /= float64(c)
	}
	return out, nil
}

func reshape(flat []float64, rows, cols int) [][]float64 {
	out := make([][]float64, rows)
	for r := range out {
		out[r] = flat[r*cols : (r+1)*cols]
	}
	return out
}

// WriteMetDay writes a single-step file for day under dir. fields maps NetCDF
// variable names to row-major (lat, lon) values.
func WriteMetDay(dir string, day time.Time, lats, lons []float64, fields map[string][]float64) (err error) {
	cells := len(lats) * len(lons)
	for name, values := range fields {
		if len(values) != cells {
			return fmt.Errorf("%w: %s has %d values for a %dx%d grid", domain.ErrInputShape, name, len(values), len(lats), len(lons))
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create met dir: %w", err)
	}

	path := filepath.Join(dir, FileName(day))
	nc, err := netcdf.CreateFile(path, netcdf.CLOBBER|netcdf.NETCDF4)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer closeOnWrite(nc, &err)

	dims, err := addDims(nc, []string{"lat", "lon"}, []int{len(lats), len(lons)})
	if err != nil {
		return err
	}
	latVar, err := nc.AddVar("lat", netcdf.DOUBLE, dims[:1])
	if err != nil {
		return err
	}
	lonVar, err := nc.AddVar("lon", netcdf.DOUBLE, dims[1:])
	if err != nil {
		return err
	}
	names := slices.Sorted(maps.Keys(fields))
	vars := make([]netcdf.Var, len(names))
	for i, name := range names {
		if vars[i], err = nc.AddVar(name, netcdf.DOUBLE, dims); err != nil {
			return err
		}
	}
	if err := nc.EndDef(); err != nil {
		return err
	}

	if err := latVar.WriteFloat64s(lats); err != nil {
		return fmt.Errorf("write lat: %w", err)
	}
	if err := lonVar.WriteFloat64s(lons); err != nil {
		return fmt.Errorf("write lon: %w", err)
	}
	for i, name := range names {
		if err := vars[i].WriteFloat64s(fields[name]); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}
