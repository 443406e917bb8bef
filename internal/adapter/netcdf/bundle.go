package netcdf

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/couchcryptid/flood-mesh-etl/internal/domain"
	"github.com/fhs/go-netcdf/netcdf"
	"gonum.org/v1/gonum/mat"
)

// AdjacencyFile is the artifact holding the shared adjacency matrix.
const AdjacencyFile = "adjacency" + ext

// SplitFile returns the artifact name for a split, e.g. train.nc.
func SplitFile(split string) string {
	return split + ext
}

// WriteBundle writes one file per split plus the adjacency under dir. Each
// split file holds x (sample, step, node, feature) and y (sample, node,
// target). It returns the artifact file name per split.
func WriteBundle(dir string, b *domain.Bundle) (map[string]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	artifacts := make(map[string]string, len(domain.SplitNames))
	for _, name := range domain.SplitNames {
		ds := b.Dataset(name)
		if ds == nil {
			continue
		}
		file := SplitFile(name)
		if err := writeSplit(filepath.Join(dir, file), name, ds, b.Features); err != nil {
			return nil, fmt.Errorf("write split %s: %w", name, err)
		}
		artifacts[name] = file
	}

	if err := writeAdjacency(filepath.Join(dir, AdjacencyFile), b.Metadata.Adjacency); err != nil {
		return nil, fmt.Errorf("write adjacency: %w", err)
	}
	return artifacts, nil
}

func writeSplit(path, name string, ds *domain.GraphTemporalDataset, spec domain.FeatureSpec) (err error) {
	s, l, n, f := ds.Len(), spec.PastSteps, spec.NumNodes, spec.InputDim

	x := make([]float64, 0, s*l*n*f)
	y := make([]float64, 0, s*n)
	for i := 0; i < s; i++ {
		sample, err := ds.Sample(i)
		if err != nil {
			return err
		}
		x = append(x, sample.X.Elements...)
		y = append(y, sample.Y.Elements...)
	}

	nc, err := netcdf.CreateFile(path, netcdf.CLOBBER|netcdf.NETCDF4)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer closeOnWrite(nc, &err)

	dims, err := addDims(nc, []string{"sample", "step", "node", "feature", "target"}, []int{s, l, n, f, 1})
	if err != nil {
		return err
	}
	xVar, err := nc.AddVar("x", netcdf.DOUBLE, dims[:4])
	if err != nil {
		return err
	}
	yVar, err := nc.AddVar("y", netcdf.DOUBLE, []netcdf.Dim{dims[0], dims[2], dims[4]})
	if err != nil {
		return err
	}

	if err := nc.Attr("split").WriteBytes([]byte(name)); err != nil {
		return err
	}
	if err := nc.Attr("offset").WriteInt32s([]int32{int32(ds.Offset())}); err != nil {
		return err
	}
	if err := xVar.Attr("channels").WriteBytes([]byte(strings.Join(spec.Channels, ","))); err != nil {
		return err
	}
	if err := nc.EndDef(); err != nil {
		return err
	}

	if err := xVar.WriteFloat64s(x); err != nil {
		return fmt.Errorf("write x: %w", err)
	}
	if err := yVar.WriteFloat64s(y); err != nil {
		return fmt.Errorf("write y: %w", err)
	}
	return nil
}

func writeAdjacency(path string, adj mat.Matrix) (err error) {
	if adj == nil {
		return fmt.Errorf("%w: adjacency is nil", domain.ErrInputShape)
	}
	r, c := adj.Dims()
	flat := mat.NewDense(r, c, nil)
	flat.Copy(adj)

	nc, err := netcdf.CreateFile(path, netcdf.CLOBBER|netcdf.NETCDF4)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer closeOnWrite(nc, &err)

	dims, err := addDims(nc, []string{"row", "col"}, []int{r, c})
	if err != nil {
		return err
	}
	v, err := nc.AddVar("adjacency", netcdf.DOUBLE, dims)
	if err != nil {
		return err
	}
	if err := nc.EndDef(); err != nil {
		return err
	}
	return v.WriteFloat64s(flat.RawMatrix().Data)
}

// closeOnWrite closes a file opened for writing. NetCDF-4 flushes data on
// close, so a close failure is reported unless err already holds one.
func closeOnWrite(c io.Closer, err *error) {
	if cerr := c.Close(); cerr != nil && *err == nil {
		*err = fmt.Errorf("close: %w", cerr)
	}
}

func addDims(nc netcdf.Dataset, names []string, sizes []int) ([]netcdf.Dim, error) {
	dims := make([]netcdf.Dim, len(names))
	for i, name := range names {
		d, err := nc.AddDim(name, uint64(sizes[i]))
		if err != nil {
			return nil, fmt.Errorf("add dim %s: %w", name, err)
		}
		dims[i] = d
	}
	return dims, nil
}

// Artifact describes a split file read back from disk.
type Artifact struct {
	Split    string
	Offset   int
	XShape   []int
	YShape   []int
	Channels []string
	X        []float64
}

// ReadArtifact opens a split file and returns its shapes, attributes, and x
// values.
func ReadArtifact(path string) (Artifact, error) {
	nc, err := netcdf.OpenFile(path, netcdf.NOWRITE)
	if err != nil {
		return Artifact{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = nc.Close() }()

	var a Artifact
	if a.Split, err = readString(nc.Attr("split")); err != nil {
		return Artifact{}, fmt.Errorf("%s: split attribute: %w", path, err)
	}
	offset := make([]int32, 1)
	if err := nc.Attr("offset").ReadInt32s(offset); err != nil {
		return Artifact{}, fmt.Errorf("%s: offset attribute: %w", path, err)
	}
	a.Offset = int(offset[0])

	xVar, err := nc.Var("x")
	if err != nil {
		return Artifact{}, fmt.Errorf("%s: %w", path, err)
	}
	yVar, err := nc.Var("y")
	if err != nil {
		return Artifact{}, fmt.Errorf("%s: %w", path, err)
	}
	if a.XShape, err = varShape(xVar); err != nil {
		return Artifact{}, err
	}
	if a.YShape, err = varShape(yVar); err != nil {
		return Artifact{}, err
	}
	channels, err := readString(xVar.Attr("channels"))
	if err != nil {
		return Artifact{}, fmt.Errorf("%s: channels attribute: %w", path, err)
	}
	if channels != "" {
		a.Channels = strings.Split(channels, ",")
	}
	if a.X, err = readFloat64s(xVar); err != nil {
		return Artifact{}, fmt.Errorf("%s: read x: %w", path, err)
	}
	return a, nil
}

func varShape(v netcdf.Var) ([]int, error) {
	dims, err := v.Dims()
	if err != nil {
		return nil, err
	}
	shape := make([]int, len(dims))
	for i, d := range dims {
		n, err := d.Len()
		if err != nil {
			return nil, err
		}
		shape[i] = int(n)
	}
	return shape, nil
}

func readString(a netcdf.Attr) (string, error) {
	n, err := a.Len()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	buf := make([]byte, n)
	if err := a.ReadBytes(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
