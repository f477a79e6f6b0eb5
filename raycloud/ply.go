package raycloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// PLY vertex layout written by WritePLY. The ray start is stored as the
// offset nx,ny,nz from the end point so bare point viewers still show ends.
const plyHeaderTemplate = `ply
format %s 1.0
comment generated by rayalign
element vertex %d
property double x
property double y
property double z
property double time
property float nx
property float ny
property float nz
property uchar red
property uchar green
property uchar blue
property uchar alpha
end_header
`

// PLYFormat selects the PLY body encoding.
type PLYFormat string

const (
	PLYBinary PLYFormat = "binary_little_endian"
	PLYASCII  PLYFormat = "ascii"
)

type plyProperty struct {
	name string
	kind string
}

func plyKindSize(kind string) (int, error) {
	switch kind {
	case "char", "uchar", "int8", "uint8":
		return 1, nil
	case "short", "ushort", "int16", "uint16":
		return 2, nil
	case "int", "uint", "float", "int32", "uint32", "float32":
		return 4, nil
	case "double", "float64":
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported ply property type %q", kind)
}

func decodePLYValue(kind string, b []byte) float64 {
	switch kind {
	case "char", "int8":
		return float64(int8(b[0]))
	case "uchar", "uint8":
		return float64(b[0])
	case "short", "int16":
		return float64(int16(binary.LittleEndian.Uint16(b)))
	case "ushort", "uint16":
		return float64(binary.LittleEndian.Uint16(b))
	case "int", "int32":
		return float64(int32(binary.LittleEndian.Uint32(b)))
	case "uint", "uint32":
		return float64(binary.LittleEndian.Uint32(b))
	case "float", "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	default:
		return math.Float64frombits(binary.LittleEndian.Uint64(b))
	}
}

// ReadPLY parses an ascii or binary little endian PLY vertex list into a cloud.
// x, y and z are required; nx/ny/nz (ray start offset), time and
// red/green/blue/alpha are picked up when present.
func ReadPLY(r io.Reader) (*Cloud, error) {
	br := bufio.NewReader(r)

	magic, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading ply magic: %w", err)
	}
	if strings.TrimSpace(magic) != "ply" {
		return nil, fmt.Errorf("not a ply file")
	}

	var (
		format   PLYFormat
		count    int
		props    []plyProperty
		inVertex bool
	)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading ply header: %w", err)
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "format":
			if len(fields) < 2 {
				return nil, fmt.Errorf("malformed ply format line")
			}
			format = PLYFormat(fields[1])
		case "element":
			if len(fields) < 3 {
				return nil, fmt.Errorf("malformed ply element line")
			}
			inVertex = fields[1] == "vertex"
			if inVertex {
				count, err = strconv.Atoi(fields[2])
				if err != nil || count < 0 {
					return nil, fmt.Errorf("invalid vertex count %q", fields[2])
				}
			}
		case "property":
			if !inVertex {
				continue
			}
			if len(fields) != 3 {
				return nil, fmt.Errorf("unsupported ply property line %q", strings.TrimSpace(line))
			}
			props = append(props, plyProperty{name: fields[2], kind: fields[1]})
		}
		if fields[0] == "end_header" {
			break
		}
	}

	idx := make(map[string]int, len(props))
	for i, p := range props {
		idx[p.name] = i
	}
	for _, name := range []string{"x", "y", "z"} {
		if _, ok := idx[name]; !ok {
			return nil, fmt.Errorf("ply vertex has no %s property", name)
		}
	}

	values := make([]float64, len(props))
	var next func() error
	switch format {
	case PLYBinary:
		offsets := make([]int, len(props))
		stride := 0
		for i, p := range props {
			size, err := plyKindSize(p.kind)
			if err != nil {
				return nil, err
			}
			offsets[i] = stride
			stride += size
		}
		buf := make([]byte, stride)
		next = func() error {
			if _, err := io.ReadFull(br, buf); err != nil {
				return err
			}
			for i, p := range props {
				values[i] = decodePLYValue(p.kind, buf[offsets[i]:])
			}
			return nil
		}
	case PLYASCII:
		next = func() error {
			line, err := br.ReadString('\n')
			if err != nil && (err != io.EOF || line == "") {
				return err
			}
			fields := strings.Fields(line)
			if len(fields) < len(props) {
				return fmt.Errorf("vertex line has %d values, want %d", len(fields), len(props))
			}
			for i := range props {
				v, err := strconv.ParseFloat(fields[i], 64)
				if err != nil {
					return err
				}
				values[i] = v
			}
			return nil
		}
	default:
		return nil, fmt.Errorf("unsupported ply format %q", format)
	}

	ix, iy, iz := idx["x"], idx["y"], idx["z"]
	inx, hasNX := idx["nx"]
	iny, hasNY := idx["ny"]
	inz, hasNZ := idx["nz"]
	hasNormal := hasNX && hasNY && hasNZ
	itime, hasTime := idx["time"]
	ir, hasR := idx["red"]
	ig, hasG := idx["green"]
	ib, hasB := idx["blue"]
	ia, hasA := idx["alpha"]
	hasColour := hasR && hasG && hasB

	c := &Cloud{
		Starts: make([]r3.Vec, 0, count),
		Ends:   make([]r3.Vec, 0, count),
	}
	if hasTime {
		c.Times = make([]float64, 0, count)
	}
	if hasColour {
		c.Colours = make([]RGBA, 0, count)
	}
	for i := 0; i < count; i++ {
		if err := next(); err != nil {
			return nil, fmt.Errorf("reading ply vertex %d: %w", i, err)
		}
		end := r3.Vec{X: values[ix], Y: values[iy], Z: values[iz]}
		start := end
		if hasNormal {
			start = r3.Add(end, r3.Vec{X: values[inx], Y: values[iny], Z: values[inz]})
		}
		c.Ends = append(c.Ends, end)
		c.Starts = append(c.Starts, start)
		if hasTime {
			c.Times = append(c.Times, values[itime])
		}
		if hasColour {
			col := RGBA{R: uint8(values[ir]), G: uint8(values[ig]), B: uint8(values[ib]), A: 255}
			if hasA {
				col.A = uint8(values[ia])
			}
			c.Colours = append(c.Colours, col)
		}
	}
	return c, nil
}

// WritePLY encodes c as a ray cloud PLY in the given format.
func WritePLY(w io.Writer, c *Cloud, format PLYFormat) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if format != PLYBinary && format != PLYASCII {
		return fmt.Errorf("unsupported ply format %q", format)
	}
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintf(bw, plyHeaderTemplate, format, c.Len()); err != nil {
		return fmt.Errorf("writing ply header: %w", err)
	}

	var rec [8*4 + 4*3 + 4]byte
	for i, end := range c.Ends {
		n := r3.Sub(c.Starts[i], end)
		t := 0.0
		if len(c.Times) > 0 {
			t = c.Times[i]
		}
		col := RGBA{R: 255, G: 255, B: 255, A: 255}
		if len(c.Colours) > 0 {
			col = c.Colours[i]
		}

		if format == PLYASCII {
			if _, err := fmt.Fprintf(bw, "%g %g %g %g %g %g %g %d %d %d %d\n",
				end.X, end.Y, end.Z, t, float32(n.X), float32(n.Y), float32(n.Z),
				col.R, col.G, col.B, col.A); err != nil {
				return fmt.Errorf("writing ply vertex %d: %w", i, err)
			}
			continue
		}

		binary.LittleEndian.PutUint64(rec[0:], math.Float64bits(end.X))
		binary.LittleEndian.PutUint64(rec[8:], math.Float64bits(end.Y))
		binary.LittleEndian.PutUint64(rec[16:], math.Float64bits(end.Z))
		binary.LittleEndian.PutUint64(rec[24:], math.Float64bits(t))
		binary.LittleEndian.PutUint32(rec[32:], math.Float32bits(float32(n.X)))
		binary.LittleEndian.PutUint32(rec[36:], math.Float32bits(float32(n.Y)))
		binary.LittleEndian.PutUint32(rec[40:], math.Float32bits(float32(n.Z)))
		rec[44], rec[45], rec[46], rec[47] = col.R, col.G, col.B, col.A
		if _, err := bw.Write(rec[:]); err != nil {
			return fmt.Errorf("writing ply vertex %d: %w", i, err)
		}
	}
	return bw.Flush()
}
