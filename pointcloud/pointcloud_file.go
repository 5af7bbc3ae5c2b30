package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/fusion/spatialmath"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

func (t PCDType) String() string {
	switch t {
	case PCDAscii:
		return "ascii"
	case PCDBinary:
		return "binary"
	case PCDCompressed:
		return "binary_compressed"
	default:
		return fmt.Sprintf("PCDType(%d)", int(t))
	}
}

const (
	pcdCommentChar = "#"
	// pcdMissingColor is written for uncolored points of a colored cloud.
	pcdMissingColor = 255 << 16
)

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func colorToPCDInt(pt Data) int {
	if pt == nil || !pt.HasColor() {
		return pcdMissingColor
	}
	r, g, b := pt.RGB255()
	return int(r)<<16 | int(g)<<8 | int(b)
}

func pcdIntToColor(c int) color.NRGBA {
	return color.NRGBA{R: uint8(0xFF & (c >> 16)), G: uint8(0xFF & (c >> 8)), B: uint8(0xFF & c), A: 255}
}

// pcdFields lists the columns written for a cloud.
func pcdFields(meta MetaData) []string {
	fields := []string{"x", "y", "z"}
	if meta.HasColor {
		fields = append(fields, "rgb")
	}
	if meta.HasNormal {
		fields = append(fields, "normal_x", "normal_y", "normal_z")
	}
	return fields
}

func pcdFieldType(field string) string {
	if field == "rgb" {
		return "I"
	}
	return "F"
}

// WriteToPCDFile writes the point cloud out to a binary PCD file.
func WriteToPCDFile(cloud PointCloud, fn string) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if err := ToPCD(cloud, w, PCDBinary); err != nil {
		return err
	}
	return w.Flush()
}

// ToPCD writes cloud to out as an unorganized PCD v0.7 cloud. Positions are in metres.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	if outputType != PCDAscii && outputType != PCDBinary {
		return errors.Errorf("%s PCD not yet implemented", outputType)
	}
	fields := pcdFields(cloud.MetaData())
	repeat := func(s string) string {
		return strings.TrimSpace(strings.Repeat(s+" ", len(fields)))
	}
	types := make([]string, len(fields))
	for i, f := range fields {
		types[i] = pcdFieldType(f)
	}
	if _, err := fmt.Fprintf(out, "VERSION .7\n"+
		"FIELDS %s\n"+
		"SIZE %s\n"+
		"TYPE %s\n"+
		"COUNT %s\n"+
		"WIDTH %d\n"+
		"HEIGHT %d\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		strings.Join(fields, " "), repeat("4"), strings.Join(types, " "), repeat("1"),
		cloud.Size(), 1, cloud.Size(), outputType); err != nil {
		return err
	}
	return writePCDData(cloud, out, outputType, fields)
}

func writePCDData(cloud PointCloud, out io.Writer, pcdtype PCDType, fields []string) error {
	var err error
	buf := make([]byte, 4*len(fields))
	values := make([]float64, len(fields))
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		values = values[:0]
		values = append(values, pos.X, pos.Y, pos.Z)
		for _, f := range fields[3:] {
			switch f {
			case "rgb":
				values = append(values, float64(colorToPCDInt(d)))
			case "normal_x":
				var n r3.Vector
				if d != nil && d.HasNormal() {
					n = d.Normal()
				}
				values = append(values, n.X, n.Y, n.Z)
			}
		}
		switch pcdtype {
		case PCDBinary:
			for i, f := range fields {
				if pcdFieldType(f) == "I" {
					binary.LittleEndian.PutUint32(buf[4*i:], uint32(int32(values[i])))
					continue
				}
				binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(values[i])))
			}
			_, err = out.Write(buf)
		case PCDAscii:
			tokens := make([]string, len(fields))
			for i, f := range fields {
				if pcdFieldType(f) == "I" {
					tokens[i] = strconv.Itoa(int(values[i]))
					continue
				}
				tokens[i] = strconv.FormatFloat(values[i], 'f', 6, 64)
			}
			_, err = fmt.Fprintln(out, strings.Join(tokens, " "))
		}
		return err == nil
	})
	return err
}

type pcdHeader struct {
	fields    []string
	size      []uint64
	types     []string
	count     []uint64
	width     uint64
	height    uint64
	viewpoint spatialmath.Pose
	points    uint64
	data      PCDType
}

func (h *pcdHeader) checkTokens(name string, tokens []string) error {
	if len(tokens) != len(h.fields) {
		return errors.Errorf("unexpected number of fields in %s line", name)
	}
	return nil
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		if len(tokens) < 3 || tokens[0] != "x" || tokens[1] != "y" || tokens[2] != "z" {
			return errors.Errorf("unsupported pcd fields %s", value)
		}
		for _, t := range tokens[3:] {
			switch t {
			case "rgb", "normal_x", "normal_y", "normal_z", "curvature":
			default:
				return errors.Errorf("unsupported pcd field %s", t)
			}
		}
		header.fields = tokens
	case "SIZE":
		if err := header.checkTokens(name, tokens); err != nil {
			return err
		}
		header.size = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.size[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil || header.size[i] != 4 {
				return errors.Errorf("invalid SIZE field %s", token)
			}
		}
	case "TYPE":
		if err := header.checkTokens(name, tokens); err != nil {
			return err
		}
		header.types = tokens
	case "COUNT":
		if err := header.checkTokens(name, tokens); err != nil {
			return err
		}
		header.count = make([]uint64, len(tokens))
		for i, token := range tokens {
			header.count[i], err = strconv.ParseUint(token, 10, 64)
			if err != nil || header.count[i] != 1 {
				return errors.Errorf("invalid COUNT field %s", token)
			}
		}
	case "WIDTH":
		header.width, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		header.height, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
		var vp [7]float64
		for i, token := range tokens {
			vp[i], err = strconv.ParseFloat(token, 64)
			if err != nil {
				return errors.Wrapf(err, "invalid VIEWPOINT field %s", token)
			}
		}
		q := mgl64.Quat{W: vp[3], V: mgl64.Vec3{vp[4], vp[5], vp[6]}}.Normalize()
		header.viewpoint = spatialmath.NewPoseFromMatrix(mgl64.Translate3D(vp[0], vp[1], vp[2]).Mul4(q.Mat4()))
	case "POINTS":
		header.points, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		if header.points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unsupported pcd data %s", value)
		}
	}
	return nil
}

// ReadPCD reads an ascii or binary PCD cloud written with x y z and optional rgb and normal
// columns. Points are transformed by the viewpoint of the header.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	header := pcdHeader{}
	in := bufio.NewReader(inRaw)
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return nil, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return nil, err
		}
		headerLineCount++
	}

	pc := NewWithPrealloc(int(header.points))
	row := make([]float64, len(header.fields))
	var read func() error
	switch header.data {
	case PCDAscii:
		read = func() error { return readPCDAsciiRow(in, header, row) }
	case PCDBinary:
		buf := make([]byte, 4*len(header.fields))
		read = func() error { return readPCDBinaryRow(in, header, buf, row) }
	default:
		return nil, errors.Errorf("%s pcd not yet supported", header.data)
	}
	for i := 0; i < int(header.points); i++ {
		if err := read(); err != nil {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		p, d := rowToPoint(row, header)
		if err := pc.Set(p, d); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

func readPCDAsciiRow(in *bufio.Reader, header pcdHeader, row []float64) error {
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return err
	}
	tokens := strings.Fields(line)
	if len(tokens) != len(header.fields) {
		return errors.Errorf("expected %d fields, got %d", len(header.fields), len(tokens))
	}
	for j, token := range tokens {
		row[j], err = strconv.ParseFloat(token, 64)
		if err != nil {
			return errors.Wrapf(err, "invalid field %s", token)
		}
	}
	return nil
}

func readPCDBinaryRow(in *bufio.Reader, header pcdHeader, buf []byte, row []float64) error {
	if _, err := io.ReadFull(in, buf); err != nil {
		return err
	}
	for j := range header.fields {
		bits := binary.LittleEndian.Uint32(buf[4*j:])
		switch header.types[j] {
		case "I":
			row[j] = float64(int32(bits))
		case "U":
			row[j] = float64(bits)
		default:
			row[j] = float64(math.Float32frombits(bits))
		}
	}
	return nil
}

func rowToPoint(row []float64, header pcdHeader) (r3.Vector, Data) {
	pos := header.viewpoint.Transform(r3.Vector{X: row[0], Y: row[1], Z: row[2]})
	d := NewBasicData()
	var normal r3.Vector
	for j, f := range header.fields[3:] {
		v := row[j+3]
		switch f {
		case "rgb":
			d.SetColor(pcdIntToColor(int(v)))
		case "normal_x":
			normal.X = v
		case "normal_y":
			normal.Y = v
		case "normal_z":
			normal.Z = v
			d.SetNormal(header.viewpoint.Rotate(normal))
		}
	}
	return pos, d
}
