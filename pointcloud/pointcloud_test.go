package pointcloud

import (
	"bytes"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestPointCloudBasic(t *testing.T) {
	pc := New()

	p0 := NewVector(0, 0, 0)
	d0 := NewNormalData(r3.Vector{Z: 1})
	test.That(t, pc.Set(p0, d0), test.ShouldBeNil)
	d, got := pc.At(0, 0, 0)
	test.That(t, got, test.ShouldBeTrue)
	test.That(t, d, test.ShouldResemble, d0)

	_, got = pc.At(1, 0, 1)
	test.That(t, got, test.ShouldBeFalse)

	p1 := NewVector(1, 0, 1)
	d1 := NewColoredData(color.NRGBA{R: 10, A: 255})
	test.That(t, pc.Set(p1, d1), test.ShouldBeNil)
	p2 := NewVector(-1, -2, 1)
	test.That(t, pc.Set(p2, nil), test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 3)

	var order []r3.Vector
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		order = append(order, p)
		return true
	})
	test.That(t, order, test.ShouldResemble, []r3.Vector{p0, p1, p2})

	t.Run("replacing a point keeps the size", func(t *testing.T) {
		test.That(t, pc.Set(p1, NewBasicData()), test.ShouldBeNil)
		test.That(t, pc.Size(), test.ShouldEqual, 3)
		d, _ := pc.At(1, 0, 1)
		test.That(t, d.HasColor(), test.ShouldBeFalse)
	})

	t.Run("non finite positions are rejected", func(t *testing.T) {
		err := pc.Set(NewVector(math.NaN(), 0, 0), nil)
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "x component")
		err = pc.Set(NewVector(0, 0, math.Inf(1)), nil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "z component")
	})

	meta := pc.MetaData()
	test.That(t, meta.HasColor, test.ShouldBeTrue)
	test.That(t, meta.HasNormal, test.ShouldBeTrue)
	test.That(t, meta.MinX, test.ShouldEqual, -1.)
	test.That(t, meta.MaxX, test.ShouldEqual, 1.)
	test.That(t, meta.MinY, test.ShouldEqual, -2.)
	test.That(t, meta.MaxZ, test.ShouldEqual, 1.)
	test.That(t, CloudContains(pc, 1, 1, 1), test.ShouldBeFalse)
	test.That(t, CloudCentroid(pc), test.ShouldResemble, r3.Vector{X: 0, Y: -2. / 3, Z: 2. / 3})
}

func TestIterateBatches(t *testing.T) {
	pc := New()
	for i := 0; i < 10; i++ {
		test.That(t, pc.Set(NewVector(float64(i), 0, 0), nil), test.ShouldBeNil)
	}
	seen := map[float64]int{}
	for batch := 0; batch < 3; batch++ {
		pc.Iterate(3, batch, func(p r3.Vector, d Data) bool {
			seen[p.X]++
			return true
		})
	}
	test.That(t, len(seen), test.ShouldEqual, 10)
	for _, n := range seen {
		test.That(t, n, test.ShouldEqual, 1)
	}

	count := 0
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		count++
		return count < 4
	})
	test.That(t, count, test.ShouldEqual, 4)
}

func makeSurfaceCloud(t *testing.T) PointCloud {
	t.Helper()
	pc := New()
	test.That(t, pc.Set(NewVector(0.5, -0.25, 1.125),
		NewColoredData(color.NRGBA{R: 200, G: 100, B: 50, A: 255}).SetNormal(r3.Vector{Z: -1})), test.ShouldBeNil)
	test.That(t, pc.Set(NewVector(-1, 2, -3), NewNormalData(r3.Vector{X: 1})), test.ShouldBeNil)
	return pc
}

func TestPCDRoundTrip(t *testing.T) {
	for _, pcdType := range []PCDType{PCDAscii, PCDBinary} {
		t.Run(pcdType.String(), func(t *testing.T) {
			pc := makeSurfaceCloud(t)
			var buf bytes.Buffer
			test.That(t, ToPCD(pc, &buf, pcdType), test.ShouldBeNil)
			test.That(t, buf.String(), test.ShouldContainSubstring, "FIELDS x y z rgb normal_x normal_y normal_z\n")
			test.That(t, buf.String(), test.ShouldContainSubstring, "TYPE F F F I F F F\n")
			test.That(t, buf.String(), test.ShouldContainSubstring, "POINTS 2\nDATA "+pcdType.String()+"\n")

			read, err := ReadPCD(&buf)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, read.Size(), test.ShouldEqual, 2)
			d, ok := read.At(0.5, -0.25, 1.125)
			test.That(t, ok, test.ShouldBeTrue)
			r, g, b := d.RGB255()
			test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{200, 100, 50})
			test.That(t, d.Normal(), test.ShouldResemble, r3.Vector{Z: -1})

			d, ok = read.At(-1, 2, -3)
			test.That(t, ok, test.ShouldBeTrue)
			r, g, b = d.RGB255()
			test.That(t, []uint8{r, g, b}, test.ShouldResemble, []uint8{255, 0, 0})
			test.That(t, d.Normal(), test.ShouldResemble, r3.Vector{X: 1})
		})
	}
}

func TestPCDPositionsOnly(t *testing.T) {
	pc := New()
	test.That(t, pc.Set(NewVector(1, 2, 3), nil), test.ShouldBeNil)
	var buf bytes.Buffer
	test.That(t, ToPCD(pc, &buf, PCDAscii), test.ShouldBeNil)
	test.That(t, buf.String(), test.ShouldEqual, "VERSION .7\n"+
		"FIELDS x y z\n"+
		"SIZE 4 4 4\n"+
		"TYPE F F F\n"+
		"COUNT 1 1 1\n"+
		"WIDTH 1\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS 1\n"+
		"DATA ascii\n"+
		"1.000000 2.000000 3.000000\n")

	test.That(t, ToPCD(pc, &buf, PCDCompressed), test.ShouldNotBeNil)
}

func TestReadPCDViewpoint(t *testing.T) {
	in := "# a comment\n" +
		"VERSION .7\n" +
		"FIELDS x y z\n" +
		"SIZE 4 4 4\n" +
		"TYPE F F F\n" +
		"COUNT 1 1 1\n" +
		"WIDTH 1\n" +
		"HEIGHT 1\n" +
		"VIEWPOINT 1 0 0 0 1 0 0\n" +
		"POINTS 1\n" +
		"DATA ascii\n" +
		"0 1 0"
	pc, err := ReadPCD(strings.NewReader(in))
	test.That(t, err, test.ShouldBeNil)
	var got r3.Vector
	pc.Iterate(0, 0, func(p r3.Vector, d Data) bool {
		got = p
		return false
	})
	test.That(t, got.X, test.ShouldAlmostEqual, 1)
	test.That(t, got.Y, test.ShouldAlmostEqual, -1)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0)
}

func TestReadPCDErrors(t *testing.T) {
	header := func(fields, points, data string) string {
		return "VERSION .7\nFIELDS " + fields + "\nSIZE 4 4 4\nTYPE F F F\nCOUNT 1 1 1\nWIDTH 2\nHEIGHT 1\n" +
			"VIEWPOINT 0 0 0 1 0 0 0\nPOINTS " + points + "\nDATA " + data + "\n"
	}
	for _, tc := range []struct {
		name, in, msg string
	}{
		{"bad version", "VERSION .5\n", "unsupported pcd version"},
		{"bad fields", header("a b c", "2", "ascii"), "unsupported pcd fields"},
		{"points mismatch", header("x y z", "3", "ascii"), "does not match"},
		{"compressed", header("x y z", "2", "binary_compressed"), "not yet supported"},
		{"short ascii", header("x y z", "2", "ascii") + "1 2 3\n1 2\n", "reading point 1"},
		{"short binary", header("x y z", "2", "binary") + "abcd", "reading point 0"},
		{"truncated header", "VERSION .7\nFIELDS x y z\n", "header line 2"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReadPCD(strings.NewReader(tc.in))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.msg)
		})
	}
}

func TestWriteToPCDFile(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "surface.pcd")
	test.That(t, WriteToPCDFile(makeSurfaceCloud(t), fn), test.ShouldBeNil)
	f, err := os.Open(fn)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	pc, err := ReadPCD(f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 2)
	test.That(t, pc.MetaData().HasNormal, test.ShouldBeTrue)
}
