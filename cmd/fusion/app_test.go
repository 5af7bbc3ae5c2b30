package main

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"go.viam.com/fusion/pointcloud"
)

const coarseConfig = `{
	"slam": {
		"min_weight": 1,
		"volume_min_depth_count": 100,
		"settings": {"voxel_size": 0.008}
	}
}`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fusion.json")
	test.That(t, os.WriteFile(path, []byte(coarseConfig), 0o600), test.ShouldBeNil)
	return path
}

func readPCD(t *testing.T, path string) pointcloud.PointCloud {
	t.Helper()
	f, err := os.Open(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	pc, err := pointcloud.ReadPCD(f)
	test.That(t, err, test.ShouldBeNil)
	return pc
}

func TestSyntheticCommand(t *testing.T) {
	dir := t.TempDir()
	pcd := filepath.Join(dir, "surface.pcd")
	logFile := filepath.Join(dir, "fusion.log")
	var out bytes.Buffer
	err := newApp(&out).RunContext(context.Background(), []string{
		"fusion", "--config", writeConfig(t), "--pcd", pcd, "--log-file", logFile,
		"synthetic", "--frames", "3",
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.String(), test.ShouldContainSubstring, "frames:")
	test.That(t, out.String(), test.ShouldContainSubstring, "tracking lost:")
	test.That(t, out.String(), test.ShouldNotContainSubstring, "full pools:")
	test.That(t, out.String(), test.ShouldContainSubstring, "raycast")

	pc := readPCD(t, pcd)
	test.That(t, pc.Size(), test.ShouldBeGreaterThan, 0)
	test.That(t, pc.MetaData().HasNormal, test.ShouldBeTrue)

	logs, err := os.ReadFile(logFile)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(logs), test.ShouldContainSubstring, "wrote surface")

	t.Run("bad frame count", func(t *testing.T) {
		err := newApp(&out).RunContext(context.Background(), []string{"fusion", "synthetic", "--frames", "0"})
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func writeDepthPNG(t *testing.T, path string, w, h int, mm uint16) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[img.PixOffset(x, y)] = uint8(mm >> 8)
			img.Pix[img.PixOffset(x, y)+1] = uint8(mm)
		}
	}
	f, err := os.Create(path)
	test.That(t, err, test.ShouldBeNil)
	defer f.Close()
	test.That(t, png.Encode(f, img), test.ShouldBeNil)
}

func TestReplayCommand(t *testing.T) {
	frames := t.TempDir()
	for _, name := range []string{"000.png", "001.png", "002.png"} {
		writeDepthPNG(t, filepath.Join(frames, name), 64, 48, 1000)
	}
	depth, size, err := readDepthPNG(filepath.Join(frames, "000.png"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, size, test.ShouldResemble, image.Pt(64, 48))
	test.That(t, depth[0], test.ShouldEqual, uint16(1000))

	pcd := filepath.Join(t.TempDir(), "surface.pcd")
	var out bytes.Buffer
	err = newApp(&out).RunContext(context.Background(), []string{
		"fusion", "--config", writeConfig(t), "--pcd", pcd,
		"replay", "--focal", "48,48", "--parallel", "2", frames,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, out.String(), test.ShouldContainSubstring, "frames:")
	test.That(t, readPCD(t, pcd).Size(), test.ShouldBeGreaterThan, 0)

	t.Run("errors", func(t *testing.T) {
		empty := t.TempDir()
		err := newApp(&out).RunContext(context.Background(), []string{"fusion", "replay", empty})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "no PNG frames")

		err = newApp(&out).RunContext(context.Background(), []string{"fusion", "replay"})
		test.That(t, err, test.ShouldNotBeNil)

		writeDepthPNG(t, filepath.Join(empty, "big.png"), 32, 32, 1000)
		writeDepthPNG(t, filepath.Join(empty, "small.png"), 16, 16, 1000)
		err = newApp(&out).RunContext(context.Background(), []string{"fusion", "replay", empty})
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "first frame")

		err = newApp(&out).RunContext(context.Background(), []string{"fusion", "replay", "--focal", "1,2,3", frames})
		test.That(t, err, test.ShouldNotBeNil)
	})
}
