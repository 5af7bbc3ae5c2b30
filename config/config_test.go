package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"

	"go.viam.com/fusion/logging"
)

func TestAttributeMapLookup(t *testing.T) {
	am := AttributeMap{
		"slam": map[string]interface{}{
			"min_weight": 20.0,
			"pool_sizes": map[string]interface{}{
				"level2": "512",
			},
			"normals_from_tsdf": "true",
		},
		"slam.volume_min_depth_count": 10,
		"name":                        "office",
	}

	test.That(t, am.GetInt("slam.min_weight", 15), test.ShouldEqual, 20)
	test.That(t, am.GetFloat("slam.pool_sizes.level2", 2048), test.ShouldEqual, 512.)
	test.That(t, am.GetFloat("slam.pool_sizes.level0", 128), test.ShouldEqual, 128.)
	test.That(t, am.GetBool("slam.normals_from_tsdf", false), test.ShouldBeTrue)
	test.That(t, am.GetInt("slam.volume_min_depth_count", 2000), test.ShouldEqual, 10)
	test.That(t, am.GetString("name", ""), test.ShouldEqual, "office")
	test.That(t, am.GetInt("name", 7), test.ShouldEqual, 7)
	test.That(t, am.Has("slam.pool_sizes"), test.ShouldBeTrue)
	test.That(t, am.Has("slam.nope"), test.ShouldBeFalse)
	test.That(t, am.Sub("slam.pool_sizes").GetInt("level2", 0), test.ShouldEqual, 512)
	test.That(t, am.Sub("missing"), test.ShouldBeEmpty)
}

func TestTunablesDefaults(t *testing.T) {
	tun := TunablesFromParameters(nil)
	test.That(t, tun.MinWeight, test.ShouldEqual, 15)
	test.That(t, tun.VolumeMinDepthCount, test.ShouldEqual, 2000)
	test.That(t, tun.PoolSizesMB, test.ShouldResemble, [HierarchyLevels]float64{128, 128, 2048})
	test.That(t, tun.NormalsFromTSDF, test.ShouldBeFalse)
	test.That(t, tun.RaycastBacksides, test.ShouldBeTrue)
	test.That(t, tun.ConservativeRasterEnable, test.ShouldBeTrue)
}

func TestSettings(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		s, err := SettingsFromParameters(AttributeMap{})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, s, test.ShouldResemble, DefaultSettings())
		test.That(t, s.VoxelsPerGrid(), test.ShouldResemble, [HierarchyLevels]int{4096, 512, 512})

		sizes := s.VolumeSizes()
		test.That(t, sizes[2], test.ShouldAlmostEqual, 0.016)
		test.That(t, sizes[1], test.ShouldAlmostEqual, 0.128)
		test.That(t, sizes[0], test.ShouldAlmostEqual, 2.048)
		near, far := s.DepthBounds()
		test.That(t, near, test.ShouldEqual, 0.5)
		test.That(t, far, test.ShouldEqual, 8.)

		// derived sizes are available on returned copies
		test.That(t, DefaultSettings().RootVolumeSize(), test.ShouldAlmostEqual, 2.048)
		test.That(t, s.Copy().VolumeSizes(), test.ShouldResemble, sizes)
	})

	t.Run("decoded", func(t *testing.T) {
		s, err := SettingsFromParameters(AttributeMap{
			"slam": map[string]interface{}{
				"settings": map[string]interface{}{
					"voxel_size":               0.004,
					"grid_resolutions":         []interface{}{8.0, 8.0, 4.0},
					"pyramid_level_iterations": []interface{}{3.0, 2.0, 1.0},
					"capture_color":            true,
				},
			},
		})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, s.VoxelSize, test.ShouldEqual, 0.004)
		test.That(t, s.GridResolutions, test.ShouldResemble, [HierarchyLevels]int{8, 8, 4})
		test.That(t, s.PyramidLevelIterations, test.ShouldResemble, []int{3, 2, 1})
		test.That(t, s.CaptureColor, test.ShouldBeTrue)
		test.That(t, s.MaxIntegrationWeight, test.ShouldEqual, 200)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := SettingsFromParameters(AttributeMap{"slam": map[string]interface{}{
			"settings": map[string]interface{}{"voxel_sise": 0.004},
		}})
		test.That(t, err, test.ShouldNotBeNil)
	})

	invalid := []struct {
		name   string
		mutate func(s *Settings)
		msg    string
	}{
		{"voxel", func(s *Settings) { s.VoxelSize = 0 }, "voxel_size"},
		{"truncation", func(s *Settings) { s.TruncationDistance = s.VoxelSize }, "truncation_distance"},
		{"weight", func(s *Settings) { s.MaxIntegrationWeight = 1 << 17 }, "max_integration_weight"},
		{"resolution", func(s *Settings) { s.GridResolutions[1] = 0 }, "grid_resolutions[1]"},
		{"levels", func(s *Settings) { s.PyramidLevelCount = 4 }, "pyramid_level_iterations"},
		{"depth", func(s *Settings) { s.DepthThreshold = [2]int{800, 500} }, "depth_threshold"},
		{"scalable", func(s *Settings) { s.IsScalable = false }, "scalable"},
	}
	for _, tc := range invalid {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultSettings()
			tc.mutate(&s)
			err := s.Validate()
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.msg)
		})
	}

	t.Run("copy", func(t *testing.T) {
		s := DefaultSettings()
		c := s.Copy()
		c.PyramidLevelIterations[0] = 99
		test.That(t, s.PyramidLevelIterations[0], test.ShouldEqual, 10)
	})
}

func TestRead(t *testing.T) {
	logger := logging.NewTestLogger(t)
	t.Setenv("FUSION_TEST_VOXEL", "0.008")

	dir := t.TempDir()
	path := filepath.Join(dir, "fusion.json")
	contents := `{"slam": {"min_weight": 5, "settings": {"voxel_size": ${FUSION_TEST_VOXEL}, "truncation_distance": 0.05}}}`
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)

	params, err := Read(context.Background(), path, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, params.GetInt(MinWeightKey, 15), test.ShouldEqual, 5)

	settings, err := SettingsFromParameters(params)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, settings.VoxelSize, test.ShouldEqual, 0.008)

	_, err = Read(context.Background(), filepath.Join(dir, "missing.json"), logger)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = FromReader(context.Background(), "bad", strings.NewReader(`{"slam": {"settings": {"voxel_size": -1}}}`), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "voxel_size")
}
