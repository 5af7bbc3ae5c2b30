package config

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// MaxPyramidLevels bounds the depth pyramid.
const MaxPyramidLevels = 8

// HierarchyLevels is the number of grid levels below a root volume: root grid, level-1, TSDF.
const HierarchyLevels = 3

// Settings configure a reconstruction session. They are fixed for the lifetime of a session;
// changing them requires a full reset. Lengths are in metres, depth thresholds in millimetres.
type Settings struct {
	VoxelSize              float64              `json:"voxel_size"`
	TruncationDistance     float64              `json:"truncation_distance"`
	MaxIntegrationWeight   int                  `json:"max_integration_weight"`
	GridResolutions        [HierarchyLevels]int `json:"grid_resolutions"`
	PyramidLevelCount      int                  `json:"pyramid_level_count"`
	PyramidLevelIterations []int                `json:"pyramid_level_iterations"`
	DepthThreshold         [2]int               `json:"depth_threshold"`
	CaptureColor           bool                 `json:"capture_color"`
	IsScalable             bool                 `json:"is_scalable"`
}

// DefaultSettings returns the default reconstruction settings.
func DefaultSettings() Settings {
	return Settings{
		VoxelSize:              0.002,
		TruncationDistance:     0.03,
		MaxIntegrationWeight:   200,
		GridResolutions:        [HierarchyLevels]int{16, 8, 8},
		PyramidLevelCount:      3,
		PyramidLevelIterations: []int{10, 5, 4},
		DepthThreshold:         [2]int{500, 8000},
		CaptureColor:           false,
		IsScalable:             true,
	}
}

// SettingsFromParameters decodes the "slam.settings" object over the defaults and validates
// the result.
func SettingsFromParameters(params Parameters) (Settings, error) {
	settings := DefaultSettings()
	attrs := params.Sub("slam.settings")
	if len(attrs) != 0 {
		// the defaults would otherwise be appended to
		if _, ok := attrs["pyramid_level_iterations"]; ok {
			settings.PyramidLevelIterations = nil
		}
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:          "json",
			Result:           &settings,
			WeaklyTypedInput: true,
			ErrorUnused:      true,
		})
		if err != nil {
			return Settings{}, err
		}
		if err := decoder.Decode(map[string]interface{}(attrs)); err != nil {
			return Settings{}, errors.Wrap(err, "cannot decode slam.settings")
		}
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate ensures all parts of the settings are valid.
func (s *Settings) Validate() error {
	if s.VoxelSize <= 0 {
		return errors.Errorf("voxel_size must be positive, got %v", s.VoxelSize)
	}
	if s.TruncationDistance <= s.VoxelSize {
		return errors.Errorf("truncation_distance (%v) must be larger than voxel_size (%v)", s.TruncationDistance, s.VoxelSize)
	}
	if s.MaxIntegrationWeight < 1 || s.MaxIntegrationWeight > 0xFFFF {
		return errors.Errorf("max_integration_weight must be in [1, 65535], got %d", s.MaxIntegrationWeight)
	}
	for i, res := range s.GridResolutions {
		if res < 1 {
			return errors.Errorf("grid_resolutions[%d] must be positive, got %d", i, res)
		}
	}
	if s.PyramidLevelCount < 1 || s.PyramidLevelCount > MaxPyramidLevels {
		return errors.Errorf("pyramid_level_count must be in [1, %d], got %d", MaxPyramidLevels, s.PyramidLevelCount)
	}
	if len(s.PyramidLevelIterations) < s.PyramidLevelCount {
		return errors.Errorf("need %d pyramid_level_iterations, got %d", s.PyramidLevelCount, len(s.PyramidLevelIterations))
	}
	for i, it := range s.PyramidLevelIterations {
		if it < 0 {
			return errors.Errorf("pyramid_level_iterations[%d] must not be negative", i)
		}
	}
	if s.DepthThreshold[0] <= 0 || s.DepthThreshold[0] >= s.DepthThreshold[1] {
		return errors.Errorf("depth_threshold must satisfy 0 < min < max, got %v", s.DepthThreshold)
	}
	if !s.IsScalable {
		return errors.New("only the scalable reconstruction is supported")
	}
	return nil
}

// VoxelsPerGrid returns res^3 for each hierarchy level.
func (s Settings) VoxelsPerGrid() [HierarchyLevels]int {
	var out [HierarchyLevels]int
	for i, res := range s.GridResolutions {
		out[i] = res * res * res
	}
	return out
}

// VolumeSizes returns the world edge length of a single grid at each level, computed bottom-up:
// a TSDF grid spans res2 voxels, a level-1 grid spans res1 TSDF grids and a root volume spans
// res0 level-1 grids.
func (s Settings) VolumeSizes() [HierarchyLevels]float64 {
	var out [HierarchyLevels]float64
	out[HierarchyLevels-1] = s.VoxelSize * float64(s.GridResolutions[HierarchyLevels-1])
	for i := HierarchyLevels - 2; i >= 0; i-- {
		out[i] = out[i+1] * float64(s.GridResolutions[i])
	}
	return out
}

// RootVolumeSize is the edge length of a root volume.
func (s Settings) RootVolumeSize() float64 {
	return s.VolumeSizes()[0]
}

// DepthBounds returns the depth thresholds in metres.
func (s Settings) DepthBounds() (near, far float64) {
	return float64(s.DepthThreshold[0]) / 1000, float64(s.DepthThreshold[1]) / 1000
}

// Copy returns a deep copy.
func (s Settings) Copy() Settings {
	s.PyramidLevelIterations = append([]int(nil), s.PyramidLevelIterations...)
	return s
}
