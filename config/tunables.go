package config

// Tunables are the runtime knobs read through the parameter service when a session starts.
type Tunables struct {
	// MinWeight is both the tracking warm-up length and the raycast weight threshold.
	MinWeight int
	// VolumeMinDepthCount is how many depth samples a root volume needs before it is streamed in.
	VolumeMinDepthCount int
	// PoolSizesMB are the byte budgets of the root-grid, level-1 and TSDF pools.
	PoolSizesMB              [HierarchyLevels]float64
	NormalsFromTSDF          bool
	RaycastBacksides         bool
	ConservativeRasterEnable bool
}

// Parameter paths.
const (
	MinWeightKey           = "slam.min_weight"
	VolumeMinDepthCountKey = "slam.volume_min_depth_count"
	PoolSizeLevel0Key      = "slam.pool_sizes.level0"
	PoolSizeLevel1Key      = "slam.pool_sizes.level1"
	PoolSizeLevel2Key      = "slam.pool_sizes.level2"
	NormalsFromTSDFKey     = "slam.normals_from_tsdf"
	RaycastBacksidesKey    = "slam.raycast_backsides"
	ConservativeRasterKey  = "slam.conservative_raster_enable"
)

// TunablesFromParameters reads all tunables, falling back to the defaults.
func TunablesFromParameters(params Parameters) Tunables {
	if params == nil {
		params = AttributeMap{}
	}
	return Tunables{
		MinWeight:           params.GetInt(MinWeightKey, 15),
		VolumeMinDepthCount: params.GetInt(VolumeMinDepthCountKey, 2000),
		PoolSizesMB: [HierarchyLevels]float64{
			params.GetFloat(PoolSizeLevel0Key, 128),
			params.GetFloat(PoolSizeLevel1Key, 128),
			params.GetFloat(PoolSizeLevel2Key, 2048),
		},
		NormalsFromTSDF:          params.GetBool(NormalsFromTSDFKey, false),
		RaycastBacksides:         params.GetBool(RaycastBacksidesKey, true),
		ConservativeRasterEnable: params.GetBool(ConservativeRasterKey, true),
	}
}
