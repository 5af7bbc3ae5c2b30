// Package reconstruction drives the per frame pipeline: reference pyramid, tracking, volume
// streaming, integration and raycasting over a sparse TSDF hierarchy.
package reconstruction

import (
	"context"
	"image"
	"math"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/frustum"
	"go.viam.com/fusion/gpu"
	"go.viam.com/fusion/hierarchy"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/raster"
	"go.viam.com/fusion/raycast"
	"go.viam.com/fusion/rimage"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/tracking"
	"go.viam.com/fusion/tsdf"
	"go.viam.com/fusion/utils"
)

// Config holds the dependencies of a Controller. Every field is optional.
type Config struct {
	// Device defaults to a CPU device.
	Device gpu.Device
	// Tracker defaults to an ICP tracker built for the session settings.
	Tracker tracking.Tracker
	// Parameters supply the tunables and, when Settings is nil, the settings.
	Parameters config.Parameters
	Settings   *config.Settings
	Logger     logging.Logger
	Clock      clock.Clock
}

// Frame is one input frame.
type Frame struct {
	// Depth is in millimetres, row major, of the configured depth size.
	Depth []uint16
	// Color is packed RGBA8 of the configured color size. It is ignored unless color is captured.
	Color []uint32
	// Pose is an externally supplied camera-to-world pose, e.g. from visual inertial odometry.
	// It is used instead of tracking until the reconstruction has warmed up.
	Pose *spatialmath.Pose
}

// A Controller owns one reconstruction and every resource of it. Frames must be submitted from
// a single goroutine; State, the pause flags and the pool, fault and tracking status may be used
// from any goroutine. Accessors return zero values before Start, and the last reconstruction
// stays readable after Exit until the next Start.
type Controller struct {
	logger        logging.Logger
	device        gpu.Device
	clock         clock.Clock
	params        config.Parameters
	customTracker tracking.Tracker

	settings config.Settings
	tunables config.Tunables

	depthSize, colorSize image.Point
	focal, principal     r2.Point
	hasIntrinsics        bool
	intrinsics           []transform.PinholeCameraIntrinsics

	state             atomic.Int32
	integrationPaused atomic.Bool
	trackingPaused    atomic.Bool
	frameCount        atomic.Int64
	integratedCount   atomic.Int64
	trackingLost      atomic.Bool

	// fullPools has bit i set once pool i of hierarchy.PoolNames ran out of budget.
	fullPools atomic.Uint32
	fault     atomic.Error

	sessionID uuid.UUID
	pose      spatialmath.Pose
	timings   *timings

	manager    *hierarchy.Manager
	pyramids   *rimage.PyramidBuilder
	rasterizer *raster.Rasterizer
	integrator *tsdf.Integrator
	raycaster  *raycast.Raycaster
	tracker    tracking.Tracker

	rawDepth   *gpu.Texture2D[uint16]
	rawColor   *gpu.Texture2D[uint32]
	rawVertex  *gpu.Texture2D[r3.Vector]
	reference  *rimage.Pyramid
	raycastPyr *rimage.Pyramid
}

// New returns an unstarted controller.
func New(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("reconstruction")
	}
	params := cfg.Parameters
	if params == nil {
		params = config.AttributeMap{}
	}
	var settings config.Settings
	if cfg.Settings != nil {
		settings = cfg.Settings.Copy()
		if err := settings.Validate(); err != nil {
			return nil, err
		}
	} else {
		var err error
		if settings, err = config.SettingsFromParameters(params); err != nil {
			return nil, err
		}
	}
	device := cfg.Device
	if device == nil {
		device = gpu.NewCPUDevice(logger.Sublogger("device"))
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		logger:        logger,
		device:        device,
		clock:         clk,
		params:        params,
		customTracker: cfg.Tracker,
		settings:      settings,
		timings:       newTimings(),
	}, nil
}

// SetImageSizes sets the depth and color frame sizes. A zero color size means the depth size.
func (c *Controller) SetImageSizes(depth, color image.Point) error {
	if c.State().Running() {
		return ErrAlreadyStarted
	}
	if depth.X <= 0 || depth.Y <= 0 {
		return errors.Errorf("invalid depth image size %v", depth)
	}
	if color == (image.Point{}) {
		color = depth
	}
	c.depthSize, c.colorSize = depth, color
	return nil
}

// SetIntrinsics sets the depth camera intrinsics in pixels.
func (c *Controller) SetIntrinsics(focal, principal r2.Point) error {
	if c.State().Running() {
		return ErrAlreadyStarted
	}
	c.focal, c.principal, c.hasIntrinsics = focal, principal, true
	return nil
}

// Start builds every subsystem and begins a session.
func (c *Controller) Start(ctx context.Context) error {
	if c.State().Running() {
		return ErrAlreadyStarted
	}
	if !c.hasIntrinsics {
		return transform.NewNoIntrinsicsError("SetIntrinsics must be called before Start")
	}
	intrinsics := transform.NewPinholeCameraIntrinsics(c.depthSize.X, c.depthSize.Y, c.focal, c.principal)
	if err := intrinsics.CheckValid(); err != nil {
		return err
	}
	c.intrinsics = intrinsics.Pyramid(c.settings.PyramidLevelCount)
	if err := c.build(); err != nil {
		return err
	}
	c.beginSession(ctx)
	return nil
}

func (c *Controller) build() error {
	c.tunables = config.TunablesFromParameters(c.params)
	settings := c.settings

	var err error
	if c.manager, err = hierarchy.NewManager(c.device, settings, c.tunables, c.logger.Sublogger("hierarchy")); err != nil {
		return err
	}
	if c.pyramids, err = rimage.NewPyramidBuilder(c.device, settings); err != nil {
		return err
	}
	if c.rasterizer, err = raster.NewRasterizer(c.device, settings, c.tunables, c.logger.Sublogger("raster")); err != nil {
		return err
	}
	if c.integrator, err = tsdf.NewIntegrator(c.device, settings, c.logger.Sublogger("integrator")); err != nil {
		return err
	}
	if c.raycaster, err = raycast.NewRaycaster(
		c.device, settings, c.tunables, c.pyramids, c.logger.Sublogger("raycaster"),
	); err != nil {
		return err
	}
	c.tracker = c.customTracker
	if c.tracker == nil {
		if c.tracker, err = tracking.NewICPTracker(c.device, settings, c.logger.Sublogger("tracker")); err != nil {
			return err
		}
	}

	w, h := c.depthSize.X, c.depthSize.Y
	c.rawDepth = gpu.NewTexture2D[uint16](gpu.TextureDesc{Name: "raw_depth", Width: w, Height: h, Format: gpu.FormatR16UI})
	c.rawVertex = gpu.NewTexture2D[r3.Vector](gpu.TextureDesc{
		Name: "raw_vertex", Width: w, Height: h, Format: gpu.FormatRGBA32F,
	})
	c.rawColor = nil
	if settings.CaptureColor {
		c.rawColor = gpu.NewTexture2D[uint32](gpu.TextureDesc{
			Name: "raw_color", Width: c.colorSize.X, Height: c.colorSize.Y, Format: gpu.FormatRGBA8,
		})
	}
	c.reference = rimage.NewPyramid("reference", w, h, settings.PyramidLevelCount)
	c.raycastPyr = rimage.NewPyramid("raycast", w, h, settings.PyramidLevelCount)
	return nil
}

// InitialPose is the pose a session starts at: the camera at the origin looking down -Z.
func InitialPose() spatialmath.Pose {
	return spatialmath.NewPoseFromEulerXYZ(math.Pi, 0, 0, r3.Vector{})
}

func (c *Controller) beginSession(ctx context.Context) {
	c.sessionID = uuid.New()
	c.pose = InitialPose()
	c.trackingLost.Store(true)
	c.fullPools.Store(0)
	c.fault.Store(nil)
	c.frameCount.Store(0)
	c.integratedCount.Store(0)
	c.integrationPaused.Store(false)
	c.trackingPaused.Store(false)
	c.timings.clear()
	c.setState(Started)

	vpg := c.settings.VoxelsPerGrid()
	c.logger.CInfof(ctx, "reconstruction session %s started", c.sessionID)
	c.logger.CDebugw(ctx, "reconstruction settings",
		"session", c.sessionID.String(),
		"device", c.device.Name(),
		"depth_size", c.depthSize.String(),
		"voxel_size", c.settings.VoxelSize,
		"truncation", c.settings.TruncationDistance,
		"grid_resolutions", c.settings.GridResolutions,
		"voxels_per_grid", vpg,
		"root_volume_size", c.settings.RootVolumeSize(),
		"capture_color", c.settings.CaptureColor,
		"min_weight", c.tunables.MinWeight,
	)
}

// Reset discards the reconstruction and starts a new session. When settings is non nil it
// replaces the current settings.
func (c *Controller) Reset(ctx context.Context, settings *config.Settings) error {
	if !c.State().Running() {
		return ErrNotStarted
	}
	if settings != nil {
		next := settings.Copy()
		if err := next.Validate(); err != nil {
			return err
		}
		c.settings = next
		c.intrinsics = c.intrinsics[0].Pyramid(next.PyramidLevelCount)
	}
	if err := c.build(); err != nil {
		c.setState(Exited)
		return errors.Wrap(err, "cannot rebuild the reconstruction")
	}
	c.beginSession(ctx)
	return nil
}

// Exit ends the session and releases the pipeline. The reconstruction itself stays readable.
func (c *Controller) Exit() {
	if !c.State().Running() {
		return
	}
	c.logger.Infow("reconstruction session exited",
		"session", c.sessionID.String(), "frames", c.FrameCount(), "size", utils.FormatBytes(c.manager.Pools().TotalBytes()))
	c.setState(Exited)
	c.pyramids = nil
	c.rasterizer = nil
	c.integrator = nil
	c.raycaster = nil
	c.tracker = nil
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// OnNewDepthFrame processes a depth only frame and tracks its pose.
func (c *Controller) OnNewDepthFrame(ctx context.Context, depth []uint16) error {
	return c.OnNewFrame(ctx, Frame{Depth: depth})
}

// OnNewFrame runs the whole pipeline for one frame. Pool exhaustion, lost tracking and
// precondition faults are recorded as state; errors are only returned for misuse or a failing
// device.
func (c *Controller) OnNewFrame(ctx context.Context, frame Frame) error {
	if !c.State().Running() {
		return ErrNotStarted
	}
	if c.trackingPaused.Load() {
		return nil
	}
	if len(frame.Depth) != c.depthSize.X*c.depthSize.Y {
		return errors.Wrapf(ErrFrameSize, "depth has %d pixels, want %v", len(frame.Depth), c.depthSize)
	}
	if c.settings.CaptureColor && len(frame.Color) != c.colorSize.X*c.colorSize.Y {
		return errors.Wrapf(ErrFrameSize, "color has %d pixels, want %v", len(frame.Color), c.colorSize)
	}

	frameStart := c.clock.Now()
	stageStart := frameStart
	stage := func(name string) {
		now := c.clock.Now()
		c.timings.add(name, now.Sub(stageStart))
		stageStart = now
	}

	c.setState(Input)
	copy(c.rawDepth.Data, frame.Depth)
	c.device.Upload(c.rawDepth)
	if c.rawColor != nil {
		copy(c.rawColor.Data, frame.Color)
		c.device.Upload(c.rawColor)
	}
	stage(StageInput)

	c.setState(ReferencePyramid)
	if err := c.pyramids.BuildReference(ctx, c.rawDepth, c.intrinsics, c.reference, c.rawVertex); err != nil {
		return err
	}
	stage(StageReference)

	c.setState(Tracking)
	if err := c.track(ctx, frame.Pose); err != nil {
		return err
	}
	stage(StageTracking)

	c.checkPools(ctx)

	if !c.IsIntegrationPaused() {
		c.setState(FrustumUpdate)
		queued, err := c.streamVolumes(ctx)
		stage(StageStreaming)
		var poolFull *hierarchy.PoolFullError
		switch {
		case errors.As(err, &poolFull):
			c.markPoolsFull(ctx, poolFull.Pools)
		case hierarchy.IsPrecondition(err):
			c.recordFault(ctx, err)
		case err != nil:
			return err
		default:
			c.setState(Integration)
			if err := c.integrate(ctx, queued); err != nil {
				return err
			}
			stage(StageIntegration)
		}
	}

	c.setState(Raycast)
	bounds, hasBounds := c.manager.AABB()
	if err := c.raycaster.Raycast(ctx, c.manager.Pools(), c.pose, c.intrinsics[0], bounds, hasBounds, c.raycastPyr); err != nil {
		return err
	}
	stage(StageRaycast)
	c.timings.add(StageFrame, c.clock.Since(frameStart))

	c.frameCount.Inc()
	if c.integratedCount.Inc() == int64(c.tunables.MinWeight) {
		c.timings.clear()
	}
	c.setState(Done)
	return nil
}

// track updates the pose. Until more than min_weight frames are integrated an external pose is
// adopted as is; otherwise the tracker runs against the previous raycast.
func (c *Controller) track(ctx context.Context, external *spatialmath.Pose) error {
	if external != nil && c.integratedCount.Load() <= int64(c.tunables.MinWeight) {
		c.pose = *external
		c.trackingLost.Store(false)
		return nil
	}
	res, err := c.tracker.Track(ctx, tracking.Input{
		PreviousPose: c.pose,
		Reference:    c.reference,
		Raycast:      c.raycastPyr,
		Intrinsics:   c.intrinsics,
	})
	if err != nil {
		return errors.Wrap(err, "tracking failed")
	}
	if res.Lost && !c.trackingLost.Load() {
		c.logger.CWarnw(ctx, "tracking lost", "frame", c.FrameCount(), "iterations", res.Iterations)
	}
	c.trackingLost.Store(res.Lost)
	if !res.Lost {
		c.pose = res.Pose
	}
	return nil
}

// checkPools reads the pool occupancy back and freezes integration if a budget is exceeded.
func (c *Controller) checkPools(ctx context.Context) {
	usage := c.manager.RefreshCounts()
	full := lo.FilterMap(usage, func(u hierarchy.PoolUsage, _ int) (string, bool) {
		return u.Name, u.Full()
	})
	if len(full) != 0 {
		c.markPoolsFull(ctx, full)
	}
}

// Only the frame goroutine writes fullPools and fault.
func (c *Controller) markPoolsFull(ctx context.Context, pools []string) {
	for _, name := range pools {
		bit := poolBit(name)
		full := c.fullPools.Load()
		if full&bit != 0 {
			continue
		}
		c.fullPools.Store(full | bit)
		c.logger.CErrorw(ctx, "pool is full, integration is paused", "pool", name, "session", c.sessionID.String())
	}
}

func (c *Controller) recordFault(ctx context.Context, err error) {
	if c.fault.Load() != nil {
		return
	}
	c.fault.Store(err)
	c.logger.CErrorw(ctx, "reconstruction fault, integration is paused", "error", err)
}

func poolBit(name string) uint32 {
	return 1 << uint(lo.IndexOf(hierarchy.PoolNames[:], name))
}

// frozen reports whether integration stopped for good this session.
func (c *Controller) frozen() bool {
	return c.fullPools.Load() != 0 || c.fault.Load() != nil
}

// streamVolumes discovers the visible root volumes, queues the ones holding enough samples,
// compacts their cells and allocates their grids.
func (c *Controller) streamVolumes(ctx context.Context) ([]*hierarchy.RootVolume, error) {
	near, far := c.settings.DepthBounds()
	f := frustum.New(c.pose, &c.intrinsics[0], near, far)
	if err := c.manager.UpdateRootVolumes(&f); err != nil {
		return nil, err
	}

	c.setState(VolumeStreaming)
	vector := c.manager.Vector()
	indices, err := c.rasterizer.QueueVolumes(ctx, c.manager.Instances(), len(vector), c.rawVertex, c.pose, c.intrinsics[0])
	if err != nil {
		return nil, err
	}
	queued := lo.Map(indices, func(i, _ int) *hierarchy.RootVolume { return vector[i] })
	for _, v := range queued {
		c.manager.EnsureQueues(v)
		if err := c.rasterizer.Compact(ctx, v, c.rawVertex, c.pose); err != nil {
			return nil, err
		}
	}
	if len(queued) == 0 {
		return nil, nil
	}
	if err := c.manager.Allocate(ctx, queued); err != nil {
		return nil, err
	}
	return queued, nil
}

func (c *Controller) integrate(ctx context.Context, queued []*hierarchy.RootVolume) error {
	f := tsdf.Frame{
		Depth:      c.rawDepth,
		Color:      c.rawColor,
		Pose:       c.pose,
		Intrinsics: c.intrinsics[0],
	}
	for _, v := range queued {
		if err := c.integrator.Integrate(ctx, c.manager.Pools(), v, f); err != nil {
			return errors.Wrapf(err, "cannot integrate root volume %s", v.Offset)
		}
	}
	return nil
}

// PauseIntegration pauses or resumes integration from the next frame on. Resuming has no effect
// once a pool is full or a fault was recorded.
func (c *Controller) PauseIntegration(paused bool) {
	c.integrationPaused.Store(paused)
}

// PauseTracking pauses or resumes frame processing altogether.
func (c *Controller) PauseTracking(paused bool) {
	c.trackingPaused.Store(paused)
}

// IsIntegrationPaused reports whether frames are no longer integrated.
func (c *Controller) IsIntegrationPaused() bool {
	return c.integrationPaused.Load() || c.frozen()
}

// IsTrackingPaused reports whether frames are ignored.
func (c *Controller) IsTrackingPaused() bool {
	return c.trackingPaused.Load()
}

// IsTrackingLost reports whether the last tracked frame failed to align. It is false while
// tracking is paused.
func (c *Controller) IsTrackingLost() bool {
	return !c.trackingPaused.Load() && c.trackingLost.Load()
}

// IsPoolFull reports whether any pool ran out of budget this session.
func (c *Controller) IsPoolFull() bool {
	return c.fullPools.Load() != 0
}

// FullPools returns the names of the exhausted pools in level order.
func (c *Controller) FullPools() []string {
	full := c.fullPools.Load()
	return lo.Filter(hierarchy.PoolNames[:], func(name string, _ int) bool { return full&poolBit(name) != 0 })
}

// Fault returns the precondition fault that stopped integration, if any.
func (c *Controller) Fault() error {
	return c.fault.Load()
}

// Pose returns the camera-to-world pose of the last frame.
func (c *Controller) Pose() spatialmath.Pose {
	return c.pose
}

// InversePose returns the world-to-camera pose of the last frame.
func (c *Controller) InversePose() spatialmath.Pose {
	return c.pose.Inverse()
}

// VertexMap returns the full resolution world space raycast vertices.
func (c *Controller) VertexMap() *gpu.Texture2D[r3.Vector] {
	if c.raycastPyr == nil {
		return nil
	}
	return c.raycastPyr.Vertex[0]
}

// NormalMap returns the full resolution world space raycast normals.
func (c *Controller) NormalMap() *gpu.Texture2D[r3.Vector] {
	if c.raycastPyr == nil {
		return nil
	}
	return c.raycastPyr.Normal[0]
}

// RawVertexMap returns the unfiltered camera space vertices of the last frame.
func (c *Controller) RawVertexMap() *gpu.Texture2D[r3.Vector] {
	return c.rawVertex
}

// RaycastPyramid returns the raycast of the last frame.
func (c *Controller) RaycastPyramid() *rimage.Pyramid {
	return c.raycastPyr
}

// ReferencePyramid returns the filtered camera space pyramid of the last frame.
func (c *Controller) ReferencePyramid() *rimage.Pyramid {
	return c.reference
}

// RootVolumeMap returns every root volume discovered this session.
func (c *Controller) RootVolumeMap() *hierarchy.RootVolumeMap {
	if c.manager == nil {
		return hierarchy.NewRootVolumeMap()
	}
	return c.manager.Map()
}

// RootVolumeVector returns the root volumes visible in the last frame. It is replaced by the
// next frame.
func (c *Controller) RootVolumeVector() []*hierarchy.RootVolume {
	if c.manager == nil {
		return nil
	}
	return c.manager.Vector()
}

// Pools returns the hierarchy pools, or nil before Start.
func (c *Controller) Pools() *hierarchy.Pools {
	if c.manager == nil {
		return nil
	}
	return c.manager.Pools()
}

// Sampler returns a host view of the reconstruction, or nil before Start.
func (c *Controller) Sampler() *hierarchy.Sampler {
	if c.manager == nil {
		return nil
	}
	return c.manager.Sampler()
}

// Device returns the device the pipeline runs on.
func (c *Controller) Device() gpu.Device {
	return c.device
}

// ReconstructionSize returns the bytes occupied in all pools, in megabytes.
func (c *Controller) ReconstructionSize() float64 {
	if c.manager == nil {
		return 0
	}
	return utils.BytesToMB(c.manager.Pools().TotalBytes())
}

// VolumeSizes returns the edge length of a grid at each hierarchy level.
func (c *Controller) VolumeSizes() [config.HierarchyLevels]float64 {
	return c.settings.VolumeSizes()
}

// DepthImageSize returns the configured depth frame size.
func (c *Controller) DepthImageSize() image.Point {
	return c.depthSize
}

// Settings returns a copy of the session settings.
func (c *Controller) Settings() config.Settings {
	return c.settings.Copy()
}

// Tunables returns the tunables read at the start of the session.
func (c *Controller) Tunables() config.Tunables {
	return c.tunables
}

// FrameCount returns the number of frames processed this session.
func (c *Controller) FrameCount() int {
	return int(c.frameCount.Load())
}

// IntegratedFrameCount returns the frame counter tracking is gated on.
func (c *Controller) IntegratedFrameCount() int {
	return int(c.integratedCount.Load())
}

// Statistics summarizes the stage timings since warm up ended.
func (c *Controller) Statistics() Statistics {
	return c.timings.summarize()
}

// SessionID identifies the current session.
func (c *Controller) SessionID() uuid.UUID {
	return c.sessionID
}
