package main

import (
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/fusion/config"
	"go.viam.com/fusion/logging"
	"go.viam.com/fusion/pointcloud"
	"go.viam.com/fusion/raycast"
	"go.viam.com/fusion/reconstruction"
	"go.viam.com/fusion/rimage/transform"
	"go.viam.com/fusion/spatialmath"
	"go.viam.com/fusion/testutils/synthetic"
	"go.viam.com/fusion/utils"
)

const (
	// Global flags.
	flagConfig  = "config"
	flagDebug   = "debug"
	flagLogFile = "log-file"
	flagPCD     = "pcd"

	// Command flags.
	flagFrames    = "frames"
	flagTrack     = "track"
	flagStep      = "step"
	flagFocal     = "focal"
	flagPrincipal = "principal"
	flagParallel  = "parallel"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:      "fusion",
		Usage:     "reconstruct surfaces from depth frames",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagConfig,
				Usage: "JSON file with slam.* parameters and slam.settings",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "log at debug level",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to this size rotated file",
			},
			&cli.StringFlag{
				Name:  flagPCD,
				Usage: "write the final raycast surface to this PCD file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "synthetic",
				Usage: "reconstruct a rendered box in front of a wall",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  flagFrames,
						Value: 20,
						Usage: "number of frames to render",
					},
					&cli.Float64Flag{
						Name:  flagStep,
						Value: 0.005,
						Usage: "sideways camera motion per frame in metres",
					},
					&cli.BoolFlag{
						Name:  flagTrack,
						Usage: "track the camera instead of passing the rendered pose",
					},
				},
				Action: syntheticAction,
			},
			{
				Name:      "replay",
				Usage:     "reconstruct a directory of 16 bit PNG depth frames in millimetres",
				ArgsUsage: "<directory>",
				Flags: []cli.Flag{
					&cli.Float64SliceFlag{
						Name:  flagFocal,
						Value: cli.NewFloat64Slice(365, 365),
						Usage: "focal length in pixels as fx,fy",
					},
					&cli.Float64SliceFlag{
						Name:  flagPrincipal,
						Usage: "principal point in pixels as cx,cy; defaults to the image center",
					},
					&cli.IntFlag{
						Name:  flagParallel,
						Value: runtime.NumCPU(),
						Usage: "number of frames decoded in parallel",
					},
				},
				Action: replayAction,
			},
		},
	}
}

// runner owns the logger and controller of one command.
type runner struct {
	out        io.Writer
	logger     logging.Logger
	logCloser  io.Closer
	controller *reconstruction.Controller
}

func newRunner(c *cli.Context, size image.Point, focal, principal r2.Point) (*runner, error) {
	logger := logging.NewLogger("fusion")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	r := &runner{out: c.App.Writer, logger: logger}
	if path := c.String(flagLogFile); path != "" {
		appender, closer := logging.NewFileAppender(path)
		logger.AddAppender(appender)
		r.logCloser = closer
	}

	params := config.AttributeMap{}
	if path := c.String(flagConfig); path != "" {
		var err error
		if params, err = config.Read(c.Context, path, logger); err != nil {
			return nil, multierr.Combine(err, r.closeLog())
		}
	}
	ctrl, err := reconstruction.New(reconstruction.Config{
		Parameters: params,
		Logger:     logger.Sublogger("reconstruction"),
	})
	if err == nil {
		err = ctrl.SetImageSizes(size, image.Point{})
	}
	if err == nil {
		err = ctrl.SetIntrinsics(focal, principal)
	}
	if err == nil {
		err = ctrl.Start(c.Context)
	}
	if err != nil {
		return nil, multierr.Combine(err, r.closeLog())
	}
	r.controller = ctrl
	return r, nil
}

func (r *runner) closeLog() error {
	err := r.logger.Sync()
	if r.logCloser != nil {
		err = multierr.Combine(err, r.logCloser.Close())
	}
	return err
}

// finish reports on the session, exports the surface and releases everything.
func (r *runner) finish(pcdPath string) (err error) {
	defer func() {
		r.controller.Exit()
		err = multierr.Combine(err, r.closeLog())
	}()
	if err := printSummary(r.out, r.controller); err != nil {
		return err
	}
	if pcdPath == "" {
		return nil
	}
	pc, err := raycast.ExtractPointCloud(r.controller.Device(), r.controller.RaycastPyramid(), r.controller.Sampler())
	if err != nil {
		return err
	}
	if err := pointcloud.WriteToPCDFile(pc, pcdPath); err != nil {
		return err
	}
	r.logger.Infow("wrote surface", "path", pcdPath, "points", pc.Size())
	return nil
}

func printSummary(out io.Writer, c *reconstruction.Controller) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "session:\t%s\n", c.SessionID())
	fmt.Fprintf(tw, "frames:\t%d\n", c.FrameCount())
	fmt.Fprintf(tw, "root volumes:\t%d\n", c.RootVolumeMap().Len())
	fmt.Fprintf(tw, "reconstruction size:\t%s\n", utils.FormatBytes(c.Pools().TotalBytes()))
	fmt.Fprintf(tw, "tracking lost:\t%t\n", c.IsTrackingLost())
	if full := c.FullPools(); len(full) != 0 {
		fmt.Fprintf(tw, "full pools:\t%s\n", strings.Join(full, ", "))
	}
	if err := c.Fault(); err != nil {
		fmt.Fprintf(tw, "fault:\t%v\n", err)
	}
	stats := c.Statistics()
	if len(stats.Stages) != 0 {
		fmt.Fprintln(tw, "\nstage\tsamples\tmean\tp95\tmax")
		for _, name := range stats.StageNames() {
			s := stats.Stages[name]
			fmt.Fprintf(tw, "%s\t%d\t%v\t%v\t%v\n", name, s.Samples, s.Mean, s.P95, s.Max)
		}
	}
	return tw.Flush()
}

var (
	syntheticSize      = image.Pt(160, 120)
	syntheticFocal     = r2.Point{X: 120, Y: 120}
	syntheticPrincipal = r2.Point{X: 80, Y: 60}
	syntheticScene     = synthetic.Scene{
		synthetic.Plane{Point: r3.Vector{Z: -1.5}, Normal: r3.Vector{Z: 1}},
		synthetic.Box{AABB: spatialmath.AABB{Min: r3.Vector{X: -0.2, Y: -0.2, Z: -1.5}, Max: r3.Vector{X: 0.2, Y: 0.2, Z: -1.2}}},
	}
)

func syntheticAction(c *cli.Context) error {
	frames := c.Int(flagFrames)
	if frames < 1 {
		return errors.Errorf("--%s must be positive", flagFrames)
	}
	r, err := newRunner(c, syntheticSize, syntheticFocal, syntheticPrincipal)
	if err != nil {
		return err
	}
	camera := transform.NewPinholeCameraIntrinsics(syntheticSize.X, syntheticSize.Y, syntheticFocal, syntheticPrincipal)
	for i := 0; i < frames; i++ {
		pose := spatialmath.Compose(
			spatialmath.NewPoseFromPoint(r3.Vector{X: c.Float64(flagStep) * float64(i)}),
			reconstruction.InitialPose(),
		)
		frame := reconstruction.Frame{Depth: synthetic.RenderDepth(syntheticScene, camera, pose)}
		if !c.Bool(flagTrack) {
			frame.Pose = &pose
		}
		if err := r.controller.OnNewFrame(c.Context, frame); err != nil {
			return multierr.Combine(err, r.finish(""))
		}
	}
	return r.finish(c.String(flagPCD))
}

func replayAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("replay needs exactly one directory")
	}
	frames, size, err := decodeDepthFrames(c, c.Args().First(), c.Int(flagParallel))
	if err != nil {
		return err
	}
	focal, err := pointFlag(c, flagFocal, r2.Point{})
	if err != nil {
		return err
	}
	principal, err := pointFlag(c, flagPrincipal, r2.Point{X: float64(size.X) / 2, Y: float64(size.Y) / 2})
	if err != nil {
		return err
	}
	r, err := newRunner(c, size, focal, principal)
	if err != nil {
		return err
	}
	for _, depth := range frames {
		if err := r.controller.OnNewDepthFrame(c.Context, depth); err != nil {
			return multierr.Combine(err, r.finish(""))
		}
	}
	return r.finish(c.String(flagPCD))
}

func pointFlag(c *cli.Context, name string, def r2.Point) (r2.Point, error) {
	v := c.Float64Slice(name)
	switch len(v) {
	case 0:
		return def, nil
	case 2:
		return r2.Point{X: v[0], Y: v[1]}, nil
	}
	return r2.Point{}, errors.Errorf("--%s needs two values, got %d", name, len(v))
}

// decodeDepthFrames reads every PNG of dir in name order. All frames must be 16 bit grayscale
// and of the same size.
func decodeDepthFrames(c *cli.Context, dir string, parallel int) ([][]uint16, image.Point, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.png"))
	if err != nil {
		return nil, image.Point{}, err
	}
	if len(paths) == 0 {
		return nil, image.Point{}, errors.Errorf("no PNG frames in %q", dir)
	}
	sort.Strings(paths)

	frames := make([][]uint16, len(paths))
	sizes := make([]image.Point, len(paths))
	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(max(parallel, 1))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			depth, size, err := readDepthPNG(path)
			if err != nil {
				return errors.Wrapf(err, "cannot read frame %q", path)
			}
			frames[i], sizes[i] = depth, size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, image.Point{}, err
	}
	for i, size := range sizes {
		if size != sizes[0] {
			return nil, image.Point{}, errors.Errorf("frame %q is %v but the first frame is %v", paths[i], size, sizes[0])
		}
	}
	return frames, sizes[0], nil
}

func readDepthPNG(path string) (depth []uint16, size image.Point, err error) {
	//nolint:gosec
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Point{}, err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	img, err := png.Decode(f)
	if err != nil {
		return nil, image.Point{}, err
	}
	gray, ok := img.(*image.Gray16)
	if !ok {
		return nil, image.Point{}, errors.Errorf("expected a 16 bit grayscale image, got %T", img)
	}
	bounds := gray.Bounds()
	size = bounds.Size()
	depth = make([]uint16, 0, size.X*size.Y)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			depth = append(depth, gray.Gray16At(x, y).Y)
		}
	}
	return depth, size, nil
}
