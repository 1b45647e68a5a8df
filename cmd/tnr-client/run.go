package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Nativu5/gpu-tnr-client/pkg/config"
	"github.com/Nativu5/gpu-tnr-client/pkg/discover"
	"github.com/Nativu5/gpu-tnr-client/pkg/ipc"
	"github.com/Nativu5/gpu-tnr-client/pkg/metrics"
	"github.com/Nativu5/gpu-tnr-client/pkg/sandbox"
	"github.com/Nativu5/gpu-tnr-client/pkg/shm"
	"github.com/Nativu5/gpu-tnr-client/pkg/tnr"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
	"github.com/Nativu5/gpu-tnr-client/pkg/utils"
)

// runOptions are the knobs of one run on top of the loaded config.
type runOptions struct {
	Cameras      []int
	Type         string // "" picks still or video from the config
	Frames       int
	ParamEvery   int
	Gain         int
	ExternalOut  bool
	ShowSegments bool
	Output       string
}

// sessionResult summarizes one camera's session.
type sessionResult struct {
	Camera       int    `json:"camera"`
	Instance     string `json:"instance"`
	Type         string `json:"type"`
	SurfaceSize  uint32 `json:"surface_size"`
	CamBufs      int    `json:"cam_bufs"`
	Frames       int64  `json:"frames"`
	ParamUpdates int64  `json:"param_updates"`
}

// runReport is the JSON output of the run command.
type runReport struct {
	Sessions []sessionResult  `json:"sessions"`
	Metrics  metrics.Snapshot `json:"metrics"`
}

func newRunCmd() *cobra.Command {
	var (
		configPath string
		shmDir     string
		prefix     string
		width      int
		height     int
		opts       runOptions
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive TNR sessions end to end against the in-process service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// CLI flags win over file and environment.
			if shmDir != "" {
				cfg.ShmDir = shmDir
			}
			if prefix != "" {
				cfg.SegmentPrefix = prefix
			}
			if width > 0 {
				cfg.Width = width
			}
			if height > 0 {
				cfg.Height = height
			}
			return runSessions(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to the TNR config file (YAML)")
	cmd.Flags().StringVar(&shmDir, "shm-dir", "", "Shared-memory directory (overrides config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Segment file name prefix (overrides config)")
	cmd.Flags().IntVar(&width, "width", 0, "Frame width (overrides config)")
	cmd.Flags().IntVar(&height, "height", 0, "Frame height (overrides config)")
	cmd.Flags().IntSliceVar(&opts.Cameras, "camera", []int{0}, "Camera ids; one session runs per camera")
	cmd.Flags().StringVar(&opts.Type, "type", "", "TNR type (video|still); default from stillTnrPrior")
	cmd.Flags().IntVar(&opts.Frames, "frames", 30, "Frames to process per session")
	cmd.Flags().IntVar(&opts.ParamEvery, "param-every", 10, "Send a parameter update every N frames (0 disables)")
	cmd.Flags().IntVar(&opts.Gain, "gain", 128, "Blend gain sent with parameter updates (0-256)")
	cmd.Flags().BoolVar(&opts.ExternalOut, "external-out", false, "Write output frames to an imported file descriptor")
	cmd.Flags().BoolVar(&opts.ShowSegments, "show-segments", false, "Print the live segment registry before teardown")
	cmd.Flags().StringVar(&opts.Output, "output", "table", "Output format (table|json)")

	return cmd
}

// resolveType picks the TNR type of a run.
func resolveType(name string, cfg *config.Config) (types.TnrType, error) {
	if name != "" {
		return types.ParseTnrType(name)
	}
	if cfg.IsStillTnrPrior() {
		return types.TypeStill, nil
	}
	return types.TypeVideo, nil
}

// runSessions runs one session per camera, concurrently, over a shared
// allocator and service, then prints the results.
func runSessions(ctx context.Context, cfg *config.Config, opts runOptions, w io.Writer) error {
	if !cfg.IsGpuTnrEnabled() {
		return errors.New("GPU TNR is disabled by configuration")
	}
	if opts.Frames < 1 {
		return fmt.Errorf("--frames must be at least 1, got %d", opts.Frames)
	}
	if len(opts.Cameras) == 0 {
		return errors.New("no camera given")
	}
	seen := make(map[int]bool, len(opts.Cameras))
	for _, cam := range opts.Cameras {
		if seen[cam] {
			return fmt.Errorf("camera %d given twice", cam)
		}
		seen[cam] = true
	}
	t, err := resolveType(opts.Type, cfg)
	if err != nil {
		return err
	}

	alloc := shm.NewAllocator(cfg.ShmDir, cfg.SegmentPrefix)
	m := metrics.New()
	svc := sandbox.New(alloc)
	loop := ipc.NewLoopback(svc)
	defer loop.Close()
	transport := ipc.Instrument(loop, m)

	log.Infof("running %d session(s) of %d frames, %dx%d %s, segments under %s",
		len(opts.Cameras), opts.Frames, cfg.Width, cfg.Height, t, alloc.Dir())

	// Global protection serializes frame processing across instances.
	var global *sync.Mutex
	if cfg.UseTnrGlobalProtection() {
		global = &sync.Mutex{}
	}

	var wg, ready sync.WaitGroup
	results := make([]sessionResult, len(opts.Cameras))
	errs := make([]error, len(opts.Cameras))
	release := make(chan struct{})
	ready.Add(len(opts.Cameras))
	for idx, cam := range opts.Cameras {
		wg.Add(1)
		go func(idx, cam int) {
			defer wg.Done()
			s := &session{
				cfg:      cfg,
				opts:     opts,
				tnrType:  t,
				alloc:    alloc,
				svc:      svc,
				global:   global,
				ready:    &ready,
				release:  release,
				instance: tnr.New(cam, alloc, transport, tnr.WithMetrics(m), tnr.WithParamSize(cfg.ParamBlobSize)),
				cameraID: cam,
			}
			results[idx], errs[idx] = s.run(ctx)
		}(idx, cam)
	}

	// Every session has reached its last frame; show what is mapped.
	ready.Wait()
	if opts.ShowSegments && opts.Output != "json" {
		discover.PrintLive(w, alloc.Segments())
	}
	close(release)
	wg.Wait()

	if leaked := alloc.Len(); leaked != 0 {
		log.Warnf("%d segment(s) still registered after teardown", leaked)
	}

	report := runReport{Sessions: results, Metrics: m.Snapshot()}
	switch opts.Output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	default:
		printSessions(w, report.Sessions)
		printStats(w, report.Metrics)
	}
	return errors.Join(errs...)
}

// session drives one instance through its whole lifecycle.
type session struct {
	cfg      *config.Config
	opts     runOptions
	tnrType  types.TnrType
	alloc    *shm.Allocator
	svc      *sandbox.Service
	global   *sync.Mutex
	ready    *sync.WaitGroup
	release  chan struct{}
	instance *tnr.Instance
	cameraID int
}

func (s *session) run(ctx context.Context) (res sessionResult, err error) {
	inst := s.instance
	res = sessionResult{Camera: s.cameraID, Instance: inst.ID(), Type: s.tnrType.String()}
	logger := log.WithFields(log.Fields{"camera": s.cameraID, "instance": inst.ID()})

	readyDone := false
	signalReady := func() {
		if !readyDone {
			readyDone = true
			s.ready.Done()
		}
	}
	defer func() {
		signalReady()
		if cerr := inst.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("camera %d: close: %w", s.cameraID, cerr))
		}
	}()

	if err := inst.Init(s.cfg.Width, s.cfg.Height, s.tnrType); err != nil {
		return res, fmt.Errorf("camera %d: %w", s.cameraID, err)
	}
	param, err := inst.AllocTnr7ParamBuf()
	if err != nil {
		return res, fmt.Errorf("camera %d: %w", s.cameraID, err)
	}
	size, err := inst.GetSurfaceInfo(s.cfg.Width, s.cfg.Height)
	if err != nil {
		return res, fmt.Errorf("camera %d: %w", s.cameraID, err)
	}
	res.SurfaceSize = size

	// One capture buffer per in-flight frame plus the output surface.
	inCount := s.cfg.TnrExtraFrameCount(s.cameraID) + 1
	bufs := make([][]byte, 0, inCount+1)
	for id := 0; id <= inCount; id++ {
		buf, err := inst.AllocCamBuf(size, id)
		if err != nil {
			return res, fmt.Errorf("camera %d: %w", s.cameraID, err)
		}
		bufs = append(bufs, buf)
	}
	res.CamBufs = inst.CamBufCount()
	out := bufs[inCount]

	fd := -1
	if s.opts.ExternalOut {
		f, err := s.externalOut(size)
		if err != nil {
			return res, fmt.Errorf("camera %d: %w", s.cameraID, err)
		}
		defer func() {
			f.Close()
			os.Remove(f.Name())
		}()
		fd = int(f.Fd())
	}

	logger.Debugf("%d capture buffer(s) of %s", inCount, utils.FormatBytes(int64(size)))
	for frame := 0; frame < s.opts.Frames; frame++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if s.opts.ParamEvery > 0 && frame > 0 && frame%s.opts.ParamEvery == 0 {
			if err := inst.AsyncParamUpdate(s.opts.Gain, s.cfg.IsTnrParamForceUpdate()); err != nil {
				return res, fmt.Errorf("camera %d: frame %d: %w", s.cameraID, frame, err)
			}
		}

		in := bufs[frame%inCount]
		fillFrame(in, frame)
		if err := s.runFrame(in, out, size, param, frame == 0, fd); err != nil {
			return res, fmt.Errorf("camera %d: frame %d: %w", s.cameraID, frame, err)
		}
	}

	if sess, ok := s.svc.Session(int32(s.cameraID), s.tnrType); ok {
		res.Frames = sess.Frames
		res.ParamUpdates = sess.ParamUpdates
	}

	signalReady()
	<-s.release
	logger.Debug("session complete")
	return res, nil
}

func (s *session) runFrame(in, out []byte, size uint32, param []byte, syncUpdate bool, fd int) error {
	if s.global != nil {
		s.global.Lock()
		defer s.global.Unlock()
	}
	return s.instance.RunFrame(in, out, size, size, param, syncUpdate, fd)
}

// externalOut creates a file of size bytes next to the segments, standing
// in for a buffer owned by another component.
func (s *session) externalOut(size uint32) (*os.File, error) {
	f, err := os.CreateTemp(s.alloc.Dir(), fmt.Sprintf("%sext-%d-*", s.alloc.Prefix(), s.cameraID))
	if err != nil {
		return nil, fmt.Errorf("cannot create external output buffer: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("cannot size external output buffer: %w", err)
	}
	return f, nil
}

// fillFrame writes a frame-dependent ramp into buf.
func fillFrame(buf []byte, frame int) {
	for i := range buf {
		buf[i] = byte(i + frame)
	}
}

// ──────────────────────────────────────────────
//  output
// ──────────────────────────────────────────────

func printSessions(w io.Writer, results []sessionResult) {
	table := tablewriter.NewTable(w)
	table.Header("CAMERA", "TYPE", "INSTANCE", "SURFACE", "BUFFERS", "FRAMES", "PARAM UPDATES")
	for _, r := range results {
		table.Append(
			fmt.Sprintf("%d", r.Camera),
			r.Type,
			r.Instance,
			utils.FormatBytes(int64(r.SurfaceSize)),
			fmt.Sprintf("%d", r.CamBufs),
			fmt.Sprintf("%d", r.Frames),
			fmt.Sprintf("%d", r.ParamUpdates),
		)
	}
	table.Render()
}

func printStats(w io.Writer, snap metrics.Snapshot) {
	table := tablewriter.NewTable(w)
	table.Header("COMMAND", "REQUESTS", "FAILURES")
	for _, c := range snap.Commands {
		table.Append(c.Command, fmt.Sprintf("%d", c.Requests), fmt.Sprintf("%d", c.Failures))
	}
	table.Render()

	fmt.Fprintf(w, "segments: %d allocated, %d released, %s live (uptime %s)\n",
		snap.SegmentsAllocated, snap.SegmentsReleased, utils.FormatBytes(snap.BytesLive), snap.Uptime)
	if snap.LastError != "" {
		fmt.Fprintf(w, "last error: %s (%s)\n", snap.LastError, snap.LastErrorAt)
	}
}
