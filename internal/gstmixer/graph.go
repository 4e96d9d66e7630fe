// Package gstmixer implements the mixer's collaborators on GStreamer.
//
// The static part of the graph is built from a launch description so that
// enum properties can be given by nick:
//
//	videotestsrc(black) → gdkpixbufoverlay(background) → capsfilter(canvas) ─┐
//	port pipes (queue → videoconvert → videorate → videoscale → capsfilter   │
//	            → videocrop) ─────────────────────────────────────────────▶ compositor
//	compositor → capsfilter(canvas) → textoverlay × views → videoconvert → output
//
//	audiotestsrc(silence) → audiomixer → tee ─▶ per-port "audio_src_<id>" branches
//
// Port pipes, compositor inputs and audio branches are added and removed at
// runtime while the pipeline is PLAYING.
package gstmixer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// Element names inside the static graph.
const (
	compositorName = "mix"
	canvasName     = "canvas"
	outCapsName    = "outcaps"
	backgroundName = "background"
	audioMixerName = "amix"
	audioTeeName   = "amixtee"
	captionPrefix  = "caption"
)

// DefaultLatency is the compositor's latency budget for live inputs.
const DefaultLatency = 600 * time.Millisecond

// Config describes the static graph.
type Config struct {
	Width     int
	Height    int
	FrameRate int

	// Views is the number of caption overlays (one per view slot).
	Views int

	// Output is a launch fragment for the output branch
	// (default: "fakesink sync=false").
	Output string

	// Latency is the compositor latency (default: DefaultLatency).
	Latency time.Duration

	Logger *slog.Logger
}

// Graph owns the GStreamer pipeline and the elements the collaborators
// drive.
type Graph struct {
	cfg    Config
	logger *slog.Logger

	pipeline   *gst.Pipeline
	compositor *gst.Element
	tee        *gst.Element
	amix       *gst.Element
	background *gst.Element
	captions   []*gst.Element

	// mu serializes structural changes (adding and removing bins, request
	// pads). Property updates do not take it.
	mu sync.Mutex

	monitorCancel context.CancelFunc
	monitorDone   chan error
}

// CheckAvailable verifies that GStreamer and the elements the graph needs
// can be created.
func CheckAvailable() error {
	gst.Init(nil)

	for _, factory := range []string{"compositor", "audiomixer", "textoverlay", "gdkpixbufoverlay", "videocrop"} {
		elem, err := gst.NewElement(factory)
		if err != nil {
			return fmt.Errorf("gstmixer: element %s not available: %w", factory, err)
		}
		elem.SetState(gst.StateNull)
	}
	return nil
}

// NewGraph builds the static graph. The pipeline stays in NULL until Start.
func NewGraph(cfg Config) (*Graph, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gstmixer: invalid canvas %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("gstmixer: invalid frame rate %d", cfg.FrameRate)
	}
	if cfg.Views <= 0 {
		return nil, fmt.Errorf("gstmixer: at least one view is required")
	}
	if cfg.Output == "" {
		cfg.Output = "fakesink sync=false"
	}
	if cfg.Latency <= 0 {
		cfg.Latency = DefaultLatency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := CheckAvailable(); err != nil {
		return nil, err
	}

	pipeline, err := gst.NewPipelineFromString(launchLine(cfg))
	if err != nil {
		return nil, fmt.Errorf("gstmixer: failed to create pipeline: %w", err)
	}

	g := &Graph{
		cfg:      cfg,
		logger:   cfg.Logger,
		pipeline: pipeline,
	}

	lookups := []struct {
		name string
		dst  **gst.Element
	}{
		{compositorName, &g.compositor},
		{audioTeeName, &g.tee},
		{audioMixerName, &g.amix},
		{backgroundName, &g.background},
	}
	for _, l := range lookups {
		elem, err := pipeline.GetElementByName(l.name)
		if err != nil {
			return nil, fmt.Errorf("gstmixer: element %s missing from graph: %w", l.name, err)
		}
		*l.dst = elem
	}

	for i := 0; i < cfg.Views; i++ {
		elem, err := pipeline.GetElementByName(fmt.Sprintf("%s%d", captionPrefix, i))
		if err != nil {
			return nil, fmt.Errorf("gstmixer: caption %d missing from graph: %w", i, err)
		}
		g.captions = append(g.captions, elem)
	}

	if err := g.setCanvas(cfg.Width, cfg.Height, cfg.FrameRate); err != nil {
		return nil, err
	}

	// The background branch is linked to the first compositor input.
	if bg := g.compositor.GetStaticPad("sink_0"); bg != nil {
		bg.SetProperty("zorder", uint(0))
		bg.SetProperty("width", cfg.Width)
		bg.SetProperty("height", cfg.Height)
	}

	g.logger.Info("gstmixer: graph created",
		"width", cfg.Width,
		"height", cfg.Height,
		"frame_rate", cfg.FrameRate,
		"views", cfg.Views,
		"latency", cfg.Latency,
	)
	return g, nil
}

// launchLine renders the static graph description.
func launchLine(cfg Config) string {
	var b strings.Builder

	fmt.Fprintf(&b, "compositor name=%s background=black latency=%d ! capsfilter name=%s",
		compositorName, cfg.Latency.Nanoseconds(), outCapsName)
	for i := 0; i < cfg.Views; i++ {
		fmt.Fprintf(&b, " ! textoverlay name=%s%d halignment=left valignment=top xpad=0 ypad=0 silent=true",
			captionPrefix, i)
	}
	fmt.Fprintf(&b, " ! videoconvert ! %s", cfg.Output)

	fmt.Fprintf(&b, " videotestsrc pattern=black is-live=true ! gdkpixbufoverlay name=%s alpha=0 ! capsfilter name=%s ! %s.",
		backgroundName, canvasName, compositorName)

	fmt.Fprintf(&b, " audiotestsrc wave=silence is-live=true ! audiomixer name=%s ! tee name=%s allow-not-linked=true ! queue ! fakesink sync=false",
		audioMixerName, audioTeeName)

	return b.String()
}

// canvasCaps returns raw video caps for a canvas.
func canvasCaps(width, height, fps int) string {
	return fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", width, height, fps)
}

func (g *Graph) setCanvas(width, height, fps int) error {
	caps := gst.NewCapsFromString(canvasCaps(width, height, fps))
	for _, name := range []string{canvasName, outCapsName} {
		elem, err := g.pipeline.GetElementByName(name)
		if err != nil {
			return fmt.Errorf("gstmixer: element %s missing from graph: %w", name, err)
		}
		elem.SetProperty("caps", caps)
	}
	return nil
}

// Pipeline returns the underlying pipeline.
func (g *Graph) Pipeline() *gst.Pipeline {
	return g.pipeline
}

// Start sets the pipeline to PLAYING and starts the bus monitor. The
// monitor's result is reported by Wait.
func (g *Graph) Start(ctx context.Context) error {
	if err := g.pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("gstmixer: failed to start pipeline: %w", err)
	}

	monitorCtx, cancel := context.WithCancel(ctx)
	g.monitorCancel = cancel
	g.monitorDone = make(chan error, 1)
	go func() {
		g.monitorDone <- MonitorBus(monitorCtx, g.pipeline, g.logger)
	}()

	g.logger.Info("gstmixer: pipeline started")
	return nil
}

// Wait blocks until the bus monitor exits and returns its error.
func (g *Graph) Wait() error {
	if g.monitorDone == nil {
		return nil
	}
	return <-g.monitorDone
}

// Stop stops the monitor and sets the pipeline to NULL.
func (g *Graph) Stop() error {
	if g.monitorCancel != nil {
		g.monitorCancel()
	}
	if err := g.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstmixer: failed to set pipeline to NULL: %w", err)
	}
	g.logger.Info("gstmixer: pipeline stopped")
	return nil
}

// addBin adds a runtime bin to the pipeline and brings it to the
// pipeline's state.
func (g *Graph) addBin(bin *gst.Bin) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pipeline.Add(bin.Element); err != nil {
		return fmt.Errorf("gstmixer: failed to add %s: %w", bin.GetName(), err)
	}
	if !bin.SyncStateWithParent() {
		return fmt.Errorf("gstmixer: failed to sync state of %s", bin.GetName())
	}
	return nil
}

// removeBin stops a runtime bin and removes it from the pipeline.
//
// The state change happens outside mu: it joins the bin's streaming
// threads, which may be waiting for mu.
func (g *Graph) removeBin(bin *gst.Bin) error {
	if err := bin.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstmixer: failed to stop %s: %w", bin.GetName(), err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.pipeline.Remove(bin.Element); err != nil {
		return fmt.Errorf("gstmixer: failed to remove %s: %w", bin.GetName(), err)
	}
	return nil
}
