package gstmixer

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/stylemixer"
)

// attachRetryInterval throttles attachment retries after a failed attach.
const attachRetryInterval = time.Second

// pipeLaunch is the per-port chain. The bin gets ghost pads "sink" (head)
// and "src" (tail).
const pipeLaunch = "queue name=head max-size-buffers=5 leaky=downstream ! videoconvert ! videorate ! videoscale ! capsfilter name=scale ! videocrop name=crop"

// Pipes implements stylemixer.PipeFactory.
type Pipes struct {
	graph      *Graph
	compositor *Compositor

	mu    sync.Mutex
	pipes map[int]*Pipe
}

// NewPipes creates a factory that adds pipes to graph and links them to
// compositor inputs.
func NewPipes(graph *Graph, compositor *Compositor) *Pipes {
	return &Pipes{
		graph:      graph,
		compositor: compositor,
		pipes:      make(map[int]*Pipe),
	}
}

// CreatePipe builds the chain for portID, adds it to the pipeline and
// installs the first-media and end-of-stream probes on its tail.
func (f *Pipes) CreatePipe(portID int, events stylemixer.PipeEvents) (stylemixer.PortPipe, error) {
	bin, err := gst.NewBinFromString(pipeLaunch, true)
	if err != nil {
		return nil, fmt.Errorf("gstmixer: failed to create element chain for port %d: %w", portID, err)
	}
	bin.SetProperty("name", fmt.Sprintf("port%d", portID))

	scale, err := bin.GetElementByName("scale")
	if err != nil {
		return nil, fmt.Errorf("gstmixer: port %d: %w", portID, err)
	}
	crop, err := bin.GetElementByName("crop")
	if err != nil {
		return nil, fmt.Errorf("gstmixer: port %d: %w", portID, err)
	}

	head := bin.GetStaticPad("sink")
	tail := bin.GetStaticPad("src")
	if head == nil || tail == nil {
		return nil, fmt.Errorf("gstmixer: port %d: chain has no ghost pads", portID)
	}

	cfg := f.graph.cfg
	scale.SetProperty("caps", gst.NewCapsFromString(canvasCaps(cfg.Width, cfg.Height, cfg.FrameRate)))

	p := &Pipe{
		portID:     portID,
		factory:    f,
		events:     events,
		bin:        bin,
		head:       head,
		tail:       tail,
		scale:      scale,
		crop:       crop,
		compositor: f.compositor,
	}

	if err := f.graph.addBin(bin); err != nil {
		return nil, err
	}

	tail.AddProbe(gst.PadProbeTypeBuffer, p.onBuffer)
	tail.AddProbe(gst.PadProbeTypeEventDownstream, p.onEvent)

	f.mu.Lock()
	f.pipes[portID] = p
	f.mu.Unlock()

	f.graph.logger.Debug("gstmixer: port pipe created", "port_id", portID)
	return p, nil
}

// Get returns the live pipe of a port, or nil.
func (f *Pipes) Get(portID int) *Pipe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipes[portID]
}

func (f *Pipes) forget(portID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pipes, portID)
}

type sourceGeometry struct {
	width, height, fps int
	crop               stylemixer.Crop
}

// Pipe is the private chain of one port.
type Pipe struct {
	portID     int
	factory    *Pipes
	events     stylemixer.PipeEvents
	compositor *Compositor

	bin         *gst.Bin
	head, tail  *gst.Pad
	scale, crop *gst.Element

	attached    atomic.Bool
	lastAttempt atomic.Int64

	mu       sync.Mutex
	linkedTo *gst.Pad
	source   sourceGeometry
	tornDown bool
}

// SinkPad is where the hub links the port's video.
func (p *Pipe) SinkPad() *gst.Pad {
	return p.head
}

// onBuffer reports the first media unit. It runs on the streaming thread
// before the buffer is pushed, so a link made from OnFirstMedia receives
// this very buffer.
func (p *Pipe) onBuffer(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
	if p.attached.Load() {
		return gst.PadProbeRemove
	}

	now := time.Now().UnixNano()
	if last := p.lastAttempt.Load(); last != 0 && now-last < int64(attachRetryInterval) {
		return gst.PadProbeDrop
	}
	p.lastAttempt.Store(now)

	p.events.OnFirstMedia(p.portID)

	if p.attached.Load() {
		return gst.PadProbeRemove
	}
	// Not attached; drop until the next attempt.
	return gst.PadProbeDrop
}

// onEvent swallows end-of-stream so it never reaches the compositor.
func (p *Pipe) onEvent(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
	ev := info.GetEvent()
	if ev == nil || ev.Type() != gst.EventTypeEOS {
		return gst.PadProbeOK
	}

	p.events.OnEndOfStream(p.portID)
	return gst.PadProbeDrop
}

// Link connects the tail to a compositor input. Called from onBuffer via
// OnFirstMedia.
func (p *Pipe) Link(handle int) error {
	compPad, err := p.compositor.pad(handle)
	if err != nil {
		return err
	}

	if ret := p.tail.Link(compPad); ret != gst.PadLinkOK {
		return fmt.Errorf("gstmixer: failed to link port %d to input %d: %v", p.portID, handle, ret)
	}

	p.mu.Lock()
	p.linkedTo = compPad
	p.mu.Unlock()

	p.compositor.bind(handle, p)
	p.attached.Store(true)
	return nil
}

// SendEOS pushes an end-of-stream event into the head of the chain.
func (p *Pipe) SendEOS() bool {
	p.mu.Lock()
	torn := p.tornDown
	p.mu.Unlock()
	if torn {
		return false
	}
	return p.head.SendEvent(gst.NewEOSEvent())
}

// Teardown unlinks the chain from the hub and the compositor and removes
// it from the pipeline.
func (p *Pipe) Teardown() error {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return nil
	}
	p.tornDown = true
	linkedTo := p.linkedTo
	p.linkedTo = nil
	p.mu.Unlock()

	if peer := p.head.GetPeer(); peer != nil {
		peer.Unlink(p.head)
	}
	if linkedTo != nil {
		p.tail.Unlink(linkedTo)
	}

	p.factory.forget(p.portID)
	if err := p.factory.graph.removeBin(p.bin); err != nil {
		return fmt.Errorf("gstmixer: port %d: %w", p.portID, err)
	}
	return nil
}

// applySource updates the scale caps and crop for a visible geometry.
func (p *Pipe) applySource(g stylemixer.Geometry) {
	if g.SourceWidth <= 0 || g.SourceHeight <= 0 {
		return
	}
	next := sourceGeometry{
		width:  g.SourceWidth,
		height: g.SourceHeight,
		fps:    g.FrameRate,
		crop:   g.Crop,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tornDown || next == p.source {
		return
	}

	if next.width != p.source.width || next.height != p.source.height || next.fps != p.source.fps {
		fps := next.fps
		if fps <= 0 {
			fps = p.factory.graph.cfg.FrameRate
		}
		p.scale.SetProperty("caps", gst.NewCapsFromString(canvasCaps(next.width, next.height, fps)))
	}
	p.crop.SetProperty("top", next.crop.Top)
	p.crop.SetProperty("bottom", next.crop.Bottom)
	p.crop.SetProperty("left", next.crop.Left)
	p.crop.SetProperty("right", next.crop.Right)

	p.source = next
}
