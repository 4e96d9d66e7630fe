package gstmixer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/stylemixer"
)

const (
	audioInLaunch  = "audioconvert ! audioresample ! queue"
	audioOutLaunch = "queue ! fakesink sync=false async=false"
)

// ErrUnknownSource is returned for a source id the hub does not know.
var ErrUnknownSource = errors.New("gstmixer: unknown source")

// PortController is the part of the mixer the hub drives.
type PortController interface {
	AddPort(ep stylemixer.Endpoint) (int, error)
	RemovePort(id int)
	Relayout()
}

// SourceInfo describes an attached source.
type SourceInfo struct {
	PortID int    `json:"port_id"`
	URI    string `json:"uri"`
	ViewID int    `json:"view_id"`
}

type source struct {
	portID int
	uri    string
	view   atomic.Int32

	decode  *gst.Element
	audioIn *gst.Bin
}

func (s *source) ViewID() int {
	return int(s.view.Load())
}

// SourceHub attaches media sources (anything uridecodebin can open) as
// mixer ports and implements stylemixer.AudioRouter for their audio.
type SourceHub struct {
	graph  *Graph
	pipes  *Pipes
	audio  *AudioMixer
	logger *slog.Logger

	mu      sync.Mutex
	ports   PortController
	sources map[int]*source
	outputs map[int]*gst.Bin // audio outputs by port; outlive their source
}

// NewSourceHub creates a hub over the graph's collaborators. Bind must be
// called with the mixer before sources are attached.
func NewSourceHub(graph *Graph, pipes *Pipes, audio *AudioMixer) *SourceHub {
	return &SourceHub{
		graph:   graph,
		pipes:   pipes,
		audio:   audio,
		logger:  graph.logger,
		sources: make(map[int]*source),
		outputs: make(map[int]*gst.Bin),
	}
}

// Bind sets the mixer the hub registers ports with.
func (h *SourceHub) Bind(ports PortController) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ports = ports
}

func (h *SourceHub) controller() (PortController, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ports == nil {
		return nil, fmt.Errorf("gstmixer: hub not bound to a mixer")
	}
	return h.ports, nil
}

// AttachSource registers a new port for uri and starts decoding it. The
// port becomes active when its first video buffer reaches the pipe.
func (h *SourceHub) AttachSource(uri string, viewID int) (int, error) {
	if uri == "" {
		return 0, fmt.Errorf("gstmixer: source uri is required")
	}
	ports, err := h.controller()
	if err != nil {
		return 0, err
	}

	src := &source{uri: uri}
	src.view.Store(int32(viewID))

	id, err := ports.AddPort(src)
	if err != nil {
		return 0, fmt.Errorf("gstmixer: failed to add port for %s: %w", uri, err)
	}
	src.portID = id

	decode, err := gst.NewElement("uridecodebin")
	if err != nil {
		ports.RemovePort(id)
		return 0, fmt.Errorf("gstmixer: failed to create element uridecodebin: %w", err)
	}
	decode.SetProperty("uri", uri)
	decode.SetProperty("name", fmt.Sprintf("source%d", id))
	src.decode = decode

	decode.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		h.onSourcePad(src, srcPad)
	})

	h.mu.Lock()
	h.sources[id] = src
	h.mu.Unlock()

	h.graph.mu.Lock()
	err = h.graph.pipeline.Add(decode)
	if err == nil && !decode.SyncStateWithParent() {
		err = fmt.Errorf("failed to sync state of %s", decode.GetName())
	}
	h.graph.mu.Unlock()
	if err != nil {
		h.DetachSource(id)
		return 0, fmt.Errorf("gstmixer: source %d: %w", id, err)
	}

	h.logger.Info("gstmixer: source attached", "port_id", id, "uri", uri, "view_id", viewID)
	return id, nil
}

// onSourcePad links a decoded pad by media type: video into the port
// pipe, audio into the audio mixer.
func (h *SourceHub) onSourcePad(src *source, srcPad *gst.Pad) {
	caps := srcPad.GetCurrentCaps()
	if caps == nil {
		caps = srcPad.QueryCaps(nil)
	}
	if caps == nil || caps.GetSize() == 0 {
		h.logger.Warn("gstmixer: source pad without caps", "port_id", src.portID, "pad", srcPad.GetName())
		return
	}
	media := caps.GetStructureAt(0).Name()

	h.logger.Debug("gstmixer: pad-added signal received",
		"port_id", src.portID,
		"pad", srcPad.GetName(),
		"media", media,
	)

	switch {
	case strings.HasPrefix(media, "video/"):
		pipe := h.pipes.Get(src.portID)
		if pipe == nil {
			h.logger.Warn("gstmixer: no pipe for video pad", "port_id", src.portID)
			return
		}
		if ret := srcPad.Link(pipe.SinkPad()); ret != gst.PadLinkOK {
			h.logger.Error("gstmixer: failed to link video pad", "port_id", src.portID, "ret", ret)
		}

	case strings.HasPrefix(media, "audio/"):
		if err := h.linkAudioIn(src, srcPad); err != nil {
			h.logger.Error("gstmixer: failed to link audio pad",
				"port_id", src.portID,
				"error", err,
				"category", stylemixer.ClassifyError(err).String(),
			)
		}

	default:
		h.logger.Debug("gstmixer: ignoring pad", "port_id", src.portID, "media", media)
	}
}

func (h *SourceHub) linkAudioIn(src *source, srcPad *gst.Pad) error {
	sink := h.audio.SinkPad(src.portID)
	if sink == nil {
		return fmt.Errorf("no audio sink for port %d", src.portID)
	}

	bin, err := gst.NewBinFromString(audioInLaunch, true)
	if err != nil {
		return fmt.Errorf("failed to create element chain: %w", err)
	}
	if err := h.graph.addBin(bin); err != nil {
		return err
	}

	if ret := srcPad.Link(bin.GetStaticPad("sink")); ret != gst.PadLinkOK {
		h.graph.removeBin(bin)
		return fmt.Errorf("failed to link decoder to audio chain: %v", ret)
	}
	if ret := bin.GetStaticPad("src").Link(sink); ret != gst.PadLinkOK {
		h.graph.removeBin(bin)
		return fmt.Errorf("failed to link audio chain to mixer: %v", ret)
	}

	h.mu.Lock()
	src.audioIn = bin
	h.mu.Unlock()
	return nil
}

// DetachSource removes a source. The port is released through the mixer,
// which drains the pipe before tearing it down.
func (h *SourceHub) DetachSource(id int) error {
	h.mu.Lock()
	src, ok := h.sources[id]
	delete(h.sources, id)
	ports := h.ports
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, id)
	}

	if ports != nil {
		ports.RemovePort(id)
	}

	h.mu.Lock()
	audioIn := src.audioIn
	src.audioIn = nil
	h.mu.Unlock()

	// Same ordering as removeBin: stop first, then take graph.mu.
	var errs []error
	if src.decode != nil {
		if err := src.decode.SetState(gst.StateNull); err != nil {
			errs = append(errs, err)
		}
	}
	if audioIn != nil {
		audioIn.SetState(gst.StateNull)
	}

	h.graph.mu.Lock()
	if src.decode != nil {
		if err := h.graph.pipeline.Remove(src.decode); err != nil {
			errs = append(errs, err)
		}
	}
	if audioIn != nil {
		h.graph.pipeline.Remove(audioIn.Element)
	}
	h.graph.mu.Unlock()

	h.logger.Info("gstmixer: source detached", "port_id", id, "uri", src.uri)
	if len(errs) > 0 {
		return fmt.Errorf("gstmixer: source %d: %w", id, errors.Join(errs...))
	}
	return nil
}

// BindView rebinds a source to a view slot and forces a relayout.
func (h *SourceHub) BindView(id, viewID int) error {
	h.mu.Lock()
	src, ok := h.sources[id]
	ports := h.ports
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownSource, id)
	}

	src.view.Store(int32(viewID))
	if ports != nil {
		ports.Relayout()
	}
	return nil
}

// Sources lists the attached sources ordered by port id.
func (h *SourceHub) Sources() []SourceInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]SourceInfo, 0, len(h.sources))
	for id, src := range h.sources {
		out = append(out, SourceInfo{PortID: id, URI: src.uri, ViewID: src.ViewID()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PortID < out[j].PortID })
	return out
}

// DetachAll removes every source.
func (h *SourceHub) DetachAll() {
	for _, info := range h.Sources() {
		if err := h.DetachSource(info.PortID); err != nil {
			h.logger.Warn("gstmixer: detach failed", "port_id", info.PortID, "error", err)
		}
	}
}

// LinkAudio connects the port's mix pad to the port's audio output.
func (h *SourceHub) LinkAudio(portID int, pad any) error {
	mix, ok := pad.(*gst.Pad)
	if !ok || mix == nil {
		return fmt.Errorf("gstmixer: port %d: audio pad is not a GStreamer pad", portID)
	}

	bin, err := gst.NewBinFromString(audioOutLaunch, true)
	if err != nil {
		return fmt.Errorf("gstmixer: port %d: failed to create element chain: %w", portID, err)
	}
	if err := h.graph.addBin(bin); err != nil {
		return err
	}
	if ret := mix.Link(bin.GetStaticPad("sink")); ret != gst.PadLinkOK {
		h.graph.removeBin(bin)
		return fmt.Errorf("gstmixer: port %d: failed to link audio mix: %v", portID, ret)
	}

	h.mu.Lock()
	h.outputs[portID] = bin
	h.mu.Unlock()

	h.logger.Debug("gstmixer: audio bridged", "port_id", portID, "pad", mix.GetName())
	return nil
}

// UnlinkAudio removes the port's audio output. The source is usually
// detached by then.
func (h *SourceHub) UnlinkAudio(portID int) error {
	h.mu.Lock()
	bin := h.outputs[portID]
	delete(h.outputs, portID)
	h.mu.Unlock()

	if bin == nil {
		return nil
	}
	if peer := bin.GetStaticPad("sink").GetPeer(); peer != nil {
		peer.Unlink(bin.GetStaticPad("sink"))
	}
	return h.graph.removeBin(bin)
}
