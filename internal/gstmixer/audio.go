package gstmixer

import (
	"fmt"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/stylemixer"
)

type audioPort struct {
	sink *gst.Pad // audiomixer input
	mix  *gst.Pad // tee output carrying the mix back to the port
}

// AudioMixer implements stylemixer.AudioMixer on an audiomixer element
// followed by a tee. Every port gets an audiomixer sink pad and a tee
// branch announced as "audio_src_<id>".
type AudioMixer struct {
	graph *Graph

	mu     sync.Mutex
	ports  map[int]*audioPort
	subs   map[int]func(stylemixer.AudioPadEvent)
	nextID int
}

// NewAudioMixer wraps the graph's audio mixer.
func NewAudioMixer(graph *Graph) *AudioMixer {
	return &AudioMixer{
		graph: graph,
		ports: make(map[int]*audioPort),
		subs:  make(map[int]func(stylemixer.AudioPadEvent)),
	}
}

// RequestSink allocates the port's mixer input and mix output, then
// announces the output pad.
func (a *AudioMixer) RequestSink(portID int) error {
	a.graph.mu.Lock()
	sink := a.graph.amix.GetRequestPad("sink_%u")
	var mix *gst.Pad
	if sink != nil {
		mix = a.graph.tee.GetRequestPad("src_%u")
		if mix == nil {
			a.graph.amix.ReleaseRequestPad(sink)
		}
	}
	a.graph.mu.Unlock()

	if sink == nil || mix == nil {
		return fmt.Errorf("gstmixer: could not request audio pads for port %d", portID)
	}

	a.mu.Lock()
	a.ports[portID] = &audioPort{sink: sink, mix: mix}
	a.mu.Unlock()

	a.emit(stylemixer.AudioPadEvent{
		Kind:    stylemixer.AudioPadAdded,
		PadName: stylemixer.AudioPadName(portID),
		Pad:     mix,
	})
	return nil
}

// ReleaseSink announces the removal of the port's mix pad and releases
// both pads.
func (a *AudioMixer) ReleaseSink(portID int) error {
	a.mu.Lock()
	ap, ok := a.ports[portID]
	delete(a.ports, portID)
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("gstmixer: no audio sink for port %d", portID)
	}

	a.emit(stylemixer.AudioPadEvent{
		Kind:    stylemixer.AudioPadRemoved,
		PadName: stylemixer.AudioPadName(portID),
		Pad:     ap.mix,
	})

	a.graph.mu.Lock()
	a.graph.tee.ReleaseRequestPad(ap.mix)
	a.graph.amix.ReleaseRequestPad(ap.sink)
	a.graph.mu.Unlock()
	return nil
}

// SinkPad returns the audiomixer input of a port, or nil.
func (a *AudioMixer) SinkPad(portID int) *gst.Pad {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ap, ok := a.ports[portID]; ok {
		return ap.sink
	}
	return nil
}

// Subscribe registers fn for pad announcements.
func (a *AudioMixer) Subscribe(fn func(stylemixer.AudioPadEvent)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	id := a.nextID
	a.subs[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subs, id)
	}
}

func (a *AudioMixer) emit(ev stylemixer.AudioPadEvent) {
	a.mu.Lock()
	subs := make([]func(stylemixer.AudioPadEvent), 0, len(a.subs))
	for _, fn := range a.subs {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
