// Package mixertest provides recording fakes of the mixer's collaborators.
//
// Every fake is safe for concurrent use. Pipes deliver media and
// end-of-stream only when the test asks them to (DeliverMedia, DeliverEOS),
// or synchronously from SendEOS when SyncEOS is set.
package mixertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/e7canasta/stylemixer"
)

// Compositor records input allocation and geometry.
type Compositor struct {
	// RequestErr, when set, fails every RequestInput.
	RequestErr error

	mu       sync.Mutex
	next     int
	live     map[int]int // input -> port id
	geometry map[int]stylemixer.Geometry
	released []int
	sets     int
}

// NewCompositor creates an empty compositor.
func NewCompositor() *Compositor {
	return &Compositor{
		live:     make(map[int]int),
		geometry: make(map[int]stylemixer.Geometry),
	}
}

func (c *Compositor) RequestInput(portID int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.RequestErr != nil {
		return 0, c.RequestErr
	}
	c.next++
	c.live[c.next] = portID
	return c.next, nil
}

func (c *Compositor) SetInputGeometry(input int, g stylemixer.Geometry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live[input]; !ok {
		return fmt.Errorf("mixertest: geometry for released input %d", input)
	}
	c.geometry[input] = g
	c.sets++
	return nil
}

func (c *Compositor) ReleaseInput(input int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.live[input]; !ok {
		return fmt.Errorf("mixertest: double release of input %d", input)
	}
	delete(c.live, input)
	delete(c.geometry, input)
	c.released = append(c.released, input)
	return nil
}

// GeometryOf returns the last geometry applied to the live input of portID.
func (c *Compositor) GeometryOf(portID int) (stylemixer.Geometry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for input, id := range c.live {
		if id == portID {
			g, ok := c.geometry[input]
			return g, ok
		}
	}
	return stylemixer.Geometry{}, false
}

// Live returns the port ids with a live input, sorted.
func (c *Compositor) Live() []int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int, 0, len(c.live))
	for _, id := range c.live {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Released returns released input handles in release order.
func (c *Compositor) Released() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.released...)
}

// GeometrySets returns the number of successful SetInputGeometry calls.
func (c *Compositor) GeometrySets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sets
}

// Overlay records descriptors and backgrounds.
type Overlay struct {
	mu          sync.Mutex
	styles      []stylemixer.OverlayDescriptor
	backgrounds []string
}

func (o *Overlay) SetStyle(d stylemixer.OverlayDescriptor) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.styles = append(o.styles, d)
	return nil
}

func (o *Overlay) SetBackground(path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backgrounds = append(o.backgrounds, path)
	return nil
}

// Last returns the most recent descriptor.
func (o *Overlay) Last() (stylemixer.OverlayDescriptor, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.styles) == 0 {
		return stylemixer.OverlayDescriptor{}, false
	}
	return o.styles[len(o.styles)-1], true
}

// Updates returns the number of SetStyle calls.
func (o *Overlay) Updates() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.styles)
}

// Backgrounds returns every path passed to SetBackground.
func (o *Overlay) Backgrounds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.backgrounds...)
}

// Pipe is a fake per-port media pipe.
type Pipe struct {
	portID int
	events stylemixer.PipeEvents

	// SyncEOS makes SendEOS deliver OnEndOfStream before returning.
	SyncEOS bool
	// RefuseEOS makes SendEOS report that the marker was not sent.
	RefuseEOS bool
	// LinkErr, when set, fails Link.
	LinkErr error

	linked    atomic.Int64
	eosSent   atomic.Int64
	teardowns atomic.Int64
}

// PortID returns the port the pipe was created for.
func (p *Pipe) PortID() int {
	return p.portID
}

// DeliverMedia simulates the first media unit reaching the attach point.
func (p *Pipe) DeliverMedia() {
	p.events.OnFirstMedia(p.portID)
}

// DeliverEOS simulates an end-of-stream marker reaching the attach point.
func (p *Pipe) DeliverEOS() {
	p.events.OnEndOfStream(p.portID)
}

func (p *Pipe) Link(input int) error {
	if p.LinkErr != nil {
		return p.LinkErr
	}
	p.linked.Store(int64(input))
	return nil
}

func (p *Pipe) SendEOS() bool {
	p.eosSent.Add(1)
	if p.RefuseEOS {
		return false
	}
	if p.SyncEOS {
		p.events.OnEndOfStream(p.portID)
	}
	return true
}

func (p *Pipe) Teardown() error {
	p.teardowns.Add(1)
	return nil
}

// LinkedInput returns the input the pipe is linked to, or 0.
func (p *Pipe) LinkedInput() int {
	return int(p.linked.Load())
}

// EOSSent returns the number of SendEOS calls.
func (p *Pipe) EOSSent() int {
	return int(p.eosSent.Load())
}

// TornDown reports whether Teardown ran.
func (p *Pipe) TornDown() bool {
	return p.teardowns.Load() > 0
}

// Teardowns returns the number of Teardown calls.
func (p *Pipe) Teardowns() int {
	return int(p.teardowns.Load())
}

// Pipes is a fake PipeFactory.
type Pipes struct {
	// Err, when set, fails CreatePipe.
	Err error
	// Configure is applied to each new pipe before it is returned.
	Configure func(*Pipe)

	mu    sync.Mutex
	pipes map[int]*Pipe
}

// NewPipes creates an empty factory.
func NewPipes() *Pipes {
	return &Pipes{pipes: make(map[int]*Pipe)}
}

func (f *Pipes) CreatePipe(portID int, events stylemixer.PipeEvents) (stylemixer.PortPipe, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	p := &Pipe{portID: portID, events: events}
	if f.Configure != nil {
		f.Configure(p)
	}

	f.mu.Lock()
	f.pipes[portID] = p
	f.mu.Unlock()
	return p, nil
}

// Get returns the pipe created for portID, or nil.
func (f *Pipes) Get(portID int) *Pipe {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipes[portID]
}

// Endpoint is a fake hub endpoint with a settable view id.
type Endpoint struct {
	view atomic.Int64
}

// NewEndpoint creates an endpoint asking for view.
func NewEndpoint(view int) *Endpoint {
	e := &Endpoint{}
	e.view.Store(int64(view))
	return e
}

func (e *Endpoint) ViewID() int {
	return int(e.view.Load())
}

// SetViewID changes the requested view.
func (e *Endpoint) SetViewID(view int) {
	e.view.Store(int64(view))
}

// AudioMixer announces an "audio_src_<id>" pad synchronously from
// RequestSink and removes it in ReleaseSink.
type AudioMixer struct {
	mu     sync.Mutex
	sinks  map[int]bool
	subs   map[int]func(stylemixer.AudioPadEvent)
	nextID int
}

// NewAudioMixer creates an audio mixer without sinks.
func NewAudioMixer() *AudioMixer {
	return &AudioMixer{
		sinks: make(map[int]bool),
		subs:  make(map[int]func(stylemixer.AudioPadEvent)),
	}
}

func (a *AudioMixer) RequestSink(portID int) error {
	a.mu.Lock()
	if a.sinks[portID] {
		a.mu.Unlock()
		return fmt.Errorf("mixertest: sink for port %d already requested", portID)
	}
	a.sinks[portID] = true
	a.mu.Unlock()

	a.emit(stylemixer.AudioPadEvent{
		Kind:    stylemixer.AudioPadAdded,
		PadName: stylemixer.AudioPadName(portID),
		Pad:     portID,
	})
	return nil
}

func (a *AudioMixer) ReleaseSink(portID int) error {
	a.mu.Lock()
	if !a.sinks[portID] {
		a.mu.Unlock()
		return errors.New("mixertest: release of unknown sink")
	}
	delete(a.sinks, portID)
	a.mu.Unlock()

	a.emit(stylemixer.AudioPadEvent{
		Kind:    stylemixer.AudioPadRemoved,
		PadName: stylemixer.AudioPadName(portID),
		Pad:     portID,
	})
	return nil
}

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

// Announce emits an arbitrary pad event to subscribers.
func (a *AudioMixer) Announce(ev stylemixer.AudioPadEvent) {
	a.emit(ev)
}

// Sinks returns the port ids with a live sink, sorted.
func (a *AudioMixer) Sinks() []int {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]int, 0, len(a.sinks))
	for id := range a.sinks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
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

// AudioRouter records bridged pads.
type AudioRouter struct {
	mu     sync.Mutex
	linked map[int]any
}

// NewAudioRouter creates a router without bridges.
func NewAudioRouter() *AudioRouter {
	return &AudioRouter{linked: make(map[int]any)}
}

func (r *AudioRouter) LinkAudio(portID int, pad any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked[portID] = pad
	return nil
}

func (r *AudioRouter) UnlinkAudio(portID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.linked[portID]; !ok {
		return fmt.Errorf("mixertest: port %d not bridged", portID)
	}
	delete(r.linked, portID)
	return nil
}

// Bridged reports whether portID has audio bridged.
func (r *AudioRouter) Bridged(portID int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.linked[portID]
	return ok
}

// Resolver maps background URIs to paths without touching the network.
type Resolver struct {
	// Err, when set, fails every Resolve.
	Err error

	calls atomic.Int64
}

func (r *Resolver) Resolve(ctx context.Context, uri string) (string, error) {
	r.calls.Add(1)
	if r.Err != nil {
		return "", r.Err
	}
	if uri == "" {
		return "", nil
	}
	return "/scratch/" + uri, nil
}

// Calls returns the number of Resolve calls.
func (r *Resolver) Calls() int {
	return int(r.calls.Load())
}

// Rig bundles a fake of every collaborator.
type Rig struct {
	Compositor *Compositor
	Overlay    *Overlay
	Pipes      *Pipes
	Audio      *AudioMixer
	Router     *AudioRouter
	Resolver   *Resolver
}

// NewRig creates fresh fakes.
func NewRig() *Rig {
	return &Rig{
		Compositor: NewCompositor(),
		Overlay:    &Overlay{},
		Pipes:      NewPipes(),
		Audio:      NewAudioMixer(),
		Router:     NewAudioRouter(),
		Resolver:   &Resolver{},
	}
}

// Options returns mixer options wired to the rig.
func (r *Rig) Options() stylemixer.Options {
	return stylemixer.Options{
		Compositor:  r.Compositor,
		Overlay:     r.Overlay,
		Pipes:       r.Pipes,
		AudioMixer:  r.Audio,
		AudioRouter: r.Router,
		Backgrounds: r.Resolver,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}
