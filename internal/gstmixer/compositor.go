package gstmixer

import (
	"fmt"
	"sync"

	"github.com/tinyzimmer/go-gst/gst"

	"github.com/e7canasta/stylemixer"
)

// geometrySink receives the source-side part of a geometry (scale and
// crop). Port pipes implement it.
type geometrySink interface {
	applySource(g stylemixer.Geometry)
}

type input struct {
	pad  *gst.Pad
	port int
	sink geometrySink
}

// Compositor implements stylemixer.Compositor on a compositor element.
// Input handles are small positive integers, never reused.
type Compositor struct {
	graph *Graph

	mu     sync.Mutex
	next   int
	inputs map[int]*input
}

// NewCompositor wraps the graph's compositor element.
func NewCompositor(graph *Graph) *Compositor {
	return &Compositor{
		graph:  graph,
		inputs: make(map[int]*input),
	}
}

// RequestInput requests a new sink pad. New inputs start hidden above the
// background.
func (c *Compositor) RequestInput(portID int) (int, error) {
	c.graph.mu.Lock()
	pad := c.graph.compositor.GetRequestPad("sink_%u")
	c.graph.mu.Unlock()
	if pad == nil {
		return 0, fmt.Errorf("gstmixer: could not request pad sink_%%u for port %d", portID)
	}

	pad.SetProperty("zorder", uint(portID))
	pad.SetProperty("alpha", 0.0)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	c.inputs[c.next] = &input{pad: pad, port: portID}
	return c.next, nil
}

// pad returns the compositor pad of an input.
func (c *Compositor) pad(handle int) (*gst.Pad, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	in, ok := c.inputs[handle]
	if !ok {
		return nil, fmt.Errorf("gstmixer: unknown input %d", handle)
	}
	return in.pad, nil
}

// bind associates the pipe feeding an input so that it receives scale and
// crop updates.
func (c *Compositor) bind(handle int, sink geometrySink) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if in, ok := c.inputs[handle]; ok {
		in.sink = sink
	}
}

// SetInputGeometry places an input. Hidden inputs keep their last position
// with zero alpha.
func (c *Compositor) SetInputGeometry(handle int, g stylemixer.Geometry) error {
	c.mu.Lock()
	in, ok := c.inputs[handle]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("gstmixer: unknown input %d", handle)
	}

	if !g.Visible() {
		return in.pad.SetProperty("alpha", 0.0)
	}

	props := []struct {
		name  string
		value any
	}{
		{"xpos", g.X},
		{"ypos", g.Y},
		{"width", g.Width},
		{"height", g.Height},
		{"alpha", g.Alpha},
	}
	for _, p := range props {
		if err := in.pad.SetProperty(p.name, p.value); err != nil {
			return fmt.Errorf("gstmixer: failed to set %s on input %d: %w", p.name, handle, err)
		}
	}

	if in.sink != nil {
		in.sink.applySource(g)
	}
	return nil
}

// ReleaseInput releases the compositor pad of an input.
func (c *Compositor) ReleaseInput(handle int) error {
	c.mu.Lock()
	in, ok := c.inputs[handle]
	delete(c.inputs, handle)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("gstmixer: unknown input %d", handle)
	}

	c.graph.mu.Lock()
	c.graph.compositor.ReleaseRequestPad(in.pad)
	c.graph.mu.Unlock()

	c.graph.logger.Debug("gstmixer: input released", "input", handle, "port_id", in.port)
	return nil
}

// Inputs returns the number of allocated inputs.
func (c *Compositor) Inputs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inputs)
}
