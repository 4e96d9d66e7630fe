package stylemixer

import (
	"context"

	"github.com/e7canasta/stylemixer/internal/layout"
	"github.com/e7canasta/stylemixer/internal/layoutbus"
)

// Re-exported layout types.
type (
	// Geometry is the placement of one compositor input.
	Geometry = layout.Geometry
	// Crop is the per-edge source crop of a tile.
	Crop = layout.Crop
	// OverlayDescriptor is what the overlay renderer draws.
	OverlayDescriptor = layout.OverlayDescriptor
	// OverlayView is one captioned rectangle of an OverlayDescriptor.
	OverlayView = layout.OverlayView
	// LayoutResult is the outcome of one layout pass.
	LayoutResult = layout.Result
	// Placement pairs a port with its geometry in a LayoutResult.
	Placement = layout.Placement
	// Snapshot is one layout broadcast.
	Snapshot = layoutbus.Snapshot
)

// Unbound is the view id of an endpoint that does not ask for a view.
const Unbound = layout.Unbound

// Compositor is the control surface of the video blending element.
//
// Implementations must not call back into the Mixer: every method is
// invoked with the Mixer lock held.
type Compositor interface {
	// RequestInput allocates an input for portID and returns its handle.
	// Called on a streaming thread; must not block on the graph state.
	RequestInput(portID int) (int, error)

	// SetInputGeometry applies a placement to an input.
	SetInputGeometry(input int, g Geometry) error

	// ReleaseInput frees an input. Called from the teardown worker only.
	ReleaseInput(input int) error
}

// Overlay is the control surface of the border, caption and background
// renderer. Methods are invoked with the Mixer lock held.
type Overlay interface {
	// SetStyle replaces the complete overlay description. Enable false means
	// background only.
	SetStyle(d OverlayDescriptor) error

	// SetBackground shows the image at a local path. An empty path clears it.
	SetBackground(path string) error
}

// PortPipe is the private media path of one port, from the hub's output to
// a compositor input.
type PortPipe interface {
	// Link wires the pipe into a compositor input. Called on the pipe's own
	// streaming thread from within OnFirstMedia, with the Mixer lock held.
	Link(input int) error

	// SendEOS injects an end-of-stream marker at the head of the pipe. It
	// returns false when the marker cannot be sent, typically because the
	// pipe has already seen EOS. The marker may be observed synchronously:
	// SendEOS is called without the Mixer lock so that OnEndOfStream can
	// run from within it.
	SendEOS() bool

	// Teardown unlinks and disposes the pipe. Called from the teardown
	// worker only; must be idempotent.
	Teardown() error
}

// PipeEvents receives the data-path signals of a pipe. *Mixer implements it.
type PipeEvents interface {
	OnFirstMedia(portID int)
	OnEndOfStream(portID int)
}

// PipeFactory creates the media pipe for a new port. The pipe reports its
// first media unit and end-of-stream to events.
//
// CreatePipe is called with the Mixer lock held; events must not be
// delivered from within it.
type PipeFactory interface {
	CreatePipe(portID int, events PipeEvents) (PortPipe, error)
}

// Endpoint is the hub-side object that owns a port.
type Endpoint interface {
	// ViewID returns the view the endpoint asks to be shown in, or Unbound.
	// It is read with the Mixer lock held on every layout pass and may
	// change at any time; call Mixer.Relayout after changing it.
	ViewID() int
}

// AudioPadKind distinguishes audio pad announcements.
type AudioPadKind int

const (
	AudioPadAdded AudioPadKind = iota
	AudioPadRemoved
)

// String returns a human-readable string representation of the kind
func (k AudioPadKind) String() string {
	switch k {
	case AudioPadAdded:
		return "added"
	case AudioPadRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// AudioPadEvent announces a dynamic pad on the audio mixer. Pads carrying a
// per-port mix are named "audio_src_<port id>".
type AudioPadEvent struct {
	Kind    AudioPadKind
	PadName string
	// Pad is the implementation's pad handle, passed through untouched.
	Pad any
}

// AudioMixer is the audio blending element.
type AudioMixer interface {
	// RequestSink attaches the audio of portID to the mix.
	RequestSink(portID int) error
	// ReleaseSink detaches it again. Called from the teardown worker.
	ReleaseSink(portID int) error
	// Subscribe registers fn for pad announcements and returns a function
	// that cancels the subscription. fn may run on any goroutine, including
	// from within RequestSink.
	Subscribe(fn func(AudioPadEvent)) (cancel func())
}

// AudioRouter is the hub side of audio bridging: it connects the per-port
// mix back to the port's endpoint.
type AudioRouter interface {
	LinkAudio(portID int, pad any) error
	UnlinkAudio(portID int) error
}

// BackgroundResolver turns a background URI into a local file path.
type BackgroundResolver interface {
	Resolve(ctx context.Context, uri string) (string, error)
}

// PortInfo is a read-only view of one registered port.
type PortInfo struct {
	ID          int      `json:"id"`
	ViewID      int      `json:"view_id"`
	State       string   `json:"state"`
	EOSObserved bool     `json:"eos_observed"`
	Attached    bool     `json:"attached"`
	Geometry    Geometry `json:"geometry"`
}

// Stats contains mixer counters.
type Stats struct {
	// Ports by state (registered ports only).
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Detaching int `json:"detaching"`

	// PortsAdded is the total number of AddPort calls that created a port.
	PortsAdded uint64 `json:"ports_added"`
	// PortsRemoved is the number of ports whose teardown completed.
	PortsRemoved uint64 `json:"ports_removed"`
	// Attachments is the number of Pending to Active transitions.
	Attachments uint64 `json:"attachments"`
	// LayoutPasses is the number of geometry broadcasts.
	LayoutPasses uint64 `json:"layout_passes"`

	StylesApplied  uint64 `json:"styles_applied"`
	StylesRejected uint64 `json:"styles_rejected"`

	// RacesResolved counts late or duplicate signals absorbed by the
	// state machine (media after removal, EOS after removal, repeated
	// removal requests).
	RacesResolved uint64 `json:"races_resolved"`

	TeardownsPending int `json:"teardowns_pending"`

	// ErrorsByCategory counts locally handled errors by ErrorCategory name.
	ErrorsByCategory map[string]uint64 `json:"errors_by_category"`
}
