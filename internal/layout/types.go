package layout

// Defaults applied to a fresh style.
const (
	DefaultWidth      = 1280
	DefaultHeight     = 720
	DefaultFrameRate  = 15
	DefaultLineWeight = 2
	DefaultFontDesc   = "sans bold 16"
	DefaultMaxViews   = 4

	// Unbound marks a view slot (or a port) that carries no binding key.
	Unbound = -1
)

// Crop is the number of source pixels removed from each edge of a tile so
// that a scaled source covers the visible rectangle.
type Crop struct {
	Top    int `json:"top" msgpack:"top"`
	Bottom int `json:"bottom" msgpack:"bottom"`
	Left   int `json:"left" msgpack:"left"`
	Right  int `json:"right" msgpack:"right"`
}

// Geometry is the placement of one compositor input.
type Geometry struct {
	X      int     `json:"x" msgpack:"x"`
	Y      int     `json:"y" msgpack:"y"`
	Width  int     `json:"width" msgpack:"width"`
	Height int     `json:"height" msgpack:"height"`
	Alpha  float64 `json:"alpha" msgpack:"alpha"`

	// SourceWidth and SourceHeight are the resolution the input is scaled
	// to before Crop is applied. Zero on hidden inputs.
	SourceWidth  int  `json:"source_width" msgpack:"source_width"`
	SourceHeight int  `json:"source_height" msgpack:"source_height"`
	FrameRate    int  `json:"frame_rate" msgpack:"frame_rate"`
	Crop         Crop `json:"crop" msgpack:"crop"`

	// Slot is the view slot index the input is bound to, or Unbound.
	Slot int `json:"slot" msgpack:"slot"`
}

// Hidden is the geometry given to inputs that are attached but not part of
// the visible row.
func Hidden() Geometry {
	return Geometry{Slot: Unbound}
}

// Visible reports whether the input is drawn.
func (g Geometry) Visible() bool {
	return g.Alpha > 0
}

// ViewSlot is a logical seat in the output row.
type ViewSlot struct {
	ID      int    `json:"id"`
	Enabled bool   `json:"enable"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Text    string `json:"text"`
}

// DefaultViews returns n free, enabled slots.
func DefaultViews(n int) []ViewSlot {
	views := make([]ViewSlot, n)
	for i := range views {
		views[i] = ViewSlot{ID: Unbound, Enabled: true, Width: Unbound, Height: Unbound}
	}
	return views
}

// Style is the canvas-level part of the style document.
type Style struct {
	Width      int
	Height     int
	FrameRate  int
	PadX       int
	PadY       int
	LineWeight int
	FontDesc   string
	Background string

	// WidthFixed and HeightFixed are set once a style document has supplied
	// that dimension. Later values for it are ignored.
	WidthFixed  bool
	HeightFixed bool
}

// FixCanvas marks both canvas dimensions as fixed.
func (s *Style) FixCanvas() {
	s.WidthFixed = true
	s.HeightFixed = true
}

// DefaultStyle returns the style used before any document is applied.
func DefaultStyle() Style {
	return Style{
		Width:      DefaultWidth,
		Height:     DefaultHeight,
		FrameRate:  DefaultFrameRate,
		PadX:       DefaultWidth / 10,
		PadY:       DefaultHeight / 10,
		LineWeight: DefaultLineWeight,
		FontDesc:   DefaultFontDesc,
	}
}

// Port is the part of an active port the engine needs.
type Port struct {
	ID     int
	ViewID int
}

// OverlayView is one captioned rectangle handed to the overlay renderer.
type OverlayView struct {
	Slot   int    `json:"slot" msgpack:"slot"`
	X      int    `json:"x" msgpack:"x"`
	Y      int    `json:"y" msgpack:"y"`
	Width  int    `json:"width" msgpack:"width"`
	Height int    `json:"height" msgpack:"height"`
	Text   string `json:"text" msgpack:"text"`
}

// OverlayDescriptor is the complete instruction set for the overlay
// renderer. Enable false means background only.
type OverlayDescriptor struct {
	Width    int           `json:"width" msgpack:"width"`
	Height   int           `json:"height" msgpack:"height"`
	FontDesc string        `json:"font-desc" msgpack:"font_desc"`
	Enable   bool          `json:"enable" msgpack:"enable"`
	Views    []OverlayView `json:"views" msgpack:"views"`
}

// Placement pairs a port with its computed geometry.
type Placement struct {
	PortID   int      `json:"port_id" msgpack:"port_id"`
	Geometry Geometry `json:"geometry" msgpack:"geometry"`
}

// Result is the output of one layout pass.
type Result struct {
	// Placements holds one entry per active port, ordered by port id.
	Placements []Placement `json:"placements" msgpack:"placements"`

	Overlay OverlayDescriptor `json:"overlay" msgpack:"overlay"`

	// Bound is the number of visible tiles.
	Bound          int  `json:"bound" msgpack:"bound"`
	BackgroundOnly bool `json:"background_only" msgpack:"background_only"`
}

// Lookup returns the geometry computed for a port.
func (r Result) Lookup(portID int) (Geometry, bool) {
	for _, p := range r.Placements {
		if p.PortID == portID {
			return p.Geometry, true
		}
	}
	return Geometry{}, false
}
