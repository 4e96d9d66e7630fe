package style

import (
	"encoding/json"

	"github.com/e7canasta/stylemixer/internal/layout"
)

// Changes summarizes what an Apply call altered.
type Changes struct {
	// Geometry is set when tiles must be recomputed.
	Geometry bool
	// Overlay is set when only overlay attributes (font) changed.
	Overlay bool
	// Rejected lists supplied fields that were valid JSON but not accepted
	// in the current state, such as a canvas size after the first one.
	Rejected []string
}

// Changed reports whether anything observable changed.
func (c Changes) Changed() bool {
	return c.Geometry || c.Overlay
}

// Apply merges p into st and views in place. Background is left to the
// caller, which must resolve the URI before storing it.
//
// Each canvas dimension is accepted only until a document first supplies
// it. A new canvas size re-derives padding and line weight that no longer
// fit it. A views array resets every slot before applying its entries.
func Apply(st *layout.Style, views []layout.ViewSlot, p Patch) Changes {
	var c Changes

	canvas := false
	if p.Width != nil {
		switch {
		case st.WidthFixed:
			if *p.Width != st.Width {
				c.Rejected = append(c.Rejected, "width")
			}
		case *p.Width > 0:
			canvas = setInt(&st.Width, *p.Width) || canvas
			st.WidthFixed = true
		default:
			c.Rejected = append(c.Rejected, "width")
		}
	}
	if p.Height != nil {
		switch {
		case st.HeightFixed:
			if *p.Height != st.Height {
				c.Rejected = append(c.Rejected, "height")
			}
		case *p.Height > 0:
			canvas = setInt(&st.Height, *p.Height) || canvas
			st.HeightFixed = true
		default:
			c.Rejected = append(c.Rejected, "height")
		}
	}
	if canvas {
		fitCanvas(st)
		c.Geometry = true
	}

	if p.FrameRate != nil {
		if *p.FrameRate > 0 {
			c.Geometry = setInt(&st.FrameRate, *p.FrameRate) || c.Geometry
		} else {
			c.Rejected = append(c.Rejected, "frame-rate")
		}
	}

	if p.PadX != nil {
		if *p.PadX >= 0 && *p.PadX < st.Width {
			c.Geometry = setInt(&st.PadX, *p.PadX) || c.Geometry
		} else {
			c.Rejected = append(c.Rejected, "pad-x")
		}
	}

	if p.PadY != nil {
		if *p.PadY >= 0 && *p.PadY < st.Height {
			c.Geometry = setInt(&st.PadY, *p.PadY) || c.Geometry
		} else {
			c.Rejected = append(c.Rejected, "pad-y")
		}
	}

	if p.LineWeight != nil {
		lw := *p.LineWeight
		if lw >= 0 && 2*lw < st.Height-st.PadY {
			c.Geometry = setInt(&st.LineWeight, lw) || c.Geometry
		} else {
			c.Rejected = append(c.Rejected, "line-weight")
		}
	}

	if p.FontDesc != nil {
		font := truncate(*p.FontDesc, MaxFontDescLen)
		if font != st.FontDesc {
			st.FontDesc = font
			c.Overlay = true
		}
	}

	if p.HasViews {
		reset := layout.DefaultViews(len(views))
		for i, v := range p.Views {
			if i >= len(reset) {
				break
			}
			if v.ID != nil {
				reset[i].ID = *v.ID
			}
			if v.Text != nil {
				reset[i].Text = truncate(*v.Text, MaxTextLen)
			}
			if v.Width != nil {
				reset[i].Width = *v.Width
			}
			if v.Height != nil {
				reset[i].Height = *v.Height
			}
			if v.Enable != nil {
				reset[i].Enabled = *v.Enable
			}
		}
		copy(views, reset)
		c.Geometry = true
	}

	if c.Geometry {
		c.Overlay = false
	}
	return c
}

// fitCanvas brings padding and line weight back inside a new canvas. Pads
// that no longer fit fall back to a tenth of the canvas.
func fitCanvas(st *layout.Style) {
	if st.PadX >= st.Width {
		st.PadX = st.Width / 10
	}
	if st.PadY >= st.Height {
		st.PadY = st.Height / 10
	}
	if 2*st.LineWeight >= st.Height-st.PadY {
		st.LineWeight = max((st.Height-st.PadY-1)/2, 0)
	}
}

func setInt(dst *int, v int) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}

type viewDocument struct {
	ID     int    `json:"id"`
	Text   string `json:"text"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Enable bool   `json:"enable"`
}

type document struct {
	Width      int            `json:"width"`
	Height     int            `json:"height"`
	FrameRate  int            `json:"frame-rate"`
	FontDesc   string         `json:"font-desc"`
	Background string         `json:"background"`
	PadX       int            `json:"pad-x"`
	PadY       int            `json:"pad-y"`
	LineWeight int            `json:"line-weight"`
	Views      []viewDocument `json:"views"`
}

// Encode serializes every field Parse understands. Feeding the result back
// through Parse and Apply leaves the layout unchanged.
func Encode(st layout.Style, views []layout.ViewSlot) string {
	doc := document{
		Width:      st.Width,
		Height:     st.Height,
		FrameRate:  st.FrameRate,
		FontDesc:   st.FontDesc,
		Background: st.Background,
		PadX:       st.PadX,
		PadY:       st.PadY,
		LineWeight: st.LineWeight,
		Views:      make([]viewDocument, 0, len(views)),
	}
	for _, v := range views {
		doc.Views = append(doc.Views, viewDocument{
			ID:     v.ID,
			Text:   v.Text,
			Width:  v.Width,
			Height: v.Height,
			Enable: v.Enabled,
		})
	}

	// The document holds only plain values; Marshal cannot fail.
	out, _ := json.Marshal(doc)
	return string(out)
}
