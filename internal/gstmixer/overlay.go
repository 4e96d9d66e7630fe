package gstmixer

import (
	"github.com/e7canasta/stylemixer"
)

// Overlay implements stylemixer.Overlay with one textoverlay per view
// slot and a gdkpixbufoverlay on the background branch.
//
// Borders are the gaps between tiles: the compositor background shows
// through the line weight left around every tile.
type Overlay struct {
	graph *Graph
}

// NewOverlay wraps the graph's caption and background elements.
func NewOverlay(graph *Graph) *Overlay {
	return &Overlay{graph: graph}
}

// SetStyle shows one caption per visible view. Captions beyond the
// descriptor's views are silenced.
func (o *Overlay) SetStyle(d stylemixer.OverlayDescriptor) error {
	for i, caption := range o.graph.captions {
		if !d.Enable || i >= len(d.Views) || d.Views[i].Text == "" {
			if err := caption.SetProperty("silent", true); err != nil {
				return err
			}
			continue
		}

		v := d.Views[i]
		props := []struct {
			name  string
			value any
		}{
			{"text", v.Text},
			{"font-desc", d.FontDesc},
			{"deltax", v.X},
			{"deltay", v.Y},
			{"silent", false},
		}
		for _, p := range props {
			if err := caption.SetProperty(p.name, p.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetBackground shows the image at path scaled to the canvas. An empty
// path hides it.
func (o *Overlay) SetBackground(path string) error {
	bg := o.graph.background
	if path == "" {
		return bg.SetProperty("alpha", 0.0)
	}

	if err := bg.SetProperty("location", path); err != nil {
		return err
	}
	if err := bg.SetProperty("overlay-width", o.graph.cfg.Width); err != nil {
		return err
	}
	if err := bg.SetProperty("overlay-height", o.graph.cfg.Height); err != nil {
		return err
	}
	return bg.SetProperty("alpha", 1.0)
}
