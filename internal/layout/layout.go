// Package layout computes tile geometry for the composed output.
//
// Compute is a pure function: the same ports, views and style always
// produce the same Result. Callers hold whatever lock guards those inputs
// for the duration of the call and broadcast the Result as a whole.
package layout

// Compute binds active ports to view slots and places the bound ones in a
// single row.
//
// Binding runs in two passes:
//  1. Ports with a view id claim the first free slot carrying that id. A
//     port whose id names only disabled slots is parked (hidden) rather
//     than moved elsewhere.
//  2. Remaining ports fill free unbound slots in port order.
//
// Ports left over after both passes stay attached but hidden.
//
// ports must be ordered by id.
func Compute(ports []Port, views []ViewSlot, st Style) Result {
	slotPort := make([]int, len(views))
	for i := range slotPort {
		slotPort[i] = Unbound
	}
	portSlot := make(map[int]int, len(ports))

	var leftovers []Port
	for _, p := range ports {
		if p.ViewID < 0 {
			leftovers = append(leftovers, p)
			continue
		}
		claimed, named := false, false
		for i, v := range views {
			if v.ID != p.ViewID {
				continue
			}
			named = true
			if v.Enabled && slotPort[i] == Unbound {
				slotPort[i] = p.ID
				portSlot[p.ID] = i
				claimed = true
				break
			}
		}
		if !claimed && !(named && !anyEnabled(views, p.ViewID)) {
			leftovers = append(leftovers, p)
		}
	}

	for _, p := range leftovers {
		for i, v := range views {
			if v.ID == Unbound && v.Enabled && slotPort[i] == Unbound {
				slotPort[i] = p.ID
				portSlot[p.ID] = i
				break
			}
		}
	}

	// Visible tiles in slot order.
	var order []int
	for i, id := range slotPort {
		if id != Unbound {
			order = append(order, i)
		}
	}
	// A canvas narrower than the row cannot give every tile a pixel.
	if len(order) > 1 && len(order) > st.Width {
		order = order[:max(st.Width, 1)]
	}
	n := len(order)
	row := fitRow(st, n)

	res := Result{
		Placements: make([]Placement, 0, len(ports)),
		Bound:      n,
		Overlay: OverlayDescriptor{
			Width:    st.Width,
			Height:   st.Height,
			FontDesc: st.FontDesc,
			Enable:   n > 1,
		},
	}

	tiles := make(map[int]Geometry, n)
	if n == 0 {
		res.BackgroundOnly = true
	} else {
		res.Overlay.Views = make([]OverlayView, 0, n)
		for k, slot := range order {
			g := tile(k, n, views[slot], row)
			g.Slot = slot
			tiles[slotPort[slot]] = g
			res.Overlay.Views = append(res.Overlay.Views, OverlayView{
				Slot:   slot,
				X:      g.X,
				Y:      g.Y,
				Width:  g.Width,
				Height: g.Height,
				Text:   views[slot].Text,
			})
		}
	}

	for _, p := range ports {
		g, ok := tiles[p.ID]
		if !ok {
			g = Hidden()
		}
		res.Placements = append(res.Placements, Placement{PortID: p.ID, Geometry: g})
	}

	return res
}

// tile places the k-th of n visible tiles.
//
// Integer division leaves a remainder of up to n-1 pixels across the row;
// half of it (plus half the horizontal padding) goes to the left margin so
// the row stays centred.
func tile(k, n int, v ViewSlot, st Style) Geometry {
	if n == 1 {
		return Geometry{
			Width:        st.Width,
			Height:       st.Height,
			Alpha:        1.0,
			SourceWidth:  st.Width,
			SourceHeight: st.Height,
			FrameRate:    st.FrameRate,
		}
	}

	lw := st.LineWeight
	contentW := st.Width - st.PadX
	contentH := st.Height - st.PadY

	tileW := (contentW - lw) / n
	visW := max(tileW-lw, 0)
	visH := max(contentH-2*lw, 0)
	remainder := contentW - tileW*n

	padLeft := (st.PadX+remainder)/2 + lw
	padTop := st.PadY/2 + lw

	srcW, srcH := st.Width, st.Height
	if v.Width > 0 {
		srcW = v.Width
	}
	if v.Height > 0 {
		srcH = v.Height
	}

	cropX := max((srcW-visW)/2, 0)
	cropY := max((srcH-visH)/2, 0)

	return Geometry{
		X:            padLeft + k*tileW,
		Y:            padTop,
		Width:        visW,
		Height:       visH,
		Alpha:        1.0,
		SourceWidth:  srcW,
		SourceHeight: srcH,
		FrameRate:    st.FrameRate,
		Crop:         Crop{Top: cropY, Bottom: cropY, Left: cropX, Right: cropX},
	}
}

// fitRow drops padding, then line weight, until n tiles at least one
// pixel wide and tall fit the canvas.
func fitRow(st Style, n int) Style {
	if n < 2 || rowFits(st, n) {
		return st
	}
	st.PadX, st.PadY = 0, 0
	if rowFits(st, n) {
		return st
	}
	st.LineWeight = 0
	return st
}

func rowFits(st Style, n int) bool {
	lw := st.LineWeight
	if st.PadX < 0 || st.PadY < 0 || lw < 0 {
		return false
	}
	tileW := (st.Width - st.PadX - lw) / n
	return tileW > lw && st.Height-st.PadY > 2*lw
}

func anyEnabled(views []ViewSlot, id int) bool {
	for _, v := range views {
		if v.ID == id && v.Enabled {
			return true
		}
	}
	return false
}
