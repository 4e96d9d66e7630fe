package layout

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ports(ids ...int) []Port {
	out := make([]Port, len(ids))
	for i, id := range ids {
		out[i] = Port{ID: id, ViewID: Unbound}
	}
	return out
}

func TestComputeThreePorts(t *testing.T) {
	res := Compute(ports(1, 2, 3), DefaultViews(4), DefaultStyle())

	require.Len(t, res.Placements, 3)
	assert.Equal(t, 3, res.Bound)
	assert.False(t, res.BackgroundOnly)
	assert.True(t, res.Overlay.Enable)

	wantX := []int{67, 450, 833}
	for i, p := range res.Placements {
		g := p.Geometry
		assert.Equal(t, i+1, p.PortID)
		assert.Equal(t, wantX[i], g.X, "port %d x", p.PortID)
		assert.Equal(t, 38, g.Y)
		assert.Equal(t, 381, g.Width)
		assert.Equal(t, 644, g.Height)
		assert.Equal(t, 1.0, g.Alpha)
		assert.Equal(t, i, g.Slot)
		assert.Equal(t, Crop{Top: 38, Bottom: 38, Left: 449, Right: 449}, g.Crop)
	}

	require.Len(t, res.Overlay.Views, 3)
	assert.Equal(t, OverlayView{Slot: 1, X: 450, Y: 38, Width: 381, Height: 644}, res.Overlay.Views[1])
}

func TestComputeSinglePortFullScreen(t *testing.T) {
	res := Compute(ports(7), DefaultViews(4), DefaultStyle())

	g, ok := res.Lookup(7)
	require.True(t, ok)
	assert.Equal(t, Geometry{
		Width:        1280,
		Height:       720,
		Alpha:        1.0,
		SourceWidth:  1280,
		SourceHeight: 720,
		FrameRate:    DefaultFrameRate,
		Slot:         0,
	}, g)
	assert.False(t, res.Overlay.Enable)
	assert.Len(t, res.Overlay.Views, 1)
}

func TestComputeNoPortsIsBackgroundOnly(t *testing.T) {
	res := Compute(nil, DefaultViews(4), DefaultStyle())

	assert.True(t, res.BackgroundOnly)
	assert.Zero(t, res.Bound)
	assert.False(t, res.Overlay.Enable)
	assert.Empty(t, res.Overlay.Views)
	assert.Equal(t, 1280, res.Overlay.Width)
	assert.Equal(t, DefaultFontDesc, res.Overlay.FontDesc)
}

func TestComputeOverflowPortsHidden(t *testing.T) {
	res := Compute(ports(1, 2, 3, 4, 5, 6), DefaultViews(4), DefaultStyle())

	assert.Equal(t, 4, res.Bound)
	for _, p := range res.Placements {
		if p.PortID <= 4 {
			assert.True(t, p.Geometry.Visible(), "port %d", p.PortID)
			continue
		}
		assert.Equal(t, Hidden(), p.Geometry, "port %d", p.PortID)
	}
}

func TestComputeViewBinding(t *testing.T) {
	views := DefaultViews(4)
	views[0].ID = 10
	views[2].ID = 20
	views[2].Text = "guest"

	// Port 1 has no binding, port 2 asks for view 20, port 3 for view 10.
	in := []Port{{ID: 1, ViewID: Unbound}, {ID: 2, ViewID: 20}, {ID: 3, ViewID: 10}}
	res := Compute(in, views, DefaultStyle())

	slots := map[int]int{}
	for _, p := range res.Placements {
		slots[p.PortID] = p.Geometry.Slot
	}
	assert.Equal(t, map[int]int{1: 1, 2: 2, 3: 0}, slots)

	// Tiles run in slot order, so port 3 is leftmost.
	g3, _ := res.Lookup(3)
	g1, _ := res.Lookup(1)
	g2, _ := res.Lookup(2)
	assert.Less(t, g3.X, g1.X)
	assert.Less(t, g1.X, g2.X)
	assert.Equal(t, "guest", res.Overlay.Views[2].Text)
}

func TestComputeDuplicateViewIDFallsBackToFreeSlot(t *testing.T) {
	views := DefaultViews(3)
	views[0].ID = 5

	res := Compute([]Port{{ID: 1, ViewID: 5}, {ID: 2, ViewID: 5}}, views, DefaultStyle())

	g1, _ := res.Lookup(1)
	g2, _ := res.Lookup(2)
	assert.Equal(t, 0, g1.Slot)
	assert.Equal(t, 1, g2.Slot)
}

func TestComputeDisabledViewParksPort(t *testing.T) {
	views := DefaultViews(4)
	for i := range views {
		views[i].ID = i
	}
	in := []Port{{ID: 1, ViewID: 0}, {ID: 2, ViewID: 1}, {ID: 3, ViewID: 2}}

	before := Compute(in, views, DefaultStyle())
	require.Equal(t, 3, before.Bound)

	views[0].Enabled = false
	after := Compute(in, views, DefaultStyle())

	g1, _ := after.Lookup(1)
	assert.Equal(t, Hidden(), g1)
	assert.Equal(t, 2, after.Bound)

	g2, _ := after.Lookup(2)
	g3, _ := after.Lookup(3)
	// Two tiles now share the row.
	assert.Equal(t, 573, g2.Width)
	assert.Equal(t, g2.X+575, g3.X)
}

func TestComputeSourceHintCrop(t *testing.T) {
	views := DefaultViews(4)
	views[1].Width = 640
	views[1].Height = 480

	res := Compute(ports(1, 2), views, DefaultStyle())
	g, _ := res.Lookup(2)

	assert.Equal(t, 640, g.SourceWidth)
	assert.Equal(t, 480, g.SourceHeight)
	assert.Equal(t, (640-573)/2, g.Crop.Left)
	// The source is shorter than the tile; no negative crop.
	assert.Zero(t, g.Crop.Top)
}

func TestComputePadWiderThanCanvas(t *testing.T) {
	st := DefaultStyle()
	st.Width, st.Height = 100, 100

	res := Compute(ports(1, 2, 3), DefaultViews(4), st)

	require.Len(t, res.Overlay.Views, 3)
	lastX := -1
	for _, v := range res.Overlay.Views {
		assert.Greater(t, v.X, lastX)
		assert.Positive(t, v.Width)
		assert.LessOrEqual(t, v.X+v.Width, st.Width)
		lastX = v.X
	}
}

func TestComputeCanvasNarrowerThanRow(t *testing.T) {
	st := DefaultStyle()
	st.Width, st.Height = 2, 50

	res := Compute(ports(1, 2, 3), DefaultViews(4), st)

	assert.Equal(t, 2, res.Bound)
	assert.Equal(t, Hidden(), res.Placements[2].Geometry)
	assert.Equal(t, 0, res.Overlay.Views[0].X)
	assert.Equal(t, 1, res.Overlay.Views[1].X)
}

func TestComputeDeterministic(t *testing.T) {
	views := DefaultViews(4)
	views[3].ID = 42
	in := []Port{{ID: 2, ViewID: 42}, {ID: 5, ViewID: Unbound}, {ID: 9, ViewID: Unbound}}

	first := Compute(in, views, DefaultStyle())
	for i := 0; i < 50; i++ {
		if diff := cmp.Diff(first, Compute(in, views, DefaultStyle())); diff != "" {
			t.Fatalf("iteration %d differs (-first +got):\n%s", i, diff)
		}
	}
}

// Property: for any port set and canvas, visible tiles never exceed the
// enabled slots or the ports, and offsets grow left to right inside the
// canvas. Pads and line weight are drawn up to the canvas size.
func TestComputeRowInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 2000; iter++ {
		st := DefaultStyle()
		st.Width = 1 + rng.Intn(1920)
		st.Height = 1 + rng.Intn(1080)
		st.PadX = rng.Intn(st.Width + 1)
		st.PadY = rng.Intn(st.Height + 1)
		st.LineWeight = rng.Intn(st.Height/2 + 1)

		views := DefaultViews(DefaultMaxViews)
		enabled := 0
		for i := range views {
			views[i].Enabled = rng.Intn(4) != 0
			if views[i].Enabled {
				enabled++
			}
		}

		var in []Port
		count := rng.Intn(8)
		for id := 1; id <= count; id++ {
			in = append(in, Port{ID: id, ViewID: Unbound})
		}

		res := Compute(in, views, st)

		visible := 0
		lastX := -1
		for _, v := range res.Overlay.Views {
			visible++
			if res.Bound > 1 {
				assert.Greater(t, v.X, lastX, "iter %d", iter)
				assert.Positive(t, v.Width, "iter %d", iter)
				assert.Positive(t, v.Height, "iter %d", iter)
				assert.GreaterOrEqual(t, v.Y, 0, "iter %d", iter)
				assert.LessOrEqual(t, v.X+v.Width, st.Width, "iter %d", iter)
				assert.LessOrEqual(t, v.Y+v.Height, st.Height, "iter %d", iter)
			}
			lastX = v.X
		}
		assert.Equal(t, res.Bound, visible)
		assert.LessOrEqual(t, res.Bound, enabled)
		assert.LessOrEqual(t, res.Bound, len(in))

		opaque := 0
		for _, p := range res.Placements {
			if p.Geometry.Alpha == 1.0 {
				opaque++
			}
		}
		assert.Equal(t, res.Bound, opaque, "iter %d", iter)
	}
}
