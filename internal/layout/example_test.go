package layout_test

import (
	"fmt"

	"github.com/e7canasta/stylemixer/internal/layout"
)

func ExampleCompute() {
	in := []layout.Port{{ID: 1, ViewID: layout.Unbound}, {ID: 2, ViewID: layout.Unbound}, {ID: 3, ViewID: layout.Unbound}}
	res := layout.Compute(in, layout.DefaultViews(layout.DefaultMaxViews), layout.DefaultStyle())

	for _, p := range res.Placements {
		g := p.Geometry
		fmt.Printf("port %d: x=%d y=%d %dx%d\n", p.PortID, g.X, g.Y, g.Width, g.Height)
	}
	fmt.Println("overlay enabled:", res.Overlay.Enable)
	// Output:
	// port 1: x=67 y=38 381x644
	// port 2: x=450 y=38 381x644
	// port 3: x=833 y=38 381x644
	// overlay enabled: true
}
