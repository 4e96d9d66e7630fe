// Package stylemixer is the compositing core of a media hub.
//
// A Mixer accepts a time-varying set of live input ports, places them as
// tiles in a single composed frame and keeps that layout in step with a
// hot-reloadable style document. It owns three pieces of state, all guarded
// by one mutex: the port registry, the view slots and the canvas style.
//
// # Quick Start
//
//	mixer, err := stylemixer.New(stylemixer.Options{
//	    Compositor: compositor, // requests inputs, applies per-input geometry
//	    Overlay:    overlay,    // draws borders, captions and the background
//	    Pipes:      pipes,      // creates the per-port media pipe
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := mixer.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer mixer.Stop()
//
//	id, _ := mixer.AddPort(endpoint)
//	mixer.ApplyStyle(`{"views":[{"text":"host"},{"text":"guest"}]}`)
//	...
//	mixer.RemovePort(id)
//
// # Port Lifecycle
//
// A port moves through four states:
//
//	Pending ──first media──▶ Active ──RemovePort──▶ Detaching ──EOS──▶ Removed
//	   │                                                                  ▲
//	   └──────────────────────────── RemovePort ──────────────────────────┘
//
// The media pipe reports the data-path signals by calling OnFirstMedia and
// OnEndOfStream from its streaming threads. Attachment happens inside
// OnFirstMedia, so a port only joins the layout once it actually delivers
// data. RemovePort hides the tile at once, re-tiles the remaining ports and
// injects an end-of-stream marker; the port is torn down after that marker
// has passed through. If the upstream already ended, teardown starts
// immediately.
//
// Teardown (releasing the compositor input, removing pipe elements) never
// runs on a streaming thread: it is handed to a single worker goroutine,
// and the port record is kept alive by reference counting until the worker
// finishes.
//
// # Layout
//
// Active ports are bound to view slots (four by default) and drawn in a
// single row. A single visible port fills the canvas. Ports without a free
// slot stay attached with zero opacity so they can be promoted without a
// visible pop. See the internal layout package for the exact arithmetic.
//
// # Style
//
// ApplyStyle accepts a JSON document with the fields width, height,
// frame-rate, font-desc, background, pad-x, pad-y, line-weight and views.
// Malformed fields are skipped; only input that is not a JSON object is
// rejected. The canvas size is fixed by the first document that supplies
// it. CurrentStyle returns a document that ApplyStyle accepts unchanged.
//
// # Error Handling
//
// Nothing fails across the hub boundary. Resource failures leave a port
// Pending, configuration failures keep the previous state, and background
// fetch failures keep the previous background. Every such failure is logged
// with an ErrorCategory and counted in Stats.
package stylemixer
