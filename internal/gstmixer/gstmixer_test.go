package gstmixer

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/stylemixer"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestGraph builds a graph or skips when GStreamer (or one of the
// plugins the graph needs) is not installed.
func newTestGraph(t *testing.T) *Graph {
	t.Helper()

	if err := CheckAvailable(); err != nil {
		t.Skipf("Skipping test: GStreamer not available: %v", err)
	}

	g, err := NewGraph(Config{
		Width:     1280,
		Height:    720,
		FrameRate: 15,
		Views:     4,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { g.Stop() })
	return g
}

func TestLaunchLine(t *testing.T) {
	line := launchLine(Config{
		Width:     1280,
		Height:    720,
		FrameRate: 15,
		Views:     3,
		Output:    "fakesink sync=false",
		Latency:   DefaultLatency,
	})

	for _, want := range []string{
		"compositor name=mix background=black latency=600000000",
		"textoverlay name=caption0 ",
		"textoverlay name=caption2 ",
		"gdkpixbufoverlay name=background alpha=0",
		"capsfilter name=canvas ! mix.",
		"audiomixer name=amix ! tee name=amixtee",
		"videoconvert ! fakesink sync=false",
	} {
		assert.Contains(t, line, want)
	}
	assert.NotContains(t, line, "caption3")
	assert.Equal(t, 3, strings.Count(line, "textoverlay"))
}

func TestCanvasCaps(t *testing.T) {
	assert.Equal(t, "video/x-raw,width=1280,height=720,framerate=15/1", canvasCaps(1280, 720, 15))
	assert.Equal(t, "video/x-raw,width=381,height=644,framerate=30/1", canvasCaps(381, 644, 30))
}

func TestNewGraph_FailFast(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "zero width",
			cfg:     Config{Width: 0, Height: 720, FrameRate: 15, Views: 4},
			wantErr: "invalid canvas",
		},
		{
			name:    "negative height",
			cfg:     Config{Width: 1280, Height: -1, FrameRate: 15, Views: 4},
			wantErr: "invalid canvas",
		},
		{
			name:    "zero frame rate",
			cfg:     Config{Width: 1280, Height: 720, FrameRate: 0, Views: 4},
			wantErr: "invalid frame rate",
		},
		{
			name:    "no views",
			cfg:     Config{Width: 1280, Height: 720, FrameRate: 15, Views: 0},
			wantErr: "at least one view",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCompositorRequestAndRelease(t *testing.T) {
	g := newTestGraph(t)
	c := NewCompositor(g)

	first, err := c.RequestInput(1)
	require.NoError(t, err)
	second, err := c.RequestInput(2)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, c.Inputs())

	visible := stylemixer.Geometry{X: 67, Y: 38, Width: 381, Height: 644, Alpha: 1}
	require.NoError(t, c.SetInputGeometry(first, visible))
	require.NoError(t, c.SetInputGeometry(second, stylemixer.Geometry{Slot: stylemixer.Unbound}))

	require.NoError(t, c.ReleaseInput(first))
	assert.Error(t, c.ReleaseInput(first), "double release must fail")
	assert.Error(t, c.SetInputGeometry(first, visible), "released input must be unknown")

	require.NoError(t, c.ReleaseInput(second))
	assert.Equal(t, 0, c.Inputs())

	third, err := c.RequestInput(3)
	require.NoError(t, err)
	assert.Greater(t, third, second, "handles are never reused")
}

func TestAudioMixerAnnouncesPads(t *testing.T) {
	g := newTestGraph(t)
	a := NewAudioMixer(g)

	var (
		mu     sync.Mutex
		events []stylemixer.AudioPadEvent
	)
	cancel := a.Subscribe(func(ev stylemixer.AudioPadEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	require.NoError(t, a.RequestSink(5))
	assert.NotNil(t, a.SinkPad(5))
	require.NoError(t, a.ReleaseSink(5))
	assert.Nil(t, a.SinkPad(5))
	assert.Error(t, a.ReleaseSink(5))

	cancel()
	require.NoError(t, a.RequestSink(6))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, stylemixer.AudioPadAdded, events[0].Kind)
	assert.Equal(t, "audio_src_5", events[0].PadName)
	assert.NotNil(t, events[0].Pad)
	assert.Equal(t, stylemixer.AudioPadRemoved, events[1].Kind)
	assert.Equal(t, "audio_src_5", events[1].PadName)
}

func TestOverlaySetStyle(t *testing.T) {
	g := newTestGraph(t)
	o := NewOverlay(g)

	d := stylemixer.OverlayDescriptor{
		Width:    1280,
		Height:   720,
		FontDesc: "sans bold 16",
		Enable:   true,
		Views: []stylemixer.OverlayView{
			{Slot: 0, X: 67, Y: 38, Width: 381, Height: 644, Text: "alice"},
			{Slot: 1, X: 450, Y: 38, Width: 381, Height: 644, Text: "bob"},
		},
	}
	require.NoError(t, o.SetStyle(d))

	text, err := g.captions[0].GetProperty("text")
	require.NoError(t, err)
	assert.Equal(t, "alice", text)

	silent, err := g.captions[2].GetProperty("silent")
	require.NoError(t, err)
	assert.Equal(t, true, silent)

	d.Enable = false
	require.NoError(t, o.SetStyle(d))
	silent, err = g.captions[0].GetProperty("silent")
	require.NoError(t, err)
	assert.Equal(t, true, silent)

	require.NoError(t, o.SetBackground(""))
}

// recordingEvents collects pipe events for the probe tests.
type recordingEvents struct {
	mu    sync.Mutex
	first []int
	eos   []int
}

func (r *recordingEvents) OnFirstMedia(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.first = append(r.first, id)
}

func (r *recordingEvents) OnEndOfStream(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eos = append(r.eos, id)
}

func TestPipeCreateAndTeardown(t *testing.T) {
	g := newTestGraph(t)
	c := NewCompositor(g)
	pipes := NewPipes(g, c)

	events := &recordingEvents{}
	pp, err := pipes.CreatePipe(1, events)
	require.NoError(t, err)

	p := pipes.Get(1)
	require.NotNil(t, p)
	assert.NotNil(t, p.SinkPad())

	handle, err := c.RequestInput(1)
	require.NoError(t, err)
	require.NoError(t, pp.Link(handle))

	require.NoError(t, pp.Teardown())
	require.NoError(t, pp.Teardown(), "teardown is idempotent")
	assert.Nil(t, pipes.Get(1))
	assert.False(t, pp.SendEOS(), "no EOS after teardown")

	require.NoError(t, c.ReleaseInput(handle))
}

func TestGraphStartStop(t *testing.T) {
	g := newTestGraph(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, g.Start(ctx))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, g.Stop())

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bus monitor did not exit after Stop")
	}
}
