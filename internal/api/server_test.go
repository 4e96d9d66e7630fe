package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/stylemixer"
	"github.com/e7canasta/stylemixer/internal/metrics"
	"github.com/e7canasta/stylemixer/internal/mixertest"
)

// rigSources attaches fake endpoints to a real mixer and delivers media
// immediately.
type rigSources struct {
	m   *stylemixer.Mixer
	rig *mixertest.Rig

	mu        sync.Mutex
	endpoints map[int]*mixertest.Endpoint
}

func (s *rigSources) AttachSource(uri string, viewID int) (int, error) {
	if strings.HasPrefix(uri, "bad://") {
		return 0, fmt.Errorf("unsupported uri %s", uri)
	}
	ep := mixertest.NewEndpoint(viewID)
	id, err := s.m.AddPort(ep)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	s.endpoints[id] = ep
	s.mu.Unlock()
	s.rig.Pipes.Get(id).DeliverMedia()
	return id, nil
}

func (s *rigSources) DetachSource(id int) error {
	s.mu.Lock()
	_, ok := s.endpoints[id]
	delete(s.endpoints, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown source %d", id)
	}
	s.m.RemovePort(id)
	return nil
}

func (s *rigSources) BindView(id, viewID int) error {
	s.mu.Lock()
	ep, ok := s.endpoints[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown source %d", id)
	}
	ep.SetViewID(viewID)
	s.m.Relayout()
	return nil
}

type fixture struct {
	srv     *httptest.Server
	mixer   *stylemixer.Mixer
	rig     *mixertest.Rig
	applied []string
	ready   bool
}

func newFixture(t *testing.T, withSources bool) *fixture {
	t.Helper()

	rig := mixertest.NewRig()
	rig.Pipes.Configure = func(p *mixertest.Pipe) { p.SyncEOS = true }
	m, err := stylemixer.New(rig.Options())
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })

	f := &fixture{mixer: m, rig: rig, ready: true}

	opts := Options{
		Mixer:          m,
		Gatherer:       metrics.NewRegistry(m),
		Ready:          func() bool { return f.ready },
		OnStyleApplied: func(doc string) { f.applied = append(f.applied, doc) },
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if withSources {
		opts.Sources = &rigSources{m: m, rig: rig, endpoints: make(map[int]*mixertest.Endpoint)}
	}

	s, err := NewServer(opts)
	require.NoError(t, err)
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestNewServerRequiresMixer(t *testing.T) {
	_, err := NewServer(Options{})
	assert.Error(t, err)
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t, false)

	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/health", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/readiness", "").StatusCode)

	f.ready = false
	resp := f.do(t, "GET", "/readiness", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not ready", decode[errorResponse](t, resp).Error)
}

func TestStyleRoutes(t *testing.T) {
	f := newFixture(t, false)

	resp := f.do(t, "PUT", "/api/style", `{"line-weight": 6, "font-desc": "mono 10"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[map[string]any](t, resp)
	assert.Equal(t, 6.0, got["line-weight"])
	assert.Equal(t, "mono 10", got["font-desc"])
	assert.Len(t, f.applied, 1)

	resp = f.do(t, "PUT", "/api/style", `[1, 2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Len(t, f.applied, 1, "rejected styles are not reported")

	resp = f.do(t, "GET", "/api/style", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, 6.0, decode[map[string]any](t, resp)["line-weight"])

	resp = f.do(t, "PUT", "/api/style", strings.Repeat(" ", maxStyleBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPortRoutes(t *testing.T) {
	f := newFixture(t, true)

	resp := f.do(t, "POST", "/api/ports", `{"uri": "file:///a.mp4"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]int](t, resp)
	assert.Equal(t, 1, created["port_id"])
	assert.Equal(t, stylemixer.Unbound, created["view_id"])

	resp = f.do(t, "POST", "/api/ports", `{"uri": "file:///b.mp4", "view_id": 20}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ports := decode[[]stylemixer.PortInfo](t, f.do(t, "GET", "/api/ports", ""))
	require.Len(t, ports, 2)
	assert.Equal(t, "active", ports[0].State)
	assert.Equal(t, 20, ports[1].ViewID)

	layout := decode[stylemixer.Snapshot](t, f.do(t, "GET", "/api/layout", ""))
	assert.Equal(t, 2, layout.Result.Bound)
	g, ok := layout.Result.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, 67, g.X)

	resp = f.do(t, "PUT", "/api/ports/2/view", `{"view_id": 30}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ports = decode[[]stylemixer.PortInfo](t, f.do(t, "GET", "/api/ports", ""))
	assert.Equal(t, 30, ports[1].ViewID)

	assert.Equal(t, http.StatusNoContent, f.do(t, "DELETE", "/api/ports/1", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/api/ports/1", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, "DELETE", "/api/ports/abc", "").StatusCode, "non-numeric ids do not route")

	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/ports", `{}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "POST", "/api/ports", `{`).StatusCode)
	assert.Equal(t, http.StatusInternalServerError, f.do(t, "POST", "/api/ports", `{"uri":"bad://x"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, "PUT", "/api/ports/2/view", `{}`).StatusCode)

	stats := decode[stylemixer.Stats](t, f.do(t, "GET", "/api/stats", ""))
	assert.Equal(t, uint64(2), stats.PortsAdded)
}

func TestPortRoutesWithoutSources(t *testing.T) {
	f := newFixture(t, false)

	assert.Equal(t, http.StatusNotImplemented, f.do(t, "POST", "/api/ports", `{"uri":"file:///a.mp4"}`).StatusCode)
	assert.Equal(t, http.StatusNotImplemented, f.do(t, "DELETE", "/api/ports/1", "").StatusCode)
	assert.Equal(t, http.StatusOK, f.do(t, "GET", "/api/ports", "").StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, "POST", "/api/ports", `{"uri": "file:///a.mp4"}`)

	resp := f.do(t, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `stylemixer_ports{state="active"} 1`)
	assert.Contains(t, string(body), "stylemixer_attachments_total 1")
}

func TestMethodNotAllowed(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{"POST", "/api/layout", http.StatusMethodNotAllowed},
		{"DELETE", "/api/style", http.StatusMethodNotAllowed},
		{"GET", "/api/ports/3", http.StatusMethodNotAllowed},
		{"POST", "/api/stats", http.StatusMethodNotAllowed},
		{"PUT", "/health", http.StatusMethodNotAllowed},
		{"GET", "/api/nothing", http.StatusNotFound},
		{"DELETE", "/api/ports/abc", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, f.do(t, tt.method, tt.path, "").StatusCode)
		})
	}
}
