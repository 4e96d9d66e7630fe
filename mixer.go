package stylemixer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/stylemixer/internal/background"
	"github.com/e7canasta/stylemixer/internal/deferred"
	"github.com/e7canasta/stylemixer/internal/layout"
	"github.com/e7canasta/stylemixer/internal/layoutbus"
	"github.com/e7canasta/stylemixer/internal/registry"
	"github.com/e7canasta/stylemixer/internal/style"
)

// LatestSnapshot holds the newest unread layout snapshot for a
// SubscribeLatest observer.
type LatestSnapshot = layoutbus.Latest

// port is the mixer-owned payload of a registry record.
type port struct {
	endpoint Endpoint
	pipe     PortPipe
	audio    bool
}

// Mixer is the compositing core.
//
// The registry, the view slots and the style are guarded by a single mutex.
// Collaborators are invoked with that mutex held, except PortPipe.SendEOS
// (so that a synchronously observed EOS can re-enter OnEndOfStream) and the
// teardown work, which runs on the deferred worker.
//
// Goroutine topology:
//   - 1 fixed: deferred teardown worker (spawned by Start, drained by Stop)
//   - streaming threads of the media graph call OnFirstMedia/OnEndOfStream
type Mixer struct {
	compositor  Compositor
	overlay     Overlay
	pipes       PipeFactory
	audio       AudioMixer
	router      AudioRouter
	backgrounds BackgroundResolver
	ownFetcher  *background.Fetcher

	maxViews       int
	fetchTimeout   time.Duration
	snapshotBuffer int
	logger         *slog.Logger

	mu       sync.Mutex
	reg      *registry.Registry
	views    []layout.ViewSlot
	style    layout.Style
	last     layoutbus.Snapshot
	seq      uint64
	stopping bool

	bus   *layoutbus.Bus
	queue *deferred.Queue

	startedMu   sync.Mutex
	started     bool
	stopped     bool
	audioCancel func()

	portsAdded     atomic.Uint64
	portsRemoved   atomic.Uint64
	attachments    atomic.Uint64
	layoutPasses   atomic.Uint64
	stylesApplied  atomic.Uint64
	stylesRejected atomic.Uint64
	races          atomic.Uint64
	errorCounts    [ErrCategoryUnknown + 1]atomic.Uint64
}

// New creates a Mixer with default style and view slots.
//
// The Mixer does not touch its collaborators until Start.
func New(opts Options) (*Mixer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	m := &Mixer{
		compositor:     opts.Compositor,
		overlay:        opts.Overlay,
		pipes:          opts.Pipes,
		audio:          opts.AudioMixer,
		router:         opts.AudioRouter,
		backgrounds:    opts.Backgrounds,
		maxViews:       opts.MaxViews,
		fetchTimeout:   opts.FetchTimeout,
		snapshotBuffer: opts.SnapshotBuffer,
		logger:         opts.Logger,
		reg:            registry.New(),
		views:          layout.DefaultViews(opts.MaxViews),
		style:          initialStyle(opts.Style),
		bus:            layoutbus.New(),
		queue:          deferred.New(opts.Logger),
	}

	if m.backgrounds == nil {
		m.ownFetcher = background.New(background.Config{Timeout: opts.FetchTimeout}, opts.Logger)
		m.backgrounds = m.ownFetcher
	}

	return m, nil
}

// Start spawns the teardown worker, subscribes to audio pad announcements
// and pushes the initial background-only layout.
//
// Cancelling ctx stops the Mixer as if Stop had been called.
func (m *Mixer) Start(ctx context.Context) error {
	m.startedMu.Lock()
	defer m.startedMu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.started {
		return fmt.Errorf("stylemixer: mixer already started")
	}

	// The queue outlives ctx: Stop still has teardowns to drain after
	// cancellation.
	if err := m.queue.Start(context.Background()); err != nil {
		return fmt.Errorf("stylemixer: failed to start teardown worker: %w", err)
	}
	m.started = true

	if m.audio != nil {
		m.audioCancel = m.audio.Subscribe(m.onAudioPad)
	}

	m.mu.Lock()
	m.relayoutLocked("start")
	width, height := m.style.Width, m.style.Height
	m.mu.Unlock()

	context.AfterFunc(ctx, func() {
		if err := m.Stop(); err != nil {
			m.logger.Warn("stylemixer: stop on context cancel failed", "error", err)
		}
	})

	m.logger.Info("stylemixer: started",
		"max_views", m.maxViews,
		"width", width,
		"height", height,
	)
	return nil
}

// Stop removes every port, waits for all teardowns to finish and releases
// owned resources.
//
// Idempotent: Safe to call multiple times (subsequent calls no-op).
func (m *Mixer) Stop() error {
	m.startedMu.Lock()
	if m.stopped {
		m.startedMu.Unlock()
		return nil
	}
	m.stopped = true
	started := m.started
	cancelAudio := m.audioCancel
	m.startedMu.Unlock()

	m.mu.Lock()
	m.stopping = true
	var recs []*registry.Record
	m.reg.ForEach(func(rec *registry.Record) {
		recs = append(recs, rec)
	})
	for _, rec := range recs {
		m.finishLocked(rec, "stop")
	}
	if started {
		m.relayoutLocked("stop")
	}
	m.mu.Unlock()

	if cancelAudio != nil {
		cancelAudio()
	}

	if !started {
		// Teardowns queued above still need a worker to run on.
		if err := m.queue.Start(context.Background()); err != nil {
			m.logger.Debug("stylemixer: teardown worker unavailable", "error", err)
		}
	}
	if err := m.queue.Stop(); err != nil {
		return fmt.Errorf("stylemixer: failed to drain teardown queue: %w", err)
	}

	m.bus.Close()

	if m.ownFetcher != nil {
		if err := m.ownFetcher.Close(); err != nil {
			m.logger.Warn("stylemixer: failed to close background fetcher", "error", err)
		}
	}

	m.logger.Info("stylemixer: stopped",
		"ports_added", m.portsAdded.Load(),
		"ports_removed", m.portsRemoved.Load(),
	)
	return nil
}

// AddPort registers a new Pending port for ep and creates its media pipe.
//
// The returned id is unique for the lifetime of the Mixer. A pipe or audio
// sink that cannot be created is logged; the port stays Pending and can
// still be removed.
func (m *Mixer) AddPort(ep Endpoint) (int, error) {
	if ep == nil {
		return 0, ErrNilEndpoint
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopping {
		return 0, ErrStopped
	}

	rec := m.reg.Add()
	id := rec.ID()
	p := &port{endpoint: ep}
	rec.Payload = p
	m.portsAdded.Add(1)

	pipe, err := m.pipes.CreatePipe(id, m)
	if err != nil {
		m.recordError(err, "stylemixer: failed to create port pipe", "port_id", id)
	} else {
		p.pipe = pipe
	}

	if m.audio != nil {
		if err := m.audio.RequestSink(id); err != nil {
			m.recordError(err, "stylemixer: failed to request audio sink", "port_id", id)
		} else {
			p.audio = true
		}
	}

	m.logger.Info("stylemixer: port added",
		"port_id", id,
		"view_id", ep.ViewID(),
		"pipe", p.pipe != nil,
	)
	return id, nil
}

// OnFirstMedia attaches a Pending port to the compositor. Called by the
// port's pipe on its streaming thread when the first media unit arrives.
func (m *Mixer) OnFirstMedia(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.reg.Get(id)
	if rec == nil {
		m.noteRace("stylemixer: media for unknown port", id)
		return
	}
	if rec.State != registry.Pending {
		m.noteRace("stylemixer: duplicate first media", id, "state", rec.State.String())
		return
	}

	p := rec.Payload.(*port)
	if p.pipe == nil {
		return
	}

	input, err := m.compositor.RequestInput(id)
	if err != nil {
		m.recordError(err, "stylemixer: failed to request compositor input", "port_id", id)
		return
	}

	if err := p.pipe.Link(input); err != nil {
		m.recordError(err, "stylemixer: failed to link port pipe", "port_id", id, "input", input)
		// The input is released off the streaming thread; negative keys
		// never collide with teardown keys.
		scheduled := m.queue.Enqueue(-id, func() {
			if err := m.compositor.ReleaseInput(input); err != nil {
				m.recordError(err, "stylemixer: failed to release unlinked input", "port_id", id, "input", input)
			}
		})
		if !scheduled {
			m.logger.Warn("stylemixer: unlinked input not released", "port_id", id, "input", input)
		}
		return
	}

	rec.Input = input
	rec.Attached = true
	m.reg.SetState(rec, registry.Active)
	m.attachments.Add(1)

	m.logger.Info("stylemixer: port attached",
		"port_id", id,
		"input", input,
		"eos_observed", rec.EOSObserved,
	)
	m.relayoutLocked("attach")
}

// RemovePort starts removal of a port.
//
// A Pending port is torn down at once. An Active port is hidden, the
// remaining ports are re-tiled and an end-of-stream marker is injected;
// teardown follows when the marker has drained (see OnEndOfStream).
// Removing an unknown or already detaching port is a no-op.
func (m *Mixer) RemovePort(id int) {
	m.mu.Lock()

	rec := m.reg.Get(id)
	if rec == nil {
		m.mu.Unlock()
		m.noteRace("stylemixer: remove of unknown port", id)
		return
	}

	switch rec.State {
	case registry.Pending:
		m.finishLocked(rec, "removed before media")
		m.mu.Unlock()
		return

	case registry.Active:
		m.reg.SetState(rec, registry.Detaching)
		m.logger.Info("stylemixer: port detaching", "port_id", id, "eos_observed", rec.EOSObserved)
		m.relayoutLocked("detach")

		if rec.EOSObserved {
			m.finishLocked(rec, "eos already observed")
			m.mu.Unlock()
			return
		}

		pipe := rec.Payload.(*port).pipe
		m.mu.Unlock()

		// The marker may be observed synchronously, in which case
		// OnEndOfStream has already finished the port when SendEOS returns.
		if pipe.SendEOS() {
			return
		}

		m.mu.Lock()
		if m.reg.Get(id) == rec && rec.State == registry.Detaching {
			m.finishLocked(rec, "eos not sent")
		}
		m.mu.Unlock()

	default:
		m.mu.Unlock()
		m.noteRace("stylemixer: port already detaching", id)
	}
}

// OnEndOfStream records an end-of-stream marker at a port's attach point.
// Called by the port's pipe on its streaming thread.
//
// For a Detaching port this completes removal. For any other port the
// marker came from upstream and is remembered so that a later RemovePort
// need not wait for a marker that will never come.
func (m *Mixer) OnEndOfStream(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.reg.Get(id)
	if rec == nil {
		m.noteRace("stylemixer: eos for unknown port", id)
		return
	}

	switch rec.State {
	case registry.Detaching:
		m.finishLocked(rec, "eos")
	default:
		rec.EOSObserved = true
		m.logger.Debug("stylemixer: upstream eos", "port_id", id, "state", rec.State.String())
	}
}

// finishLocked removes rec from the registry and schedules its teardown.
// The scheduled task holds its own reference to rec.
func (m *Mixer) finishLocked(rec *registry.Record, reason string) {
	id := rec.ID()
	p := rec.Payload.(*port)
	input, attached := rec.Input, rec.Attached

	if rec.State == registry.Active {
		m.reg.SetState(rec, registry.Detaching)
		m.relayoutLocked("detach")
	}

	held := rec.Ref()
	m.reg.Delete(id)
	rec.TeardownQueued = true

	task := func() {
		m.teardown(held, p, input, attached)
	}
	if !m.queue.Enqueue(id, task) {
		m.logger.Warn("stylemixer: teardown not scheduled", "port_id", id, "reason", reason)
		held.Release()
		return
	}

	m.logger.Debug("stylemixer: teardown scheduled", "port_id", id, "reason", reason)
}

// teardown runs on the deferred worker without the mixer lock.
func (m *Mixer) teardown(rec *registry.Record, p *port, input int, attached bool) {
	defer rec.Release()

	id := rec.ID()
	if p.pipe != nil {
		if err := p.pipe.Teardown(); err != nil {
			m.recordError(err, "stylemixer: pipe teardown failed", "port_id", id)
		}
	}
	if attached {
		if err := m.compositor.ReleaseInput(input); err != nil {
			m.recordError(err, "stylemixer: failed to release compositor input", "port_id", id, "input", input)
		}
	}
	if p.audio {
		if err := m.audio.ReleaseSink(id); err != nil {
			m.recordError(err, "stylemixer: failed to release audio sink", "port_id", id)
		}
	}

	m.portsRemoved.Add(1)
	m.logger.Info("stylemixer: port removed", "port_id", id)
}

// computeLocked runs the layout engine over the Active ports. Each endpoint's
// view id is re-read on every pass.
func (m *Mixer) computeLocked() layout.Result {
	ports := make([]layout.Port, 0, m.reg.ActiveCount())
	m.reg.ForEachActive(func(rec *registry.Record) {
		p := rec.Payload.(*port)
		ports = append(ports, layout.Port{ID: rec.ID(), ViewID: p.endpoint.ViewID()})
	})
	return layout.Compute(ports, m.views, m.style)
}

// relayoutLocked recomputes the layout and pushes it to every attached
// input and the overlay. Attached ports that are not Active get a hidden
// geometry.
func (m *Mixer) relayoutLocked(reason string) {
	res := m.computeLocked()

	m.reg.ForEach(func(rec *registry.Record) {
		if !rec.Attached {
			return
		}
		g, ok := res.Lookup(rec.ID())
		if !ok {
			g = layout.Hidden()
		}
		rec.Geometry = g
		if err := m.compositor.SetInputGeometry(rec.Input, g); err != nil {
			m.recordError(err, "stylemixer: failed to set input geometry", "port_id", rec.ID(), "input", rec.Input)
		}
	})

	m.pushOverlayLocked(res, reason)
	m.layoutPasses.Add(1)
}

// pushOverlayLocked sends the overlay descriptor and publishes a snapshot.
func (m *Mixer) pushOverlayLocked(res layout.Result, reason string) {
	if err := m.overlay.SetStyle(res.Overlay); err != nil {
		m.recordError(err, "stylemixer: failed to update overlay")
	}

	m.seq++
	m.last = layoutbus.Snapshot{
		Seq:       m.seq,
		TraceID:   uuid.NewString(),
		Timestamp: time.Now(),
		Reason:    reason,
		Result:    res,
	}
	m.bus.Publish(m.last)

	m.logger.Debug("stylemixer: layout published",
		"seq", m.seq,
		"trace_id", m.last.TraceID,
		"reason", reason,
		"bound", res.Bound,
	)
}

// ApplyStyle parses text and merges it into the current style.
//
// It returns false only when text is not a JSON object; individual fields
// that are malformed or out of range are skipped and logged. A background
// URI is resolved before the lock is taken; when resolution fails the
// previous background stays.
func (m *Mixer) ApplyStyle(text string) bool {
	patch, err := style.Parse(text, m.maxViews)
	if err != nil {
		m.stylesRejected.Add(1)
		m.recordError(err, "stylemixer: style rejected")
		return false
	}
	if len(patch.Ignored) > 0 {
		m.logger.Warn("stylemixer: style fields ignored", "fields", patch.Ignored)
	}

	var (
		bgURI  string
		bgPath string
		bgOK   bool
	)
	if patch.Background != nil {
		bgURI = *patch.Background
		m.mu.Lock()
		current := m.style.Background
		m.mu.Unlock()

		if bgURI != current {
			ctx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
			bgPath, err = m.backgrounds.Resolve(ctx, bgURI)
			cancel()
			if err != nil {
				m.recordError(err, "stylemixer: background not applied", "uri", bgURI)
			} else {
				bgOK = true
			}
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changes := style.Apply(&m.style, m.views, patch)
	if len(changes.Rejected) > 0 {
		m.logger.Warn("stylemixer: style fields rejected", "fields", changes.Rejected)
	}

	if bgOK {
		if err := m.overlay.SetBackground(bgPath); err != nil {
			m.recordError(err, "stylemixer: failed to set background", "uri", bgURI)
		} else {
			m.style.Background = bgURI
		}
	}

	switch {
	case changes.Geometry:
		m.relayoutLocked("style")
	case changes.Overlay:
		m.pushOverlayLocked(m.computeLocked(), "font")
	}

	m.stylesApplied.Add(1)
	m.logger.Info("stylemixer: style applied",
		"geometry", changes.Geometry,
		"overlay", changes.Overlay,
		"background", bgOK,
	)
	return true
}

// CurrentStyle serializes the current style. Passing the result to
// ApplyStyle leaves the layout unchanged.
func (m *Mixer) CurrentStyle() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return style.Encode(m.style, m.views)
}

// Relayout forces a layout pass, for instance after an endpoint changed
// its view id.
func (m *Mixer) Relayout() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.relayoutLocked("relayout")
}

// Ports returns every registered port in id order.
func (m *Mixer) Ports() []PortInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PortInfo, 0, m.reg.Len())
	m.reg.ForEach(func(rec *registry.Record) {
		p := rec.Payload.(*port)
		out = append(out, PortInfo{
			ID:          rec.ID(),
			ViewID:      p.endpoint.ViewID(),
			State:       rec.State.String(),
			EOSObserved: rec.EOSObserved,
			Attached:    rec.Attached,
			Geometry:    rec.Geometry,
		})
	})
	return out
}

// Layout returns the last published snapshot. Seq is zero before Start.
func (m *Mixer) Layout() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.last
}

// Subscribe returns a channel that receives every layout snapshot, starting
// with the current one. Snapshots are dropped when the channel is full.
func (m *Mixer) Subscribe(id string) (<-chan Snapshot, error) {
	ch := make(chan Snapshot, m.snapshotBuffer)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.bus.Subscribe(id, ch); err != nil {
		return nil, fmt.Errorf("stylemixer: subscribe %q: %w", id, err)
	}
	if m.last.Seq > 0 {
		ch <- m.last
	}
	return ch, nil
}

// SubscribeLatest returns a holder that always keeps the newest unread
// snapshot. Use Layout for the snapshot current at subscription time.
func (m *Mixer) SubscribeLatest(id string) (*LatestSnapshot, error) {
	l, err := m.bus.SubscribeLatest(id)
	if err != nil {
		return nil, fmt.Errorf("stylemixer: subscribe %q: %w", id, err)
	}
	return l, nil
}

// Unsubscribe removes a snapshot observer.
func (m *Mixer) Unsubscribe(id string) error {
	if err := m.bus.Unsubscribe(id); err != nil {
		return fmt.Errorf("stylemixer: unsubscribe %q: %w", id, err)
	}
	return nil
}

// Stats returns current counters.
func (m *Mixer) Stats() Stats {
	m.mu.Lock()
	byState := m.reg.CountByState()
	m.mu.Unlock()

	errs := make(map[string]uint64, len(errorCategories))
	for _, cat := range errorCategories {
		errs[cat.String()] = m.errorCounts[cat].Load()
	}

	return Stats{
		Pending:          byState[registry.Pending],
		Active:           byState[registry.Active],
		Detaching:        byState[registry.Detaching],
		PortsAdded:       m.portsAdded.Load(),
		PortsRemoved:     m.portsRemoved.Load(),
		Attachments:      m.attachments.Load(),
		LayoutPasses:     m.layoutPasses.Load(),
		StylesApplied:    m.stylesApplied.Load(),
		StylesRejected:   m.stylesRejected.Load(),
		RacesResolved:    m.races.Load(),
		TeardownsPending: m.queue.Stats().Pending,
		ErrorsByCategory: errs,
	}
}

// recordError classifies, counts and logs a locally handled error.
func (m *Mixer) recordError(err error, msg string, args ...any) {
	cat := ClassifyError(err)
	m.errorCounts[cat].Add(1)
	args = append(args, "error", err, "category", cat.String())
	m.logger.Warn(msg, args...)
}

// noteRace counts a signal that arrived after the state it refers to.
func (m *Mixer) noteRace(msg string, id int, args ...any) {
	m.races.Add(1)
	m.errorCounts[ErrCategoryRace].Add(1)
	args = append([]any{"port_id", id, "category", ErrCategoryRace.String()}, args...)
	m.logger.Debug(msg, args...)
}
