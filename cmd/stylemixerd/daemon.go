package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/stylemixer"
	"github.com/e7canasta/stylemixer/internal/api"
	"github.com/e7canasta/stylemixer/internal/background"
	"github.com/e7canasta/stylemixer/internal/config"
	"github.com/e7canasta/stylemixer/internal/control"
	"github.com/e7canasta/stylemixer/internal/emitter"
	"github.com/e7canasta/stylemixer/internal/gstmixer"
	"github.com/e7canasta/stylemixer/internal/layout"
	"github.com/e7canasta/stylemixer/internal/metrics"
	"github.com/e7canasta/stylemixer/internal/stylestore"
)

const emitterSubscriber = "mqtt-emitter"

var errShutdownRequested = errors.New("stylemixerd: shutdown requested")

// daemon wires the GStreamer graph, the mixer and the outer surfaces.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	graph    *gstmixer.Graph
	hub      *gstmixer.SourceHub
	mixer    *stylemixer.Mixer
	fetcher  *background.Fetcher
	registry *prometheus.Registry

	store   *stylestore.Store
	emitter *emitter.MQTTEmitter
	control *control.Handler

	ready        atomic.Bool
	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

func newDaemon(configPath string, logger *slog.Logger) (*daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	graph, err := gstmixer.NewGraph(gstmixer.Config{
		Width:     cfg.Canvas.Width,
		Height:    cfg.Canvas.Height,
		FrameRate: cfg.Canvas.FrameRate,
		Views:     cfg.Layout.MaxViews,
		Output:    cfg.Canvas.Output,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	compositor := gstmixer.NewCompositor(graph)
	pipes := gstmixer.NewPipes(graph, compositor)
	audio := gstmixer.NewAudioMixer(graph)
	hub := gstmixer.NewSourceHub(graph, pipes, audio)

	fetcher := background.New(background.Config{
		ScratchDir: cfg.Background.ScratchDir,
		Timeout:    cfg.Background.FetchTimeout,
		CacheTTL:   cfg.Background.CacheTTL,
		MaxRetries: cfg.Background.MaxRetries,
	}, logger)

	seed := seedStyle(cfg)
	mixer, err := stylemixer.New(stylemixer.Options{
		Compositor:   compositor,
		Overlay:      gstmixer.NewOverlay(graph),
		Pipes:        pipes,
		AudioMixer:   audio,
		AudioRouter:  hub,
		Backgrounds:  fetcher,
		MaxViews:     cfg.Layout.MaxViews,
		Style:        &seed,
		FetchTimeout: cfg.Background.FetchTimeout,
		Logger:       logger,
	})
	if err != nil {
		fetcher.Close()
		return nil, err
	}
	hub.Bind(mixer)

	d := &daemon{
		cfg:        cfg,
		logger:     logger,
		graph:      graph,
		hub:        hub,
		mixer:      mixer,
		fetcher:    fetcher,
		registry:   metrics.NewRegistry(mixer),
		shutdownCh: make(chan struct{}),
	}

	if cfg.Store.Enabled {
		store, err := stylestore.Open(context.Background(), cfg.Store.Path)
		if err != nil {
			fetcher.Close()
			return nil, err
		}
		d.store = store
	}

	return d, nil
}

// seedStyle builds the canvas the graph was created with. The canvas is
// fixed: style documents cannot resize a running graph.
func seedStyle(cfg *config.Config) layout.Style {
	st := layout.DefaultStyle()
	st.Width = cfg.Canvas.Width
	st.Height = cfg.Canvas.Height
	st.FrameRate = cfg.Canvas.FrameRate
	st.PadX = cfg.Canvas.Width / 10
	st.PadY = cfg.Canvas.Height / 10
	st.FixCanvas()

	if p := cfg.Layout.PadX; p != nil {
		st.PadX = *p
	}
	if p := cfg.Layout.PadY; p != nil {
		st.PadY = *p
	}
	if lw := cfg.Layout.LineWeight; lw != nil {
		st.LineWeight = *lw
	}
	if cfg.Layout.FontDesc != "" {
		st.FontDesc = cfg.Layout.FontDesc
	}
	return st
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (d *daemon) ShutdownTimeout() time.Duration {
	return d.cfg.ShutdownTimeout
}

// Run starts every component and blocks until ctx is cancelled, the
// pipeline fails or a shutdown command arrives.
func (d *daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if err := d.mixer.Start(gctx); err != nil {
		return err
	}
	if err := d.graph.Start(gctx); err != nil {
		return err
	}
	g.Go(d.graph.Wait)

	d.restoreStyle(gctx)

	for _, src := range d.cfg.Sources {
		if _, err := d.hub.AttachSource(src.URI, src.ViewID); err != nil {
			d.logger.Warn("stylemixerd: failed to attach configured source",
				"uri", src.URI,
				"error", err,
				"category", stylemixer.ClassifyError(err).String(),
			)
		}
	}

	if d.cfg.MQTT.Broker != "" {
		if err := d.startMQTT(gctx, g); err != nil {
			return err
		}
	}

	if d.cfg.HTTP.Addr != "" {
		server, err := api.NewServer(api.Options{
			Addr:           d.cfg.HTTP.Addr,
			Mixer:          d.mixer,
			Sources:        d.hub,
			Gatherer:       d.registry,
			Ready:          d.ready.Load,
			OnStyleApplied: func(string) { d.persistStyle() },
			Logger:         d.logger,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return server.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-d.shutdownCh:
			return errShutdownRequested
		}
	})

	d.ready.Store(true)
	d.logger.Info("stylemixerd: running",
		"instance_id", d.cfg.InstanceID,
		"sources", len(d.cfg.Sources),
		"mqtt", d.cfg.MQTT.Broker != "",
		"http", d.cfg.HTTP.Addr,
	)

	err := g.Wait()
	d.ready.Store(false)
	if errors.Is(err, errShutdownRequested) {
		return nil
	}
	return err
}

func (d *daemon) startMQTT(ctx context.Context, g *errgroup.Group) error {
	mq := d.cfg.MQTT
	d.emitter = emitter.NewMQTTEmitter(emitter.Config{
		Broker:      mq.Broker,
		ClientID:    mq.ClientID,
		QoS:         mq.QoS,
		LayoutTopic: mq.Topics.Layout,
		StatusTopic: mq.Topics.Status,
	}, d.logger)
	if err := d.emitter.Connect(ctx); err != nil {
		return err
	}

	snapshots, err := d.mixer.Subscribe(emitterSubscriber)
	if err != nil {
		return fmt.Errorf("stylemixerd: subscribe emitter: %w", err)
	}
	g.Go(func() error { return d.emitter.Run(ctx, snapshots) })

	d.control = control.NewHandler(d.emitter.Client, control.Topics{
		Control: mq.Topics.Control,
		Status:  mq.Topics.Status,
	}, mq.QoS, d.callbacks(), d.logger)
	return d.control.Start(ctx)
}

func (d *daemon) callbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus:  d.status,
		OnShutdown:   d.requestShutdown,
		OnSetStyle:   d.applyStyle,
		OnGetStyle:   d.mixer.CurrentStyle,
		OnAddPort:    d.hub.AttachSource,
		OnRemovePort: d.hub.DetachSource,
		OnBindView:   d.hub.BindView,
		OnRelayout:   d.mixer.Relayout,
		OnGetLayout:  d.layout,
	}
}

func (d *daemon) requestShutdown() error {
	d.shutdownOnce.Do(func() { close(d.shutdownCh) })
	return nil
}

func (d *daemon) layout() map[string]any {
	return map[string]any{"layout": d.mixer.Layout()}
}

func (d *daemon) status() map[string]any {
	return map[string]any{
		"instance_id": d.cfg.InstanceID,
		"ready":       d.ready.Load(),
		"stats":       d.mixer.Stats(),
		"ports":       d.mixer.Ports(),
		"sources":     d.hub.Sources(),
	}
}

// applyStyle applies a style document and persists the resulting style.
func (d *daemon) applyStyle(doc string) error {
	if !d.mixer.ApplyStyle(doc) {
		return errors.New("style rejected")
	}
	d.persistStyle()
	return nil
}

// persistStyle saves the merged current style, not the patch, so that a
// restart restores it in one document.
func (d *daemon) persistStyle() {
	if d.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := d.store.Save(ctx, d.cfg.InstanceID, d.mixer.CurrentStyle()); err != nil {
		d.logger.Warn("stylemixerd: failed to persist style", "error", err)
	}
}

func (d *daemon) restoreStyle(ctx context.Context) {
	if d.store != nil {
		entry, err := d.store.Latest(ctx, d.cfg.InstanceID)
		switch {
		case err == nil:
			if d.mixer.ApplyStyle(entry.Document) {
				d.logger.Info("stylemixerd: restored persisted style", "applied_at", entry.AppliedAt)
				return
			}
			d.logger.Warn("stylemixerd: persisted style rejected, falling back to initial style")
		case errors.Is(err, stylestore.ErrNotFound):
		default:
			d.logger.Warn("stylemixerd: failed to load persisted style", "error", err)
		}
	}

	if d.cfg.InitialStyle != "" {
		if !d.mixer.ApplyStyle(d.cfg.InitialStyle) {
			d.logger.Warn("stylemixerd: initial style rejected")
		}
	}
}

// Shutdown stops every component. Sources are detached before the mixer
// stops so that their teardowns drain through the deferred queue.
func (d *daemon) Shutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		var errs []error

		if d.control != nil {
			if err := d.control.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		d.hub.DetachAll()
		if err := d.mixer.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := d.graph.Stop(); err != nil {
			errs = append(errs, err)
		}
		if d.emitter != nil {
			if err := d.emitter.Disconnect(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := d.fetcher.Close(); err != nil {
			errs = append(errs, err)
		}
		if d.store != nil {
			if err := d.store.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("stylemixerd: shutdown timed out: %w", ctx.Err())
	}
}
