package stylemixer

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/stylemixer/internal/layout"
)

// Options configures a Mixer.
type Options struct {
	// Compositor, Overlay and Pipes are required.
	Compositor Compositor
	Overlay    Overlay
	Pipes      PipeFactory

	// AudioMixer and AudioRouter enable audio bridging. Both or neither.
	AudioMixer  AudioMixer
	AudioRouter AudioRouter

	// Backgrounds resolves background URIs. When nil the Mixer creates its
	// own fetcher with a scratch directory under os.TempDir() and closes it
	// on Stop.
	Backgrounds BackgroundResolver

	// MaxViews is the number of view slots (default: 4).
	MaxViews int

	// Style seeds the canvas before any style document is applied. Zero
	// fields take their defaults; WidthFixed and HeightFixed are honoured.
	Style *layout.Style

	// FetchTimeout bounds background resolution inside ApplyStyle
	// (default: 15 seconds).
	FetchTimeout time.Duration

	// SnapshotBuffer is the channel capacity handed out by Subscribe
	// (default: 8).
	SnapshotBuffer int

	Logger *slog.Logger
}

const (
	defaultFetchTimeout   = 15 * time.Second
	defaultSnapshotBuffer = 8
	maxViewsLimit         = 16
)

// validate checks required collaborators and fills defaults.
func (o *Options) validate() error {
	var errs []error

	if o.Compositor == nil {
		errs = append(errs, errors.New("compositor is required"))
	}
	if o.Overlay == nil {
		errs = append(errs, errors.New("overlay is required"))
	}
	if o.Pipes == nil {
		errs = append(errs, errors.New("pipe factory is required"))
	}
	if (o.AudioMixer == nil) != (o.AudioRouter == nil) {
		errs = append(errs, errors.New("audio mixer and audio router must be set together"))
	}

	switch {
	case o.MaxViews == 0:
		o.MaxViews = layout.DefaultMaxViews
	case o.MaxViews < 0 || o.MaxViews > maxViewsLimit:
		errs = append(errs, fmt.Errorf("max views must be between 1 and %d, got %d", maxViewsLimit, o.MaxViews))
	}

	if o.Style != nil {
		st := *o.Style
		if st.Width < 0 || st.Height < 0 || st.FrameRate < 0 {
			errs = append(errs, fmt.Errorf("style canvas must not be negative, got %dx%d@%d", st.Width, st.Height, st.FrameRate))
		}
	}

	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.SnapshotBuffer <= 0 {
		o.SnapshotBuffer = defaultSnapshotBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if len(errs) > 0 {
		return fmt.Errorf("stylemixer: invalid options: %w", errors.Join(errs...))
	}
	return nil
}

// initialStyle merges a seed style over the defaults.
func initialStyle(seed *layout.Style) layout.Style {
	st := layout.DefaultStyle()
	if seed == nil {
		return st
	}
	if seed.Width > 0 {
		st.Width = seed.Width
		st.PadX = seed.Width / 10
	}
	if seed.Height > 0 {
		st.Height = seed.Height
		st.PadY = seed.Height / 10
	}
	if seed.FrameRate > 0 {
		st.FrameRate = seed.FrameRate
	}
	if seed.PadX > 0 && seed.PadX < st.Width {
		st.PadX = seed.PadX
	}
	if seed.PadY > 0 && seed.PadY < st.Height {
		st.PadY = seed.PadY
	}
	if seed.LineWeight > 0 && 2*seed.LineWeight < st.Height-st.PadY {
		st.LineWeight = seed.LineWeight
	}
	if seed.FontDesc != "" {
		st.FontDesc = seed.FontDesc
	}
	st.WidthFixed = seed.WidthFixed
	st.HeightFixed = seed.HeightFixed
	return st
}
