package style

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/stylemixer/internal/layout"
)

func TestParseRejectsNonObjects(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want error
	}{
		{"empty", "", ErrEmpty},
		{"blank", "  \n", ErrEmpty},
		{"garbage", "{width:", ErrMalformed},
		{"array", "[1,2]", ErrMalformed},
		{"null", "null", ErrMalformed},
		{"padded null", " null\n", ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.in, layout.DefaultMaxViews)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseSkipsBadFields(t *testing.T) {
	p, err := Parse(`{"width": "wide", "pad-x": 40, "font-desc": 12, "mystery": true, "line-weight": 1.5}`, 4)
	require.NoError(t, err)

	assert.Nil(t, p.Width)
	require.NotNil(t, p.PadX)
	assert.Equal(t, 40, *p.PadX)
	assert.Nil(t, p.FontDesc)
	assert.Nil(t, p.LineWeight)
	assert.ElementsMatch(t, []string{"width", "font-desc", "mystery", "line-weight"}, p.Ignored)
}

func TestParseViews(t *testing.T) {
	doc := `{"views": [
		{"width": 640, "height": 480, "text": "123"},
		"not an object",
		{"id": 3, "enable": 0},
		{"text": "abc", "enable": true},
		{"text": "overflow"}
	]}`

	p, err := Parse(doc, 4)
	require.NoError(t, err)
	require.True(t, p.HasViews)
	require.Len(t, p.Views, 4)

	assert.Equal(t, 640, *p.Views[0].Width)
	assert.Equal(t, "123", *p.Views[0].Text)
	assert.Equal(t, ViewPatch{}, p.Views[1])
	assert.Equal(t, 3, *p.Views[2].ID)
	assert.False(t, *p.Views[2].Enable)
	assert.True(t, *p.Views[3].Enable)
	assert.Contains(t, p.Ignored, "views[1]")
	assert.Contains(t, p.Ignored, "views[4]")
}

func TestApplyCanvasFirstWins(t *testing.T) {
	st := layout.DefaultStyle()
	views := layout.DefaultViews(4)

	p, err := Parse(`{"width": 640, "height": 480}`, 4)
	require.NoError(t, err)
	c := Apply(&st, views, p)
	assert.True(t, c.Geometry)
	assert.Equal(t, 640, st.Width)
	assert.Equal(t, 480, st.Height)
	assert.True(t, st.WidthFixed)
	assert.True(t, st.HeightFixed)

	p, err = Parse(`{"width": 1920, "height": 480}`, 4)
	require.NoError(t, err)
	c = Apply(&st, views, p)
	assert.False(t, c.Changed())
	assert.Equal(t, []string{"width"}, c.Rejected)
	assert.Equal(t, 640, st.Width)
}

func TestApplyCanvasDimensionsFixIndependently(t *testing.T) {
	st := layout.DefaultStyle()
	views := layout.DefaultViews(4)

	p, err := Parse(`{"width": 640}`, 4)
	require.NoError(t, err)
	Apply(&st, views, p)
	assert.True(t, st.WidthFixed)
	assert.False(t, st.HeightFixed)

	p, err = Parse(`{"width": 800, "height": 360}`, 4)
	require.NoError(t, err)
	c := Apply(&st, views, p)
	assert.Equal(t, []string{"width"}, c.Rejected)
	assert.Equal(t, 640, st.Width)
	assert.Equal(t, 360, st.Height)
	assert.True(t, st.HeightFixed)
}

func TestApplyCanvasRefitsPadding(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		padX   int
		padY   int
		weight int
	}{
		{
			name:   "narrow canvas re-derives pad-x",
			doc:    `{"width": 100, "height": 100}`,
			padX:   10,
			padY:   72,
			weight: 2,
		},
		{
			name:   "pads that still fit are kept",
			doc:    `{"width": 1920, "height": 1080}`,
			padX:   128,
			padY:   72,
			weight: 2,
		},
		{
			name:   "explicit pads in the same document win",
			doc:    `{"width": 100, "height": 100, "pad-x": 4, "pad-y": 6}`,
			padX:   4,
			padY:   6,
			weight: 2,
		},
		{
			name:   "line weight shrinks to fit a short canvas",
			doc:    `{"width": 100, "height": 4}`,
			padX:   10,
			padY:   0,
			weight: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := layout.DefaultStyle()
			views := layout.DefaultViews(4)

			p, err := Parse(tt.doc, 4)
			require.NoError(t, err)
			c := Apply(&st, views, p)

			assert.True(t, c.Geometry)
			assert.Equal(t, tt.padX, st.PadX)
			assert.Equal(t, tt.padY, st.PadY)
			assert.Equal(t, tt.weight, st.LineWeight)
			assert.Less(t, st.PadX, st.Width)
			assert.Less(t, 2*st.LineWeight, st.Height-st.PadY)
		})
	}
}

func TestApplyViewsResetWholesale(t *testing.T) {
	st := layout.DefaultStyle()
	views := layout.DefaultViews(4)

	p, _ := Parse(`{"views": [{"id": 1, "text": "a"}, {"id": 2, "text": "b"}, {"id": 3}]}`, 4)
	Apply(&st, views, p)
	require.Equal(t, 3, views[2].ID)

	p, _ = Parse(`{"views": [{"text": "only"}]}`, 4)
	c := Apply(&st, views, p)

	assert.True(t, c.Geometry)
	assert.Equal(t, layout.ViewSlot{ID: layout.Unbound, Enabled: true, Width: -1, Height: -1, Text: "only"}, views[0])
	for i := 1; i < 4; i++ {
		assert.Equal(t, layout.DefaultViews(1)[0], views[i], "slot %d", i)
	}
}

func TestApplyFontOnlyTouchesOverlay(t *testing.T) {
	st := layout.DefaultStyle()
	views := layout.DefaultViews(4)

	p, _ := Parse(`{"font-desc": "mono 12"}`, 4)
	c := Apply(&st, views, p)

	assert.False(t, c.Geometry)
	assert.True(t, c.Overlay)
	assert.Equal(t, "mono 12", st.FontDesc)
}

func TestApplyRejectsOutOfRangePadding(t *testing.T) {
	st := layout.DefaultStyle()
	views := layout.DefaultViews(4)

	p, _ := Parse(`{"pad-x": 5000, "pad-y": -1, "line-weight": 4}`, 4)
	c := Apply(&st, views, p)

	assert.ElementsMatch(t, []string{"pad-x", "pad-y"}, c.Rejected)
	assert.Equal(t, 128, st.PadX)
	assert.Equal(t, 4, st.LineWeight)
	assert.True(t, c.Geometry)
}

func TestApplyTruncatesText(t *testing.T) {
	st := layout.DefaultStyle()
	views := layout.DefaultViews(4)

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	p, _ := Parse(`{"views": [{"text": "`+string(long)+`"}]}`, 4)
	Apply(&st, views, p)

	assert.Len(t, views[0].Text, MaxTextLen)
}

func TestEncodeRoundTrip(t *testing.T) {
	st := layout.DefaultStyle()
	views := layout.DefaultViews(4)

	p, _ := Parse(`{"width": 800, "height": 600, "pad-x": 40, "pad-y": 40, "font-desc": "serif 10",
		"views": [{"id": 7, "text": "host", "width": 640, "height": 480}, {"enable": false}]}`, 4)
	Apply(&st, views, p)

	beforeStyle, beforeViews := st, append([]layout.ViewSlot(nil), views...)

	p, err := Parse(Encode(st, views), 4)
	require.NoError(t, err)
	assert.Empty(t, p.Ignored)
	c := Apply(&st, views, p)

	assert.Empty(t, c.Rejected)
	assert.Equal(t, beforeStyle, st)
	assert.Equal(t, beforeViews, views)
}
