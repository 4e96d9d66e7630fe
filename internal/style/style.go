// Package style parses, applies and serializes style documents.
//
// A style document is a JSON object. Parsing is tolerant: a field that does
// not decode into its expected type is skipped and reported in
// Patch.Ignored, while the rest of the document still applies. Only input
// that is not a JSON object at all is rejected.
package style

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Field length limits.
const (
	MaxTextLen     = 128
	MaxFontDescLen = 64
)

var (
	// ErrEmpty is returned for blank input.
	ErrEmpty = errors.New("style: empty document")
	// ErrMalformed is returned when the input is not a JSON object.
	ErrMalformed = errors.New("style: malformed document")
)

// ViewPatch holds the fields supplied for one entry of the views array.
type ViewPatch struct {
	ID     *int
	Text   *string
	Width  *int
	Height *int
	Enable *bool
}

// Patch is a parsed style document. Nil fields were absent or unusable.
type Patch struct {
	Width      *int
	Height     *int
	FrameRate  *int
	PadX       *int
	PadY       *int
	LineWeight *int
	FontDesc   *string
	Background *string

	// HasViews is true when the document carried a views array, even an
	// empty one.
	HasViews bool
	Views    []ViewPatch

	// Ignored lists fields that were present but could not be used.
	Ignored []string
}

// Parse decodes a style document. maxViews bounds the views array; extra
// entries are ignored.
func Parse(text string, maxViews int) (Patch, error) {
	var p Patch

	if strings.TrimSpace(text) == "" {
		return p, ErrEmpty
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return p, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw == nil {
		return p, fmt.Errorf("%w: document is null", ErrMalformed)
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := raw[key]
		ok := true

		switch key {
		case "width":
			p.Width, ok = decodeInt(val)
		case "height":
			p.Height, ok = decodeInt(val)
		case "frame-rate":
			p.FrameRate, ok = decodeInt(val)
		case "pad-x":
			p.PadX, ok = decodeInt(val)
		case "pad-y":
			p.PadY, ok = decodeInt(val)
		case "line-weight":
			p.LineWeight, ok = decodeInt(val)
		case "font-desc":
			p.FontDesc, ok = decodeString(val)
		case "background":
			p.Background, ok = decodeString(val)
		case "views":
			ok = p.decodeViews(val, maxViews)
		default:
			ok = false
		}

		if !ok {
			p.Ignored = append(p.Ignored, key)
		}
	}

	return p, nil
}

func (p *Patch) decodeViews(val json.RawMessage, maxViews int) bool {
	var entries []json.RawMessage
	if err := json.Unmarshal(val, &entries); err != nil {
		return false
	}

	p.HasViews = true
	p.Views = make([]ViewPatch, 0, min(len(entries), maxViews))

	for i, entry := range entries {
		if i >= maxViews {
			p.Ignored = append(p.Ignored, fmt.Sprintf("views[%d]", i))
			continue
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(entry, &fields); err != nil {
			// Keep the position so later entries still land in their slot.
			p.Views = append(p.Views, ViewPatch{})
			p.Ignored = append(p.Ignored, fmt.Sprintf("views[%d]", i))
			continue
		}

		var v ViewPatch
		for _, name := range []string{"id", "text", "width", "height", "enable"} {
			raw, present := fields[name]
			if !present {
				continue
			}
			ok := true
			switch name {
			case "id":
				v.ID, ok = decodeInt(raw)
			case "text":
				v.Text, ok = decodeString(raw)
			case "width":
				v.Width, ok = decodeInt(raw)
			case "height":
				v.Height, ok = decodeInt(raw)
			case "enable":
				v.Enable, ok = decodeFlag(raw)
			}
			if !ok {
				p.Ignored = append(p.Ignored, fmt.Sprintf("views[%d].%s", i, name))
			}
		}
		p.Views = append(p.Views, v)
	}

	return true
}

func decodeInt(raw json.RawMessage) (*int, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, false
	}
	if f != float64(int(f)) {
		return nil, false
	}
	n := int(f)
	return &n, true
}

func decodeString(raw json.RawMessage) (*string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, false
	}
	return &s, true
}

// decodeFlag accepts true/false as well as numeric 0/1.
func decodeFlag(raw json.RawMessage) (*bool, bool) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return &b, true
	}
	n, ok := decodeInt(raw)
	if !ok {
		return nil, false
	}
	b = *n != 0
	return &b, true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
