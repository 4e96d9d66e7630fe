package stylemixer

import (
	"errors"
	"net"
	"strings"

	"github.com/e7canasta/stylemixer/internal/background"
	"github.com/e7canasta/stylemixer/internal/style"
)

// ErrorCategory represents the classification of locally handled errors for
// telemetry
type ErrorCategory int

const (
	// ErrCategoryConfig indicates invalid input or a missing capability
	// (malformed style, missing pad template). Previous state is kept.
	ErrCategoryConfig ErrorCategory = iota
	// ErrCategoryResource indicates a failed allocation (pad request,
	// element creation, link). The port stays Pending.
	ErrCategoryResource
	// ErrCategoryRace indicates a signal that arrived after the state it
	// refers to had moved on. Expected, never an operational problem.
	ErrCategoryRace
	// ErrCategoryNetwork indicates a failed background fetch.
	ErrCategoryNetwork
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

var errorCategories = []ErrorCategory{
	ErrCategoryConfig,
	ErrCategoryResource,
	ErrCategoryRace,
	ErrCategoryNetwork,
	ErrCategoryUnknown,
}

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryConfig:
		return "config"
	case ErrCategoryResource:
		return "resource"
	case ErrCategoryRace:
		return "race"
	case ErrCategoryNetwork:
		return "network"
	default:
		return "unknown"
	}
}

var (
	// ErrNilEndpoint is returned by AddPort for a nil endpoint.
	ErrNilEndpoint = errors.New("stylemixer: nil endpoint")
	// ErrStopped is returned by operations on a stopped Mixer.
	ErrStopped = errors.New("stylemixer: mixer stopped")
)

// ClassifyError categorizes an error for telemetry.
//
// Known sentinels are matched first; anything else falls back to keyword
// heuristics on the message, since graph errors from the media framework
// carry no structured domain.
func ClassifyError(err error) ErrorCategory {
	if err == nil {
		return ErrCategoryUnknown
	}

	switch {
	case errors.Is(err, style.ErrEmpty),
		errors.Is(err, style.ErrMalformed),
		errors.Is(err, background.ErrNotFound),
		errors.Is(err, background.ErrUnsupportedScheme):
		return ErrCategoryConfig
	case errors.Is(err, background.ErrFetch):
		return ErrCategoryNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrCategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "template", "capability", "invalid", "malformed", "property"):
		return ErrCategoryConfig
	case containsAny(msg, "request pad", "create element", "failed to link", "no such element", "pad"):
		return ErrCategoryResource
	case containsAny(msg, "connection", "timeout", "dns", "unreachable", "http"):
		return ErrCategoryNetwork
	}
	return ErrCategoryUnknown
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
