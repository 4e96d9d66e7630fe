package stylemixer

import (
	"fmt"
	"strconv"
	"strings"
)

// AudioPadPrefix is the name prefix of per-port audio mixer source pads.
const AudioPadPrefix = "audio_src_"

// AudioPadName returns the name of the audio mixer pad carrying the mix for
// portID.
func AudioPadName(portID int) string {
	return fmt.Sprintf("%s%d", AudioPadPrefix, portID)
}

// parseAudioPadName extracts the port id from an audio pad name.
func parseAudioPadName(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, AudioPadPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// onAudioPad bridges per-port audio mix pads to the hub.
//
// Runs on whatever goroutine the audio mixer announces pads from, which may
// be inside RequestSink with the mixer lock held, so it never takes the
// lock itself.
func (m *Mixer) onAudioPad(ev AudioPadEvent) {
	id, ok := parseAudioPadName(ev.PadName)
	if !ok {
		m.logger.Debug("stylemixer: ignoring audio pad", "pad", ev.PadName, "kind", ev.Kind.String())
		return
	}

	switch ev.Kind {
	case AudioPadAdded:
		if err := m.router.LinkAudio(id, ev.Pad); err != nil {
			m.recordError(err, "stylemixer: failed to bridge audio", "port_id", id, "pad", ev.PadName)
			return
		}
		m.logger.Debug("stylemixer: audio bridged", "port_id", id, "pad", ev.PadName)
	case AudioPadRemoved:
		if err := m.router.UnlinkAudio(id); err != nil {
			m.recordError(err, "stylemixer: failed to unbridge audio", "port_id", id, "pad", ev.PadName)
			return
		}
		m.logger.Debug("stylemixer: audio unbridged", "port_id", id, "pad", ev.PadName)
	}
}
