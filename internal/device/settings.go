package device

import (
	"fmt"
	"strings"

	"github.com/dvbkit/satbridge/internal/types"
)

// Mode selects how eagerly a device advertises itself to consumers.
type Mode int

const (
	// ModeOff hides the device from channel selection.
	ModeOff Mode = iota
	// ModeLow makes the device the last pick and steers recordings away
	// from it.
	ModeLow
	// ModeNormal advertises the systems the servers actually cover.
	ModeNormal
	// ModeHigh makes the device the first pick.
	ModeHigh
)

// ParseMode parses an operating mode name. The empty string means
// ModeNormal.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off":
		return ModeOff, nil
	case "low":
		return ModeLow, nil
	case "", "normal":
		return ModeNormal, nil
	case "high":
		return ModeHigh, nil
	}
	return ModeNormal, fmt.Errorf("unknown operating mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeLow:
		return "low"
	case ModeNormal:
		return "normal"
	case ModeHigh:
		return "high"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Settings carries the tunables every device of a pool is built with.
type Settings struct {
	// BufferBytes sizes the ring buffer, rounded down to whole packets.
	// Zero means the default.
	BufferBytes int

	// Mode selects how the device advertises itself.
	Mode Mode

	// FrontendReuse lets a second consumer join an already tuned device
	// when the pids it needs are active.
	FrontendReuse bool

	// Detached keeps the device alive but makes it provide no sources
	// and deliver no packets.
	Detached bool

	// DisabledSources lists sources this device must never provide.
	DisabledSources []types.Source

	// CICams binds CA system ids to the two CI slots. Values up to 0xFF
	// name a CA system family, larger values a single id; zero leaves
	// the slot empty.
	CICams [2]int

	// EITScan allows background event information scanning.
	EITScan bool
}
