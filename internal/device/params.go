package device

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dvbkit/satbridge/internal/types"
)

// ErrChannelParams is returned when a channel cannot be expressed as a
// tuning parameter string.
var ErrChannelParams = errors.New("unrecognized channel parameters")

// transponderParams renders the delivery side of a channel as the query
// string the streaming servers understand. The result is normalized so
// two equal transponders always render identically.
func transponderParams(ch *types.Channel) (string, error) {
	if ch == nil {
		return "", ErrChannelParams
	}
	freq := ch.FrequencyMHz()
	if freq <= 0 {
		return "", fmt.Errorf("%w: frequency %d", ErrChannelParams, ch.Frequency)
	}

	var sb strings.Builder
	switch ch.System {
	case types.SystemDVBS, types.SystemDVBS2:
		pol := ch.Polarization | 0x20
		switch pol {
		case 'h', 'v', 'l', 'r':
		default:
			return "", fmt.Errorf("%w: polarization %q", ErrChannelParams, ch.Polarization)
		}
		if ch.SymbolRate <= 0 {
			return "", fmt.Errorf("%w: symbol rate %d", ErrChannelParams, ch.SymbolRate)
		}
		fmt.Fprintf(&sb, "src=1&freq=%d&pol=%c&msys=%s&sr=%d", freq, pol, ch.System, ch.SymbolRate)
	case types.SystemDVBC, types.SystemDVBC2:
		if ch.SymbolRate <= 0 {
			return "", fmt.Errorf("%w: symbol rate %d", ErrChannelParams, ch.SymbolRate)
		}
		fmt.Fprintf(&sb, "freq=%d&msys=%s&sr=%d", freq, ch.System, ch.SymbolRate)
	case types.SystemDVBT, types.SystemDVBT2:
		bw := ch.Bandwidth
		if bw <= 0 {
			bw = 8
		}
		fmt.Fprintf(&sb, "freq=%d&bw=%d&msys=%s", freq, bw, ch.System)
	default:
		return "", fmt.Errorf("%w: system %q", ErrChannelParams, ch.System)
	}

	if m := strings.ToLower(strings.TrimSpace(ch.Modulation)); m != "" {
		fmt.Fprintf(&sb, "&mtype=%s", m)
	}
	return sb.String(), nil
}
