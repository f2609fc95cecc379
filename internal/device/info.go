package device

import (
	"fmt"
	"strings"
)

// InfoPage selects one slice of a device's diagnostic output.
type InfoPage int

const (
	// PageAll combines the general, pid and filter pages.
	PageAll InfoPage = iota
	// PageGeneral covers session, signal, bitrate, buffer and channel.
	PageGeneral
	// PagePids lists the per-pid traffic counters.
	PagePids
	// PageFilters lists the open section filters.
	PageFilters
	// PageProtocol is the session's protocol summary alone.
	PageProtocol
	// PageBitrate is the session's bitrate summary alone.
	PageBitrate
)

// ParsePage maps a page name from a status request to an InfoPage. The
// empty string means PageAll.
func ParsePage(s string) (InfoPage, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return PageAll, nil
	case "general":
		return PageGeneral, nil
	case "pids":
		return PagePids, nil
	case "filters":
		return PageFilters, nil
	case "protocol":
		return PageProtocol, nil
	case "bitrate":
		return PageBitrate, nil
	}
	return PageAll, fmt.Errorf("unknown information page %q", s)
}

// Information renders the requested diagnostic page. Rendering has no
// effect on live state.
func (b *Bridge) Information(page InfoPage) string {
	switch page {
	case PageGeneral:
		return b.generalInformation()
	case PagePids:
		return b.pidStats.Summary()
	case PageFilters:
		return b.filters.Information()
	case PageProtocol:
		return b.session.Information()
	case PageBitrate:
		return b.session.Statistics()
	default:
		return b.generalInformation() + b.pidStats.Summary() + b.filters.Information()
	}
}

func (b *Bridge) generalInformation() string {
	b.mu.Lock()
	ch := b.current.Clone()
	b.mu.Unlock()
	return fmt.Sprintf("Device: %d\nStream: %s\nSignal: %s\nStream bitrate: %s\n%sChannel: %s\n",
		b.index,
		b.session.Information(),
		b.session.SignalStatus(),
		b.session.Statistics(),
		b.bufStats.Summary(),
		ch.String())
}
