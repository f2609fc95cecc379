// Package filter implements the per-device section filter table that tees
// table sections off the live transport stream.
package filter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Comcast/gots/packet"
	"github.com/sirupsen/logrus"

	"github.com/dvbkit/satbridge/internal/types"
)

const (
	// maxFilters bounds how many section filters one device can hold open.
	maxFilters = 32
	// sectionBacklog is the number of matched sections queued per filter
	// before the oldest is dropped.
	sectionBacklog = 16
)

// Filter is one registered section match rule.
type Filter struct {
	handle   int
	pid      int
	tid      byte
	mask     byte
	sections chan []byte
	matched  int64
	dropped  int64
}

// Table holds the open section filters of one device and routes raw stream
// bytes to them. All methods are safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	filters map[int]*Filter
	next    int
	carry   []byte
	closed  bool
	log     *logrus.Entry
}

// NewTable creates an empty filter table for the given device index.
func NewTable(device int, logger *logrus.Logger) *Table {
	return &Table{
		filters: make(map[int]*Filter),
		log:     logger.WithField("device", device),
	}
}

// Open registers a filter matching tid under mask on pid and returns its
// handle, or -1 when the pid is out of range or the table is full.
func (t *Table) Open(pid int, tid, mask byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || pid < 0 || pid > types.MaxPid || len(t.filters) >= maxFilters {
		return -1
	}

	handle := t.next
	t.next++
	t.filters[handle] = &Filter{
		handle:   handle,
		pid:      pid,
		tid:      tid,
		mask:     mask,
		sections: make(chan []byte, sectionBacklog),
	}

	t.log.WithFields(logrus.Fields{
		"handle": handle,
		"pid":    pid,
		"tid":    fmt.Sprintf("0x%02X", tid),
		"mask":   fmt.Sprintf("0x%02X", mask),
	}).Debug("Opened section filter")

	return handle
}

// Close removes the filter behind handle. Unknown handles are ignored.
func (t *Table) Close(handle int) {
	t.mu.Lock()
	f, ok := t.filters[handle]
	if ok {
		delete(t.filters, handle)
		close(f.sections)
	}
	t.mu.Unlock()

	if ok {
		t.log.WithFields(logrus.Fields{
			"handle": handle,
			"pid":    f.pid,
		}).Debug("Closed section filter")
	}
}

// Pid returns the pid the filter behind handle listens on, or -1 when the
// handle is unknown.
func (t *Table) Pid(handle int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.filters[handle]; ok {
		return f.pid
	}
	return -1
}

// Exists reports whether any open filter listens on pid.
func (t *Table) Exists(pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.filters {
		if f.pid == pid {
			return true
		}
	}
	return false
}

// Sections returns the delivery channel of the filter behind handle, or nil
// when the handle is unknown. The channel is closed when the filter is.
func (t *Table) Sections(handle int) <-chan []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.filters[handle]; ok {
		return f.sections
	}
	return nil
}

// Write feeds raw stream bytes to the table. Chunks may start and end
// anywhere; packet boundaries are reassembled across calls.
func (t *Table) Write(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	if len(t.filters) == 0 {
		// Nothing listens; drop any partial carry too.
		t.carry = nil
		return
	}

	data := p
	if len(t.carry) > 0 {
		data = append(t.carry, p...)
	}

	for len(data) >= packet.PacketSize {
		if data[0] != 0x47 {
			skip := 1
			for skip < len(data) && data[skip] != 0x47 {
				skip++
			}
			data = data[skip:]
			continue
		}
		pkt := new(packet.Packet)
		copy(pkt[:], data[:packet.PacketSize])
		t.dispatch(pkt)
		data = data[packet.PacketSize:]
	}

	if len(data) > 0 {
		t.carry = append([]byte(nil), data...)
	} else {
		t.carry = nil
	}
}

// dispatch gates one packet against every filter on its pid. Callers hold
// the lock.
func (t *Table) dispatch(pkt *packet.Packet) {
	pid := pkt.PID()
	for _, f := range t.filters {
		if f.pid != pid {
			continue
		}
		// Only packets opening a new section carry the table id the gate
		// needs; continuation packets are not tracked.
		if !packet.PayloadUnitStartIndicator(pkt) {
			continue
		}

		start := payloadStart(pkt[:])
		if start < 0 || start >= packet.PacketSize {
			continue
		}
		pointer := int(pkt[start])
		head := start + 1 + pointer
		if head >= packet.PacketSize {
			continue
		}

		tid := pkt[head]
		if tid&f.mask != f.tid&f.mask {
			continue
		}

		section := append([]byte(nil), pkt[head:]...)
		if len(f.sections) == cap(f.sections) {
			// Drop the oldest queued section so delivery never stalls.
			select {
			case <-f.sections:
				f.dropped++
			default:
			}
		}
		select {
		case f.sections <- section:
			f.matched++
		default:
			f.dropped++
		}
	}
}

// payloadStart returns the offset of the payload within a raw TS packet,
// or -1 when the packet carries none.
func payloadStart(b []byte) int {
	const headerLen = 4
	switch b[3] >> 4 & 0x3 {
	case 0x1:
		return headerLen
	case 0x3:
		off := headerLen + 1 + int(b[4])
		if off > len(b) {
			return -1
		}
		return off
	}
	return -1
}

// Information renders the open filters for the diagnostic pages.
func (t *Table) Information() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	handles := make([]int, 0, len(t.filters))
	for h := range t.filters {
		handles = append(handles, h)
	}
	sort.Ints(handles)

	var b strings.Builder
	b.WriteString("Active section filters:\n")
	for _, h := range handles {
		f := t.filters[h]
		fmt.Fprintf(&b, "%3d: pid %d tid 0x%02X mask 0x%02X (%d matched, %d dropped)\n",
			f.handle, f.pid, f.tid, f.mask, f.matched, f.dropped)
	}
	fmt.Fprintf(&b, "Filters: %d of %d\n", len(handles), maxFilters)
	return b.String()
}

// CloseAll closes every filter and stops the table for good. Later writes
// and opens are ignored.
func (t *Table) CloseAll() {
	t.mu.Lock()
	for h, f := range t.filters {
		delete(t.filters, h)
		close(f.sections)
	}
	t.closed = true
	t.carry = nil
	t.mu.Unlock()
}
