package stats

import (
	"fmt"
	"sync"
	"time"
)

// BufferSnapshot is a copy of the buffer delivery counters.
type BufferSnapshot struct {
	Bytes    int64
	Packets  int64
	Occupied int
	Peak     int
	Capacity int
}

// BufferStats tracks packet releases against ring occupancy. One sample is
// added per released packet.
type BufferStats struct {
	mu          sync.Mutex
	capacity    int
	bytes       int64
	packets     int64
	occupied    int
	peak        int
	windowBytes int64
	windowStart time.Time
}

// NewBufferStats creates buffer statistics for a ring of the given usable
// capacity in bytes.
func NewBufferStats(capacity int) *BufferStats {
	return &BufferStats{
		capacity:    capacity,
		windowStart: time.Now(),
	}
}

// Add records n released bytes and the ring occupancy sampled at release
// time.
func (s *BufferStats) Add(n, occupied int) {
	s.mu.Lock()
	if n > 0 {
		s.bytes += int64(n)
		s.windowBytes += int64(n)
		s.packets++
	}
	s.occupied = occupied
	if occupied > s.peak {
		s.peak = occupied
	}
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters.
func (s *BufferStats) Snapshot() BufferSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BufferSnapshot{
		Bytes:    s.bytes,
		Packets:  s.packets,
		Occupied: s.occupied,
		Peak:     s.peak,
		Capacity: s.capacity,
	}
}

// Summary renders buffer usage and the delivery rate since the previous
// summary. Each call starts a fresh rate window.
func (s *BufferStats) Summary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := time.Since(s.windowStart)
	var bps float64
	if elapsed > 0 {
		bps = float64(s.windowBytes) * 8 / elapsed.Seconds()
	}
	s.windowBytes = 0
	s.windowStart = time.Now()

	usage, peak := 0.0, 0.0
	if s.capacity > 0 {
		usage = float64(s.occupied) / float64(s.capacity) * 100
		peak = float64(s.peak) / float64(s.capacity) * 100
	}

	return fmt.Sprintf("Buffer usage: %.1f%% (peak %.1f%%)\nBuffer bitrate: %s\n",
		usage, peak, FormatBitrate(bps))
}

// FormatBitrate renders a bits-per-second figure with a sensible unit.
func FormatBitrate(bps float64) string {
	switch {
	case bps >= 1e6:
		return fmt.Sprintf("%.2f Mbit/s", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.2f kbit/s", bps/1e3)
	default:
		return fmt.Sprintf("%.0f bit/s", bps)
	}
}
