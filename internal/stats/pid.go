// Package stats collects per-PID and buffer delivery statistics for the
// diagnostic pages.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dvbkit/satbridge/internal/buffer"
)

// PidCount is a snapshot of the counters for one PID.
type PidCount struct {
	Packets        int64
	PayloadPackets int64
	Bytes          int64
}

// PidStats tracks delivered traffic per packet identifier. Safe for one
// writer on the delivery path and any number of snapshot readers.
type PidStats struct {
	mu   sync.RWMutex
	pids map[int]*PidCount
}

// NewPidStats creates an empty PID statistics table.
func NewPidStats() *PidStats {
	return &PidStats{
		pids: make(map[int]*PidCount),
	}
}

// Add records one delivered TS packet for pid. payload reports whether the
// packet carried payload bytes.
func (s *PidStats) Add(pid int, payload bool) {
	s.mu.Lock()
	c := s.pids[pid]
	if c == nil {
		c = &PidCount{}
		s.pids[pid] = c
	}
	c.Packets++
	c.Bytes += buffer.PacketSize
	if payload {
		c.PayloadPackets++
	}
	s.mu.Unlock()
}

// Reset drops all counters.
func (s *PidStats) Reset() {
	s.mu.Lock()
	s.pids = make(map[int]*PidCount)
	s.mu.Unlock()
}

// Snapshot returns a copy of the per-PID counters.
func (s *PidStats) Snapshot() map[int]PidCount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]PidCount, len(s.pids))
	for pid, c := range s.pids {
		out[pid] = *c
	}
	return out
}

// Summary renders the active PIDs sorted by traffic share, most active
// first.
func (s *PidStats) Summary() string {
	s.mu.RLock()
	pids := make([]int, 0, len(s.pids))
	var total int64
	for pid, c := range s.pids {
		pids = append(pids, pid)
		total += c.Bytes
	}
	sort.Slice(pids, func(i, j int) bool {
		return s.pids[pids[i]].Bytes > s.pids[pids[j]].Bytes
	})

	var b strings.Builder
	b.WriteString("Active pids:\n")
	for _, pid := range pids {
		c := s.pids[pid]
		share := 0.0
		if total > 0 {
			share = float64(c.Bytes) / float64(total) * 100
		}
		fmt.Fprintf(&b, "%5d: %d packets (%4.1f%%)\n", pid, c.Packets, share)
	}
	s.mu.RUnlock()
	return b.String()
}
