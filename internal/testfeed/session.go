// Package testfeed provides a simulated tuner session that synthesizes a
// transport stream locally. It stands in for the network side when no
// streaming servers are reachable, and in tests.
package testfeed

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dvbkit/satbridge/internal/buffer"
	"github.com/dvbkit/satbridge/internal/device"
	"github.com/dvbkit/satbridge/internal/stats"
	"github.com/dvbkit/satbridge/internal/types"
)

const (
	// defaultHandshake is the simulated tuning handshake duration.
	defaultHandshake = 50 * time.Millisecond

	// defaultTick paces packet delivery.
	defaultTick = 10 * time.Millisecond

	// burst is how many packets each enabled pid gets per tick. Seven
	// packets fill one typical UDP datagram of a real feed.
	burst = 7
)

// Session simulates one tuner. After SetSource it reports itself tuned
// once a short handshake has run; while open it synthesizes continuity
// correct padding packets for every enabled pid and delivers them to the
// target.
type Session struct {
	index  int
	target device.DeliveryTarget
	log    *logrus.Entry

	mu       sync.Mutex
	server   device.Server
	params   string
	tuned    bool
	lock     bool
	open     bool
	pids     map[int]types.PidType
	cc       map[int]byte
	stop     chan struct{}
	done     chan struct{}
	packets  int64
	lockedAt time.Time

	handshake time.Duration
	tick      time.Duration
}

var _ device.TunerSession = (*Session)(nil)

// NewSession builds a simulated session delivering into target.
func NewSession(target device.DeliveryTarget, index int, logger *logrus.Logger) *Session {
	return &Session{
		index:     index,
		target:    target,
		log:       logger.WithField("device", index),
		pids:      make(map[int]types.PidType),
		cc:        make(map[int]byte),
		handshake: defaultHandshake,
		tick:      defaultTick,
	}
}

// Factory adapts NewSession to the device session factory signature.
func Factory(logger *logrus.Logger) device.SessionFactory {
	return func(target device.DeliveryTarget, bufferBytes int, index int) device.TunerSession {
		return NewSession(target, index, logger)
	}
}

// SetPacing adjusts the handshake duration and the delivery tick.
// Non-positive values keep the current setting.
func (s *Session) SetPacing(handshake, tick time.Duration) {
	s.mu.Lock()
	if handshake > 0 {
		s.handshake = handshake
	}
	if tick > 0 {
		s.tick = tick
	}
	s.mu.Unlock()
}

// SetSource points the session at a server, or releases the current one
// when server is nil. Tuning completes asynchronously: the lock comes up
// and the target is notified once the simulated handshake has run.
func (s *Session) SetSource(server device.Server, transponder int, params string, deviceIndex int) bool {
	s.mu.Lock()
	if server == nil {
		s.server = nil
		s.params = ""
		s.tuned = false
		s.lock = false
		s.mu.Unlock()
		s.log.Debug("Source released")
		return true
	}
	s.server = server
	s.params = params
	s.tuned = true
	s.lock = false
	delay := s.handshake
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"server": server.Addr(),
		"params": params,
	}).Debug("Tuning")

	go func() {
		time.Sleep(delay)
		s.mu.Lock()
		// The source may have been released while the handshake ran.
		if !s.tuned {
			s.mu.Unlock()
			return
		}
		s.lock = true
		s.lockedAt = time.Now()
		s.mu.Unlock()
		s.target.NotifyTuned()
	}()
	return true
}

// SetPid enables or disables synthesis for one pid.
func (s *Session) SetPid(pid int, typ types.PidType, on bool) bool {
	s.mu.Lock()
	if on {
		s.pids[pid] = typ
	} else {
		delete(s.pids, pid)
	}
	s.mu.Unlock()
	return true
}

// Open starts the delivery loop. Reopening an open session is a no-op.
func (s *Session) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return true
	}
	s.open = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done, s.tick)
	return true
}

// Close stops the delivery loop and waits for it to exit.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return
	}
	s.open = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done
}

func (s *Session) run(stop, done chan struct{}, tick time.Duration) {
	defer close(done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.deliver()
		}
	}
}

// deliver synthesizes one burst for every enabled pid. Nothing flows
// before the lock is up.
func (s *Session) deliver() {
	s.mu.Lock()
	if !s.lock || len(s.pids) == 0 {
		s.mu.Unlock()
		return
	}
	pids := make([]int, 0, len(s.pids))
	for pid := range s.pids {
		pids = append(pids, pid)
	}
	sort.Ints(pids)

	out := make([]byte, 0, len(pids)*burst*buffer.PacketSize)
	for _, pid := range pids {
		for i := 0; i < burst; i++ {
			out = appendPacket(out, pid, s.cc[pid])
			s.cc[pid] = (s.cc[pid] + 1) & 0x0F
		}
	}
	s.packets += int64(len(out) / buffer.PacketSize)
	s.mu.Unlock()

	s.target.WriteData(out)
}

// appendPacket appends one padding packet with the given continuity
// counter.
func appendPacket(out []byte, pid int, cc byte) []byte {
	p := make([]byte, buffer.PacketSize)
	p[0] = buffer.SyncByte
	p[1] = byte(pid >> 8 & 0x1F)
	p[2] = byte(pid)
	p[3] = 0x10 | cc
	for i := 4; i < len(p); i++ {
		p[i] = 0xFF
	}
	return append(out, p...)
}

// HasLock reports whether the simulated frontend is locked.
func (s *Session) HasLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock
}

// IsTuned reports whether a source is assigned.
func (s *Session) IsTuned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuned
}

// Information renders the simulated connection.
func (s *Session) Information() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return "not connected"
	}
	return fmt.Sprintf("sim://%s?%s", s.server.Addr(), s.params)
}

// SignalStatus renders the tuning state.
func (s *Session) SignalStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.lock:
		return "locked"
	case s.tuned:
		return "tuning"
	}
	return "idle"
}

// Statistics renders the delivery rate since the lock came up.
func (s *Session) Statistics() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lockedAt.IsZero() {
		return stats.FormatBitrate(0)
	}
	elapsed := time.Since(s.lockedAt).Seconds()
	if elapsed <= 0 {
		return stats.FormatBitrate(0)
	}
	return stats.FormatBitrate(float64(s.packets*buffer.PacketSize*8) / elapsed)
}

// SignalStrength is fixed while locked, unknown otherwise.
func (s *Session) SignalStrength() int {
	if s.HasLock() {
		return 85
	}
	return -1
}

// SignalQuality is fixed while locked, unknown otherwise.
func (s *Session) SignalQuality() int {
	if s.HasLock() {
		return 95
	}
	return -1
}
