package device

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Comcast/gots/packet"
	"github.com/sirupsen/logrus"

	"github.com/dvbkit/satbridge/internal/buffer"
	"github.com/dvbkit/satbridge/internal/stats"
	"github.com/dvbkit/satbridge/internal/types"
)

const (
	// MaxDevices bounds the pool size.
	MaxDevices = 8

	// IdlePriority marks a device no consumer is interested in.
	IdlePriority = -100

	// defaultBufferBytes sizes the ring when the settings leave it zero.
	defaultBufferBytes = 1 << 20

	// tuningTimeout bounds how long SetChannel blocks for the tuned
	// signal. Running it out is not a failure, the session keeps tuning.
	tuningTimeout = time.Second

	// readyTimeout is the grace period a device without discovered
	// servers reports itself not ready after construction.
	readyTimeout = 2 * time.Second

	// lockPollInterval paces HasLock while it waits for a signal lock.
	lockPollInterval = 100 * time.Millisecond
)

// Bridge couples one tuner session to one packet consumer. It owns the
// ring buffer between them, the section filter table fed from the raw
// stream, and the per-device statistics. One Bridge is safe for a session
// delivering bytes and a consumer pulling packets concurrently.
type Bridge struct {
	index    int
	settings Settings
	log      *logrus.Entry

	ring      *buffer.Ring
	session   TunerSession
	filters   FilterTable
	cam       CamSlot
	discovery Discovery

	pidStats *stats.PidStats
	bufStats *stats.BufferStats

	// tuneMu is shared by every device of the pool and serializes
	// channel switches process wide.
	tuneMu *sync.Mutex

	mu         sync.Mutex
	tunedCh    chan struct{}
	current    types.Channel
	tuneParams string
	serverDesc string
	priority   int
	pidRefs    map[int]int
	dvrOpen    bool
	closed     bool

	// checkTsBuffer carries the delivery path's "was there data last
	// time" state across GetTSPacket calls on the decryption path.
	checkTsBuffer bool

	createdAt time.Time
}

// NewBridge builds one device around its collaborators. All devices of a
// pool share tuneMu. The session is built last so it can size its receive
// window from the ring's free space.
func NewBridge(index int, settings Settings, discovery Discovery, sessions SessionFactory, filters FilterTable, cam CamSlot, tuneMu *sync.Mutex, logger *logrus.Logger) *Bridge {
	if settings.BufferBytes <= 0 {
		settings.BufferBytes = defaultBufferBytes
	}
	b := &Bridge{
		index:     index,
		settings:  settings,
		log:       logger.WithField("device", index),
		filters:   filters,
		cam:       cam,
		discovery: discovery,
		tuneMu:    tuneMu,
		pidStats:  stats.NewPidStats(),
		pidRefs:   make(map[int]int),
		priority:  IdlePriority,
		createdAt: time.Now(),
	}
	b.ring = buffer.New(settings.BufferBytes)
	b.bufStats = stats.NewBufferStats(b.ring.Stats().Size)
	b.session = sessions(b, b.ring.Free(), index)
	b.log.WithField("buffer", b.ring.Stats().Size).Info("Device created")
	return b
}

// Index returns the device index.
func (b *Bridge) Index() int { return b.index }

// SetChannel points the device at a channel, or releases the current one
// when ch is nil. Channel switches across the whole pool are serialized
// by the shared tuning mutex. Once the session accepts the tune command
// the call blocks, with the tuning mutex released, for up to the tuning
// timeout awaiting the session's tuned signal; the timeout only bounds
// the wait and does not fail the switch.
func (b *Bridge) SetChannel(ch *types.Channel) bool {
	b.tuneMu.Lock()

	if ch == nil {
		b.session.SetSource(nil, 0, "", b.index)
		b.mu.Lock()
		b.current = types.Channel{}
		b.tuneParams = ""
		b.serverDesc = ""
		b.mu.Unlock()
		b.tuneMu.Unlock()
		b.log.Debug("Channel released")
		return true
	}

	params, err := transponderParams(ch)
	if err != nil {
		b.tuneMu.Unlock()
		b.log.WithError(err).WithField("channel", ch.String()).Error("Channel not tunable")
		return false
	}

	srv := b.discovery.AssignServer(b.index, ch.Source, ch.Transponder(), ch.System)
	if srv == nil {
		b.tuneMu.Unlock()
		b.log.WithField("channel", ch.String()).Debug("No server for channel")
		return false
	}

	b.mu.Lock()
	b.serverDesc = b.discovery.ServerString(srv)
	b.mu.Unlock()

	tuned := b.armTuneWait()
	if b.session.SetSource(srv, ch.Transponder(), params, b.index) {
		b.mu.Lock()
		b.current = ch.Clone()
		b.tuneParams = params
		b.mu.Unlock()
		b.tuneMu.Unlock()

		// Wait for the tuned signal so parallel switches cannot race
		// the remote frontend allocation.
		select {
		case <-tuned:
		case <-time.After(tuningTimeout):
		}
		return true
	}

	b.tuneMu.Unlock()
	return true
}

// armTuneWait returns the channel the next tuned signal closes.
func (b *Bridge) armTuneWait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tunedCh == nil {
		b.tunedCh = make(chan struct{})
	}
	return b.tunedCh
}

// NotifyTuned wakes everyone blocked in SetChannel. The session calls it
// when the remote handshake completes; Close calls it so no waiter
// outlives the device.
func (b *Bridge) NotifyTuned() {
	b.mu.Lock()
	if b.tunedCh != nil {
		close(b.tunedCh)
		b.tunedCh = nil
	}
	b.mu.Unlock()
	b.log.Debug("Tuned")
}

// CurrentChannel returns a copy of the channel the device last tuned to,
// or the zero channel when detuned.
func (b *Bridge) CurrentChannel() types.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current.Clone()
}

// IsTunedToTransponder reports whether the session is tuned and source,
// transponder and normalized tuning parameters all match the current
// channel.
func (b *Bridge) IsTunedToTransponder(ch *types.Channel) bool {
	if ch == nil || !b.session.IsTuned() {
		return false
	}
	params, err := transponderParams(ch)
	if err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.Source == b.current.Source &&
		ch.Transponder() == b.current.Transponder() &&
		params == b.tuneParams
}

// ProvidesSource reports whether the device can receive the source at
// all, honoring the detached flag, the operating mode, the disabled
// source list and server availability.
func (b *Bridge) ProvidesSource(source types.Source) bool {
	if b.settings.Detached || b.settings.Mode == ModeOff {
		return false
	}
	for _, s := range b.settings.DisabledSources {
		if s == source {
			return false
		}
	}
	return b.discovery.HasServer(source)
}

// ProvidesTransponder reports whether the device could in principle tune
// the channel's transponder.
func (b *Bridge) ProvidesTransponder(ch *types.Channel) bool {
	return ch != nil && ch.System.Valid() && b.ProvidesSource(ch.Source)
}

// ProvidesChannel decides whether the device can serve the channel at the
// given priority. When the device could only serve it after its current
// consumers were detached, needsDetach (when non-nil) is set and the
// answer is false.
func (b *Bridge) ProvidesChannel(ch *types.Channel, priority int, needsDetach *bool) bool {
	if needsDetach != nil {
		*needsDetach = false
	}
	if ch == nil || !b.ProvidesTransponder(ch) {
		return false
	}

	result := priority == IdlePriority || priority > b.Priority()
	if priority > IdlePriority && b.Receiving() {
		if !b.IsTunedToTransponder(ch) {
			if needsDetach != nil {
				*needsDetach = true
			}
			return false
		}
		if b.missingPid(ch) {
			if b.cam != nil && ch.Encrypted() {
				if b.cam.CanDecrypt(ch) {
					result = true
				} else {
					if needsDetach != nil {
						*needsDetach = true
					}
					return false
				}
			} else {
				result = true
			}
		} else {
			result = b.settings.FrontendReuse
		}
	}
	return result
}

// missingPid reports whether the channel needs a pid the device does not
// already receive. Only the video pid and the primary audio pids count,
// matching what a consumer attaches first.
func (b *Bridge) missingPid(ch *types.Channel) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.VPID > 0 && b.pidRefs[ch.VPID] == 0 {
		return true
	}
	if len(ch.APIDs) > 0 && ch.APIDs[0] > 0 && b.pidRefs[ch.APIDs[0]] == 0 {
		return true
	}
	if len(ch.DPIDs) > 0 && ch.DPIDs[0] > 0 && b.pidRefs[ch.DPIDs[0]] == 0 {
		return true
	}
	return false
}

// ProvidesEIT reports whether background event scanning may use this
// device.
func (b *Bridge) ProvidesEIT() bool {
	return b.settings.EITScan && b.settings.Mode != ModeOff && !b.settings.Detached
}

// NumProvidedSystems reports how many delivery systems the device covers.
// Low mode inflates the count so the device is picked last, high mode
// shrinks it so it is picked first. The result stays within 1 to 15.
func (b *Bridge) NumProvidedSystems() int {
	count := b.discovery.Systems()
	switch b.settings.Mode {
	case ModeLow:
		count = 15
	case ModeHigh:
		count = 1
	}
	if count > 15 {
		count = 15
	} else if count < 1 {
		count = 1
	}
	return count
}

// SetPriority records the highest consumer priority attached to this
// device. IdlePriority means no consumer.
func (b *Bridge) SetPriority(priority int) {
	b.mu.Lock()
	b.priority = priority
	b.mu.Unlock()
}

// Priority returns the recorded consumer priority.
func (b *Bridge) Priority() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.priority
}

// Receiving reports whether any consumer holds pids on this device.
func (b *Bridge) Receiving() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pidRefs) > 0
}

// IsIdle reports whether no consumer uses the device.
func (b *Bridge) IsIdle() bool {
	return !b.Receiving()
}

// HasPid reports whether the pid is referenced by any consumer.
func (b *Bridge) HasPid(pid int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pidRefs[pid] > 0
}

// SetPid enables or disables a pid at the session. Requests outside the
// 13 bit pid range are accepted without effect. Disables are forwarded
// only once no consumer references the pid and no open section filter
// needs it; a swallowed disable still reports success.
func (b *Bridge) SetPid(pid int, typ types.PidType, on bool) bool {
	if pid < 0 || pid > types.MaxPid {
		return true
	}
	if on {
		b.mu.Lock()
		b.pidRefs[pid]++
		b.mu.Unlock()
		return b.session.SetPid(pid, typ, true)
	}
	b.mu.Lock()
	if b.pidRefs[pid] > 0 {
		b.pidRefs[pid]--
		if b.pidRefs[pid] == 0 {
			delete(b.pidRefs, pid)
		}
	}
	used := b.pidRefs[pid] > 0
	b.mu.Unlock()
	if !used && !b.filters.Exists(pid) {
		return b.session.SetPid(pid, typ, false)
	}
	return true
}

// OpenFilter registers a section filter and enables its pid at the
// session. The returned handle is negative when registration failed.
// Filter pids bypass the consumer reference counts; the filter table
// itself is their liveness authority.
func (b *Bridge) OpenFilter(pid int, tid, mask byte) int {
	handle := b.filters.Open(pid, tid, mask)
	if handle >= 0 {
		b.session.SetPid(pid, types.PidTypeOther, true)
	}
	return handle
}

// CloseFilter unregisters the filter behind handle and disables its pid
// at the session unless a consumer or another filter still needs it.
func (b *Bridge) CloseFilter(handle int) {
	pid := b.filters.Pid(handle)
	b.filters.Close(handle)
	if pid < 0 {
		return
	}
	if !b.HasPid(pid) && !b.filters.Exists(pid) {
		b.session.SetPid(pid, types.PidTypeOther, false)
	}
}

// WriteData accepts one chunk of received bytes from the session. The
// ring only collects while the dvr path is open; the section filters see
// all traffic regardless.
func (b *Bridge) WriteData(p []byte) {
	b.mu.Lock()
	open := b.dvrOpen
	b.mu.Unlock()
	if open {
		if n := b.ring.Put(p); n != len(p) {
			b.ring.ReportOverflow(len(p) - n)
			b.log.WithField("bytes", len(p)-n).Debug("Buffer overflow")
		}
	}
	b.filters.Write(p)
}

// OpenDvr clears the ring and starts session delivery. Opening an
// already open dvr path reports success without touching the buffer.
func (b *Bridge) OpenDvr() bool {
	b.mu.Lock()
	if b.dvrOpen {
		b.mu.Unlock()
		return true
	}
	b.mu.Unlock()

	b.ring.Clear()
	if !b.session.Open() {
		return false
	}
	b.mu.Lock()
	b.dvrOpen = true
	b.mu.Unlock()
	b.log.Debug("Dvr opened")
	return true
}

// CloseDvr stops session delivery. Closing a closed dvr path is a no-op.
func (b *Bridge) CloseDvr() {
	b.mu.Lock()
	open := b.dvrOpen
	b.dvrOpen = false
	b.mu.Unlock()
	if open {
		b.session.Close()
		b.log.Debug("Dvr closed")
	}
}

// GetTSPacket returns the next aligned TS packet, or nil when none is
// ready. Detached devices never return packets. When a decryption slot
// wants raw data every packet passes through it and the slot's output,
// which may be empty, is what the consumer sees.
func (b *Bridge) GetTSPacket() []byte {
	b.mu.Lock()
	closed := b.closed
	check := b.checkTsBuffer
	b.mu.Unlock()
	if closed || b.settings.Detached {
		return nil
	}

	if b.cam != nil && b.cam.WantsRawData() {
		pkt := b.getData(check)
		out := b.cam.Decrypt(pkt)
		consumed := 0
		if pkt != nil {
			consumed = buffer.PacketSize
		}
		b.bufStats.Add(consumed, b.ring.Available())
		b.mu.Lock()
		b.checkTsBuffer = out != nil
		b.mu.Unlock()
		return out
	}

	pkt := b.getData(false)
	if pkt != nil {
		b.bufStats.Add(buffer.PacketSize, b.ring.Available())
	}
	return pkt
}

// getData pulls the next aligned packet out of the ring and accounts it.
// It returns nil when the dvr path is closed, when less than one packet
// is buffered, or when bytes had to be skipped to regain sync; after a
// skip the caller is expected to retry.
func (b *Bridge) getData(checkAvailable bool) []byte {
	b.mu.Lock()
	open := b.dvrOpen
	b.mu.Unlock()
	if !open {
		return nil
	}
	if checkAvailable && b.ring.Available() < buffer.PacketSize {
		return nil
	}

	data, skipped := b.ring.Get()
	if skipped > 0 {
		b.log.Infof("Skipped %d bytes to sync on TS packet", skipped)
		return nil
	}
	if data == nil {
		return nil
	}

	pkt := new(packet.Packet)
	copy(pkt[:], data[:buffer.PacketSize])
	b.pidStats.Add(pkt.PID(), packet.ContainsPayload(pkt))
	return data[:buffer.PacketSize]
}

// HasLock reports whether the session has a signal lock, polling in
// lockPollInterval steps for up to timeout when it does not yet.
func (b *Bridge) HasLock(timeout time.Duration) bool {
	for timeout > 0 {
		if b.session.HasLock() {
			return true
		}
		time.Sleep(lockPollInterval)
		timeout -= lockPollInterval
	}
	return b.session.HasLock()
}

// Ready reports whether the device may take part in channel selection. A
// device stays not ready for a short grace period after construction
// while server discovery has not found anything yet.
func (b *Bridge) Ready() bool {
	return b.discovery.ServerCount() > 0 || time.Since(b.createdAt) > readyTimeout
}

// DeviceType names the device family in status output.
func (b *Bridge) DeviceType() string {
	return "SAT>IP"
}

// DeviceName renders the device for status output: type, index, the
// source letters it currently provides and the assigned server.
func (b *Bridge) DeviceName() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %d (", b.DeviceType(), b.index)
	for _, src := range []types.Source{types.SourceATSC, types.SourceCable, types.SourceSat, types.SourceTerr} {
		if b.ProvidesSource(src) {
			sb.WriteByte(byte(src))
		}
	}
	sb.WriteByte(')')
	b.mu.Lock()
	server := b.serverDesc
	b.mu.Unlock()
	if server != "" {
		sb.WriteByte(' ')
		sb.WriteString(server)
	}
	return sb.String()
}

// AvoidRecording steers recordings away from devices in low mode.
func (b *Bridge) AvoidRecording() bool {
	return b.settings.Mode == ModeLow
}

func (b *Bridge) SignalStrength() int {
	return b.session.SignalStrength()
}

func (b *Bridge) SignalQuality() int {
	return b.session.SignalQuality()
}

// CamSlotID matches the current channel's CA ids against the configured
// CI slots and returns 1 or 2 on a match, 0 otherwise.
func (b *Bridge) CamSlotID() int {
	b.mu.Lock()
	caids := append([]int(nil), b.current.CAIDs...)
	b.mu.Unlock()
	for _, id := range caids {
		if caMatches(b.settings.CICams[0], id) {
			return 1
		}
		if caMatches(b.settings.CICams[1], id) {
			return 2
		}
	}
	return 0
}

// caMatches reports whether a configured CI slot covers a CA id. Values
// up to 0xFF configure a whole CA system family, larger values one exact
// id.
func caMatches(want, caid int) bool {
	if want <= 0 {
		return false
	}
	if want <= 0xFF {
		return caid>>8 == want
	}
	return caid == want
}

// TunerParams exposes the raw tuning parameter string to descrambling
// hooks. Only scrambled channels carry it.
func (b *Bridge) TunerParams() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current.Encrypted() {
		return b.tuneParams
	}
	return ""
}

// Close tears the device down: waiters blocked in SetChannel are released
// first, then filtering stops, then the session, then the buffer.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.NotifyTuned()
	b.filters.CloseAll()
	b.session.Close()
	b.ring.Clear()
	b.log.Debug("Device closed")
}
