package device

import (
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dvbkit/satbridge/internal/buffer"
	"github.com/dvbkit/satbridge/internal/filter"
	"github.com/dvbkit/satbridge/internal/types"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeServer struct {
	addr string
	desc string
}

func (s *fakeServer) Addr() string        { return s.addr }
func (s *fakeServer) Description() string { return s.desc }

type fakeDiscovery struct {
	mu          sync.Mutex
	sources     map[types.Source]bool
	serverCount int
	systems     int
	deny        bool
	assignDelay time.Duration
	assigns     int
	inFlight    int
	maxInFlight int
}

func fakeDisc() *fakeDiscovery {
	return &fakeDiscovery{
		sources:     map[types.Source]bool{types.SourceSat: true, types.SourceTerr: true},
		serverCount: 1,
		systems:     3,
	}
}

func (d *fakeDiscovery) AssignServer(device int, source types.Source, transponder int, system types.DeliverySystem) Server {
	d.mu.Lock()
	d.inFlight++
	if d.inFlight > d.maxInFlight {
		d.maxInFlight = d.inFlight
	}
	d.assigns++
	delay := d.assignDelay
	deny := d.deny
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	d.mu.Lock()
	d.inFlight--
	d.mu.Unlock()

	if deny {
		return nil
	}
	return &fakeServer{addr: "10.0.1.9:554", desc: "sim (10.0.1.9:554)"}
}

func (d *fakeDiscovery) ServerString(s Server) string {
	if s == nil {
		return ""
	}
	return s.Description()
}

func (d *fakeDiscovery) HasServer(source types.Source) bool { return d.sources[source] }
func (d *fakeDiscovery) ServerCount() int                   { return d.serverCount }
func (d *fakeDiscovery) Systems() int                       { return d.systems }

type pidCall struct {
	pid int
	on  bool
}

type fakeSession struct {
	mu       sync.Mutex
	target   DeliveryTarget
	accept   bool
	autoTune bool
	delay    time.Duration
	tuned    bool
	lock     bool
	opened   bool
	released bool
	pids     map[int]bool
	calls    []pidCall
}

func (s *fakeSession) SetSource(server Server, transponder int, params string, device int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if server == nil {
		s.tuned = false
		s.released = true
		return true
	}
	if !s.accept {
		return false
	}
	s.tuned = true
	if s.autoTune {
		target := s.target
		delay := s.delay
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			target.NotifyTuned()
		}()
	}
	return true
}

func (s *fakeSession) SetPid(pid int, typ types.PidType, on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, pidCall{pid: pid, on: on})
	if on {
		s.pids[pid] = true
	} else {
		delete(s.pids, pid)
	}
	return true
}

func (s *fakeSession) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = true
	return true
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
}

func (s *fakeSession) HasLock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lock
}

func (s *fakeSession) IsTuned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tuned
}

func (s *fakeSession) setLock(v bool) {
	s.mu.Lock()
	s.lock = v
	s.mu.Unlock()
}

func (s *fakeSession) hasPid(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pids[pid]
}

func (s *fakeSession) pidCalls() []pidCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pidCall(nil), s.calls...)
}

func (s *fakeSession) Information() string  { return "rtsp://sim" }
func (s *fakeSession) SignalStatus() string { return "locked" }
func (s *fakeSession) Statistics() string   { return "0 bit/s" }
func (s *fakeSession) SignalStrength() int  { return 80 }
func (s *fakeSession) SignalQuality() int   { return 90 }

type fakeCam struct {
	mu      sync.Mutex
	wants   bool
	can     bool
	swallow bool
	calls   int
	fed     [][]byte
}

func (c *fakeCam) WantsRawData() bool { return c.wants }

func (c *fakeCam) Decrypt(p []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if p != nil {
		c.fed = append(c.fed, append([]byte(nil), p...))
	}
	if c.swallow || p == nil {
		return nil
	}
	return p
}

func (c *fakeCam) CanDecrypt(ch *types.Channel) bool { return c.can }

func testSettings() Settings {
	return Settings{BufferBytes: 64 * 1024}
}

func newTestBridge(settings Settings, disc *fakeDiscovery, cam CamSlot) (*Bridge, *fakeSession, *filter.Table) {
	logger := quietLogger()
	table := filter.NewTable(0, logger)
	var session *fakeSession
	factory := func(target DeliveryTarget, bufferBytes int, index int) TunerSession {
		session = &fakeSession{target: target, accept: true, autoTune: true, pids: make(map[int]bool)}
		return session
	}
	var tuneMu sync.Mutex
	b := NewBridge(0, settings, disc, factory, table, cam, &tuneMu, logger)
	return b, session, table
}

func satChannel() *types.Channel {
	return &types.Channel{
		Name:         "Test One",
		Source:       types.SourceSat,
		System:       types.SystemDVBS2,
		Frequency:    11362,
		Polarization: 'h',
		SymbolRate:   22000,
		Modulation:   "8psk",
		ServiceID:    101,
		VPID:         256,
		APIDs:        []int{257},
	}
}

func tsPacket(pid int, fill byte) []byte {
	p := make([]byte, buffer.PacketSize)
	p[0] = buffer.SyncByte
	p[1] = byte(pid >> 8 & 0x1F)
	p[2] = byte(pid & 0xFF)
	p[3] = 0x10
	for i := 4; i < len(p); i++ {
		p[i] = fill
	}
	return p
}

func sectionStartPacket(pid int, tid byte) []byte {
	p := make([]byte, buffer.PacketSize)
	p[0] = buffer.SyncByte
	p[1] = 0x40 | byte(pid>>8&0x1F)
	p[2] = byte(pid & 0xFF)
	p[3] = 0x10
	p[4] = 0x00
	p[5] = tid
	p[6] = 0x70
	p[7] = 0x20
	return p
}

func TestSetChannelUntranslatableFails(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	ch := satChannel()
	ch.System = "unknown"

	if b.SetChannel(ch) {
		t.Error("Expected SetChannel to fail for untranslatable parameters")
	}
	if session.IsTuned() {
		t.Error("Expected no tune command to reach the session")
	}
	if got := b.CurrentChannel(); !got.IsZero() {
		t.Errorf("Expected no stored channel, got %s", got.String())
	}
}

func TestSetChannelNoServerFails(t *testing.T) {
	disc := fakeDisc()
	disc.deny = true
	b, session, _ := newTestBridge(testSettings(), disc, nil)

	if b.SetChannel(satChannel()) {
		t.Error("Expected SetChannel to fail without a server")
	}
	if session.IsTuned() {
		t.Error("Expected no tune command to reach the session")
	}
}

func TestSetChannelStoresChannel(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	ch := satChannel()

	start := time.Now()
	if !b.SetChannel(ch) {
		t.Fatal("Expected SetChannel to succeed")
	}
	if elapsed := time.Since(start); elapsed > 900*time.Millisecond {
		t.Errorf("Expected prompt return after tuned signal, took %v", elapsed)
	}
	if !session.IsTuned() {
		t.Error("Expected the session to be tuned")
	}
	got := b.CurrentChannel()
	if got.Name != ch.Name || got.Transponder() != ch.Transponder() {
		t.Errorf("Expected stored channel %s, got %s", ch.String(), got.String())
	}
	if !b.IsTunedToTransponder(ch) {
		t.Error("Expected IsTunedToTransponder to match the tuned channel")
	}
}

func TestSetChannelTimeoutIsNotFailure(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	session.mu.Lock()
	session.autoTune = false
	session.mu.Unlock()

	start := time.Now()
	if !b.SetChannel(satChannel()) {
		t.Fatal("Expected SetChannel to succeed despite the missing tuned signal")
	}
	elapsed := time.Since(start)
	if elapsed < 900*time.Millisecond {
		t.Errorf("Expected the call to block for about the tuning timeout, took %v", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("Expected the wait to stay bounded, took %v", elapsed)
	}
	if b.HasLock(0) {
		t.Error("Expected no lock while the handshake is outstanding")
	}
}

func TestSetChannelNilReleases(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	if !b.SetChannel(satChannel()) {
		t.Fatal("Expected SetChannel to succeed")
	}
	if !strings.Contains(b.DeviceName(), "sim (10.0.1.9:554)") {
		t.Errorf("Expected the device name to carry the server, got %q", b.DeviceName())
	}

	if !b.SetChannel(nil) {
		t.Fatal("Expected release to succeed")
	}
	session.mu.Lock()
	released := session.released
	session.mu.Unlock()
	if !released {
		t.Error("Expected the session source to be released")
	}
	if got := b.CurrentChannel(); !got.IsZero() {
		t.Errorf("Expected a cleared channel, got %s", got.String())
	}
	if strings.Contains(b.DeviceName(), "sim") {
		t.Errorf("Expected the server to be dropped from the name, got %q", b.DeviceName())
	}
}

func TestSetChannelRejectedCommandStillSucceeds(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	session.mu.Lock()
	session.accept = false
	session.mu.Unlock()

	start := time.Now()
	if !b.SetChannel(satChannel()) {
		t.Error("Expected SetChannel to report success for a rejected command")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected no tuning wait after rejection, took %v", elapsed)
	}
	if got := b.CurrentChannel(); !got.IsZero() {
		t.Errorf("Expected no stored channel after rejection, got %s", got.String())
	}
}

func TestNotifyTunedWakesWaiter(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	session.mu.Lock()
	session.autoTune = false
	session.mu.Unlock()

	go func() {
		time.Sleep(50 * time.Millisecond)
		b.NotifyTuned()
	}()

	start := time.Now()
	if !b.SetChannel(satChannel()) {
		t.Fatal("Expected SetChannel to succeed")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected the tuned signal to cut the wait short, took %v", elapsed)
	}
}

func TestTuningSerializedAcrossPool(t *testing.T) {
	disc := fakeDisc()
	disc.assignDelay = 30 * time.Millisecond
	logger := quietLogger()
	sessions := func(target DeliveryTarget, bufferBytes int, index int) TunerSession {
		return &fakeSession{target: target, accept: true, autoTune: true, pids: make(map[int]bool)}
	}
	filters := func(index int, lg *logrus.Logger) FilterTable {
		return filter.NewTable(index, lg)
	}
	pool := NewPool(2, testSettings(), disc, sessions, filters, nil, logger)
	defer pool.Close()

	var wg sync.WaitGroup
	for i := 0; i < pool.Count(); i++ {
		wg.Add(1)
		go func(b *Bridge) {
			defer wg.Done()
			b.SetChannel(satChannel())
		}(pool.Device(i))
	}
	wg.Wait()

	disc.mu.Lock()
	max := disc.maxInFlight
	assigns := disc.assigns
	disc.mu.Unlock()
	if max != 1 {
		t.Errorf("Expected serialized server assignment, saw %d concurrent", max)
	}
	if assigns != 2 {
		t.Errorf("Expected 2 assignments, got %d", assigns)
	}
}

func TestSetPidRangeGuard(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)

	for _, pid := range []int{-1, types.MaxPid + 1, 100000} {
		if !b.SetPid(pid, types.PidTypeOther, true) {
			t.Errorf("Expected out of range pid %d to be accepted as a no-op", pid)
		}
	}
	if calls := session.pidCalls(); len(calls) != 0 {
		t.Errorf("Expected no session calls for out of range pids, got %d", len(calls))
	}

	for _, pid := range []int{0, types.MaxPid} {
		if !b.SetPid(pid, types.PidTypeOther, true) {
			t.Errorf("Expected pid %d to be enabled", pid)
		}
		if !session.hasPid(pid) {
			t.Errorf("Expected pid %d to reach the session", pid)
		}
	}
}

func TestSetPidReferenceCounting(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)

	b.SetPid(256, types.PidTypeVideo, true)
	b.SetPid(256, types.PidTypeVideo, true)
	if !b.SetPid(256, types.PidTypeVideo, false) {
		t.Error("Expected the first disable to be swallowed successfully")
	}
	if !session.hasPid(256) {
		t.Error("Expected pid 256 to stay enabled while referenced")
	}

	b.SetPid(256, types.PidTypeVideo, false)
	if session.hasPid(256) {
		t.Error("Expected pid 256 to be disabled once unreferenced")
	}
	if b.HasPid(256) {
		t.Error("Expected no reference left for pid 256")
	}
	if b.Receiving() {
		t.Error("Expected the device to be idle again")
	}
}

func TestSetPidHonorsOpenFilters(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)

	b.SetPid(18, types.PidTypeOther, true)
	handle := b.OpenFilter(18, 0x4E, 0xFF)
	if handle < 0 {
		t.Fatalf("Expected a filter handle, got %d", handle)
	}

	if !b.SetPid(18, types.PidTypeOther, false) {
		t.Error("Expected the disable to be swallowed while the filter is open")
	}
	if !session.hasPid(18) {
		t.Error("Expected pid 18 to stay enabled for the open filter")
	}

	b.CloseFilter(handle)
	if session.hasPid(18) {
		t.Error("Expected pid 18 to be disabled after the filter closed")
	}
}

func TestOpenFilterAfterShutdown(t *testing.T) {
	b, session, table := newTestBridge(testSettings(), fakeDisc(), nil)
	table.CloseAll()

	if handle := b.OpenFilter(18, 0x4E, 0xFF); handle >= 0 {
		t.Errorf("Expected a negative handle from a closed table, got %d", handle)
	}
	if session.hasPid(18) {
		t.Error("Expected no pid enable for a failed registration")
	}
}

func TestWriteDataReachesFiltersWithClosedDvr(t *testing.T) {
	b, _, table := newTestBridge(testSettings(), fakeDisc(), nil)
	handle := b.OpenFilter(18, 0x4E, 0xFF)
	if handle < 0 {
		t.Fatalf("Expected a filter handle, got %d", handle)
	}

	b.WriteData(sectionStartPacket(18, 0x4E))

	select {
	case sec := <-table.Sections(handle):
		if len(sec) == 0 || sec[0] != 0x4E {
			t.Errorf("Expected a section starting with table id 0x4E, got % X", sec)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected the filter to see traffic while the dvr is closed")
	}

	if pkt := b.GetTSPacket(); pkt != nil {
		t.Error("Expected no buffered packet while the dvr is closed")
	}
}

func TestGetTSPacketDeliversAndCounts(t *testing.T) {
	b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	if !b.OpenDvr() {
		t.Fatal("Expected OpenDvr to succeed")
	}

	for i := 0; i < 3; i++ {
		b.WriteData(tsPacket(256, byte(i)))
	}

	for i := 0; i < 3; i++ {
		pkt := b.GetTSPacket()
		if pkt == nil {
			t.Fatalf("Expected packet %d, got none", i)
		}
		if len(pkt) != buffer.PacketSize || pkt[0] != buffer.SyncByte {
			t.Fatalf("Expected an aligned packet, got %d bytes starting 0x%02X", len(pkt), pkt[0])
		}
		if pkt[4] != byte(i) {
			t.Errorf("Expected packet %d in order, got fill 0x%02X", i, pkt[4])
		}
	}
	if pkt := b.GetTSPacket(); pkt != nil {
		t.Error("Expected an empty buffer after draining")
	}

	pids := b.Information(PagePids)
	if !strings.Contains(pids, "256: 3 packets") {
		t.Errorf("Expected pid statistics for pid 256, got %q", pids)
	}
}

func TestGetTSPacketResynchronizes(t *testing.T) {
	b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	b.OpenDvr()

	garbage := []byte{0x00, 0xFF}
	b.WriteData(append(garbage, tsPacket(256, 0xAB)...))

	if pkt := b.GetTSPacket(); pkt != nil {
		t.Error("Expected no packet while resynchronizing")
	}
	pkt := b.GetTSPacket()
	if pkt == nil {
		t.Fatal("Expected the aligned packet after the skip")
	}
	if pkt[0] != buffer.SyncByte || pkt[4] != 0xAB {
		t.Errorf("Expected the original packet after resync, got % X", pkt[:5])
	}
}

func TestGetTSPacketDetached(t *testing.T) {
	settings := testSettings()
	settings.Detached = true
	b, _, _ := newTestBridge(settings, fakeDisc(), nil)
	b.OpenDvr()
	b.WriteData(tsPacket(256, 0x01))

	if pkt := b.GetTSPacket(); pkt != nil {
		t.Error("Expected no packets in detached mode")
	}
	if b.ProvidesSource(types.SourceSat) {
		t.Error("Expected no provided sources in detached mode")
	}
}

func TestGetTSPacketDecryptionPath(t *testing.T) {
	cam := &fakeCam{wants: true, can: true}
	b, _, _ := newTestBridge(testSettings(), fakeDisc(), cam)
	b.OpenDvr()
	b.WriteData(tsPacket(256, 0x01))

	pkt := b.GetTSPacket()
	if pkt == nil || pkt[4] != 0x01 {
		t.Fatal("Expected the decrypted packet to pass through")
	}
	cam.mu.Lock()
	fed := len(cam.fed)
	cam.mu.Unlock()
	if fed != 1 {
		t.Errorf("Expected the slot to see 1 packet, got %d", fed)
	}

	// Empty buffer: the slot is still consulted so it can flush its own
	// backlog, without a fresh packet.
	if pkt := b.GetTSPacket(); pkt != nil {
		t.Error("Expected no output from an empty buffer")
	}
	cam.mu.Lock()
	calls := cam.calls
	cam.mu.Unlock()
	if calls != 2 {
		t.Errorf("Expected the slot to be consulted twice, got %d", calls)
	}
}

func TestGetTSPacketDecryptionSwallows(t *testing.T) {
	cam := &fakeCam{wants: true, can: true, swallow: true}
	b, _, _ := newTestBridge(testSettings(), fakeDisc(), cam)
	b.OpenDvr()
	b.WriteData(tsPacket(256, 0x01))
	b.WriteData(tsPacket(256, 0x02))

	if pkt := b.GetTSPacket(); pkt != nil {
		t.Error("Expected the slot to swallow the first packet")
	}

	cam.mu.Lock()
	cam.swallow = false
	cam.mu.Unlock()

	pkt := b.GetTSPacket()
	if pkt == nil {
		t.Fatal("Expected the second packet")
	}
	if pkt[4] != 0x02 {
		t.Errorf("Expected the swallowed packet to be consumed, got fill 0x%02X", pkt[4])
	}
}

func TestProvidesSourceHonorsConfiguration(t *testing.T) {
	disc := fakeDisc()

	settings := testSettings()
	settings.DisabledSources = []types.Source{types.SourceTerr}
	b, _, _ := newTestBridge(settings, disc, nil)
	if !b.ProvidesSource(types.SourceSat) {
		t.Error("Expected satellite to be provided")
	}
	if b.ProvidesSource(types.SourceTerr) {
		t.Error("Expected terrestrial to be disabled")
	}
	if b.ProvidesSource(types.SourceCable) {
		t.Error("Expected cable without servers to be unavailable")
	}

	settings = testSettings()
	settings.Mode = ModeOff
	b, _, _ = newTestBridge(settings, disc, nil)
	if b.ProvidesSource(types.SourceSat) {
		t.Error("Expected no sources in mode off")
	}
}

func TestProvidesChannelDecisions(t *testing.T) {
	ch := satChannel()

	t.Run("nil channel", func(t *testing.T) {
		b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
		if b.ProvidesChannel(nil, 50, nil) {
			t.Error("Expected false for a nil channel")
		}
	})

	t.Run("unreachable transponder", func(t *testing.T) {
		disc := fakeDisc()
		disc.sources = map[types.Source]bool{}
		b, _, _ := newTestBridge(testSettings(), disc, nil)
		detach := false
		if b.ProvidesChannel(ch, 50, &detach) {
			t.Error("Expected false without a server for the source")
		}
		if detach {
			t.Error("Expected no detach request for an unreachable transponder")
		}
	})

	t.Run("idle priority wins", func(t *testing.T) {
		b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
		b.SetPriority(50)
		if !b.ProvidesChannel(ch, IdlePriority, nil) {
			t.Error("Expected true for the idle priority probe")
		}
		if b.ProvidesChannel(ch, 10, nil) {
			t.Error("Expected false for a lower priority")
		}
		if !b.ProvidesChannel(ch, 60, nil) {
			t.Error("Expected true for a higher priority")
		}
	})

	t.Run("different transponder needs detach", func(t *testing.T) {
		b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
		if !b.SetChannel(ch) {
			t.Fatal("Expected SetChannel to succeed")
		}
		b.SetPid(ch.VPID, types.PidTypeVideo, true)

		other := satChannel()
		other.Frequency = 12188
		detach := false
		if b.ProvidesChannel(other, 50, &detach) {
			t.Error("Expected false for a different transponder while receiving")
		}
		if !detach {
			t.Error("Expected a detach request for a different transponder")
		}
	})

	t.Run("pid subset needs frontend reuse", func(t *testing.T) {
		for _, reuse := range []bool{false, true} {
			settings := testSettings()
			settings.FrontendReuse = reuse
			b, _, _ := newTestBridge(settings, fakeDisc(), nil)
			if !b.SetChannel(ch) {
				t.Fatal("Expected SetChannel to succeed")
			}
			b.SetPid(ch.VPID, types.PidTypeVideo, true)
			b.SetPid(ch.APIDs[0], types.PidTypeAudio, true)

			if got := b.ProvidesChannel(ch, 50, nil); got != reuse {
				t.Errorf("Expected %v with frontend reuse %v, got %v", reuse, reuse, got)
			}
		}
	})

	t.Run("missing pid on clear channel", func(t *testing.T) {
		b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
		if !b.SetChannel(ch) {
			t.Fatal("Expected SetChannel to succeed")
		}
		b.SetPid(ch.VPID, types.PidTypeVideo, true)

		detach := false
		if !b.ProvidesChannel(ch, 50, &detach) {
			t.Error("Expected true for a clear channel with a missing pid")
		}
		if detach {
			t.Error("Expected no detach request")
		}
	})

	t.Run("missing pid on scrambled channel", func(t *testing.T) {
		scrambled := satChannel()
		scrambled.CAIDs = []int{0x0B00}

		cam := &fakeCam{can: true}
		b, _, _ := newTestBridge(testSettings(), fakeDisc(), cam)
		if !b.SetChannel(scrambled) {
			t.Fatal("Expected SetChannel to succeed")
		}
		b.SetPid(scrambled.VPID, types.PidTypeVideo, true)

		if !b.ProvidesChannel(scrambled, 50, nil) {
			t.Error("Expected true while the slot can decrypt")
		}

		cam.can = false
		detach := false
		if b.ProvidesChannel(scrambled, 50, &detach) {
			t.Error("Expected false when the slot cannot decrypt")
		}
		if !detach {
			t.Error("Expected a detach request when the slot cannot decrypt")
		}
	})
}

func TestNumProvidedSystems(t *testing.T) {
	tests := []struct {
		name    string
		systems int
		mode    Mode
		want    int
	}{
		{"normal", 3, ModeNormal, 3},
		{"low inflates", 3, ModeLow, 15},
		{"high shrinks", 3, ModeHigh, 1},
		{"clamp floor", 0, ModeNormal, 1},
		{"clamp ceiling", 20, ModeNormal, 15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disc := fakeDisc()
			disc.systems = tt.systems
			settings := testSettings()
			settings.Mode = tt.mode
			b, _, _ := newTestBridge(settings, disc, nil)
			if got := b.NumProvidedSystems(); got != tt.want {
				t.Errorf("Expected %d systems, got %d", tt.want, got)
			}
		})
	}
}

func TestHasLockPolling(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)

	if b.HasLock(0) {
		t.Error("Expected no lock initially")
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		session.setLock(true)
	}()

	start := time.Now()
	if !b.HasLock(time.Second) {
		t.Fatal("Expected the poll to observe the lock")
	}
	if elapsed := time.Since(start); elapsed > 600*time.Millisecond {
		t.Errorf("Expected the lock within a few poll intervals, took %v", elapsed)
	}
}

func TestReady(t *testing.T) {
	disc := fakeDisc()
	disc.serverCount = 0
	b, _, _ := newTestBridge(testSettings(), disc, nil)
	if b.Ready() {
		t.Error("Expected a fresh device without servers to be not ready")
	}

	b.createdAt = time.Now().Add(-3 * time.Second)
	if !b.Ready() {
		t.Error("Expected readiness after the grace period")
	}

	disc.serverCount = 2
	b2, _, _ := newTestBridge(testSettings(), disc, nil)
	if !b2.Ready() {
		t.Error("Expected readiness with discovered servers")
	}
}

func TestDeviceName(t *testing.T) {
	b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	name := b.DeviceName()
	if !strings.HasPrefix(name, "SAT>IP 0 (") {
		t.Errorf("Expected the type and index prefix, got %q", name)
	}
	if !strings.Contains(name, "(ST)") {
		t.Errorf("Expected the provided source letters, got %q", name)
	}
}

func TestCamSlotID(t *testing.T) {
	settings := testSettings()
	settings.CICams = [2]int{0x0B, 0x1810}

	tests := []struct {
		name  string
		caids []int
		want  int
	}{
		{"family match", []int{0x0B00}, 1},
		{"exact match", []int{0x1810}, 2},
		{"no match", []int{0x0500}, 0},
		{"clear channel", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, _, _ := newTestBridge(settings, fakeDisc(), nil)
			ch := satChannel()
			ch.CAIDs = tt.caids
			if !b.SetChannel(ch) {
				t.Fatal("Expected SetChannel to succeed")
			}
			if got := b.CamSlotID(); got != tt.want {
				t.Errorf("Expected slot %d, got %d", tt.want, got)
			}
		})
	}
}

func TestTunerParams(t *testing.T) {
	b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	if !b.SetChannel(satChannel()) {
		t.Fatal("Expected SetChannel to succeed")
	}
	if got := b.TunerParams(); got != "" {
		t.Errorf("Expected no parameters for a clear channel, got %q", got)
	}

	scrambled := satChannel()
	scrambled.CAIDs = []int{0x2600}
	if !b.SetChannel(scrambled) {
		t.Fatal("Expected SetChannel to succeed")
	}
	want, err := transponderParams(scrambled)
	if err != nil {
		t.Fatalf("Expected translatable parameters: %v", err)
	}
	if got := b.TunerParams(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestOpenDvrIdempotent(t *testing.T) {
	b, session, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	if !b.OpenDvr() {
		t.Fatal("Expected OpenDvr to succeed")
	}
	b.WriteData(tsPacket(256, 0x01))

	if !b.OpenDvr() {
		t.Error("Expected reopening to succeed")
	}
	if pkt := b.GetTSPacket(); pkt == nil {
		t.Error("Expected the buffered packet to survive a redundant open")
	}

	b.CloseDvr()
	b.CloseDvr()
	session.mu.Lock()
	opened := session.opened
	session.mu.Unlock()
	if opened {
		t.Error("Expected the session to be closed")
	}
}

func TestCloseReleasesWaitersAndStopsDelivery(t *testing.T) {
	b, session, table := newTestBridge(testSettings(), fakeDisc(), nil)
	session.mu.Lock()
	session.autoTune = false
	session.mu.Unlock()

	done := make(chan bool, 1)
	go func() {
		done <- b.SetChannel(satChannel())
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	b.Close()
	select {
	case ok := <-done:
		if !ok {
			t.Error("Expected the interrupted switch to still report success")
		}
	case <-time.After(900 * time.Millisecond):
		t.Fatal("Expected Close to release the waiting switch")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Expected a prompt release, took %v", elapsed)
	}

	if pkt := b.GetTSPacket(); pkt != nil {
		t.Error("Expected no packets from a closed device")
	}
	if handle := table.Open(18, 0x4E, 0xFF); handle >= 0 {
		t.Errorf("Expected the filter table to be shut down, got handle %d", handle)
	}

	b.Close()
}

func TestInformationPages(t *testing.T) {
	b, _, _ := newTestBridge(testSettings(), fakeDisc(), nil)
	if !b.SetChannel(satChannel()) {
		t.Fatal("Expected SetChannel to succeed")
	}

	general := b.Information(PageGeneral)
	for _, want := range []string{"Device: 0", "Stream: rtsp://sim", "Signal: locked", "Channel: Test One"} {
		if !strings.Contains(general, want) {
			t.Errorf("Expected general page to contain %q, got %q", want, general)
		}
	}
	if got := b.Information(PageProtocol); got != "rtsp://sim" {
		t.Errorf("Expected the session protocol summary, got %q", got)
	}
	if got := b.Information(PageBitrate); got != "0 bit/s" {
		t.Errorf("Expected the session bitrate summary, got %q", got)
	}
	if !strings.Contains(b.Information(PageFilters), "Active section filters:") {
		t.Error("Expected the filter listing header")
	}

	all := b.Information(PageAll)
	for _, want := range []string{"Device: 0", "Active pids:", "Active section filters:"} {
		if !strings.Contains(all, want) {
			t.Errorf("Expected combined page to contain %q", want)
		}
	}
}

func TestParsePage(t *testing.T) {
	tests := []struct {
		in   string
		want InfoPage
		ok   bool
	}{
		{"", PageAll, true},
		{"all", PageAll, true},
		{"general", PageGeneral, true},
		{"PIDS", PagePids, true},
		{"filters", PageFilters, true},
		{"protocol", PageProtocol, true},
		{"bitrate", PageBitrate, true},
		{"bogus", PageAll, false},
	}
	for _, tt := range tests {
		got, err := ParsePage(tt.in)
		if tt.ok && err != nil {
			t.Errorf("Expected %q to parse, got %v", tt.in, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("Expected %q to be rejected", tt.in)
		}
		if err == nil && got != tt.want {
			t.Errorf("Expected page %d for %q, got %d", tt.want, tt.in, got)
		}
	}
}
