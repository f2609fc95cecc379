// Package device implements the tuner bridge between streaming sessions
// and packet consumers. Each device owns one ring buffer, one session and
// one section filter table, and exposes the channel selection, pid
// management and packet delivery surface the rest of the process drives.
package device

import (
	"github.com/dvbkit/satbridge/internal/types"
)

// Server identifies one assignable streaming server.
type Server interface {
	// Addr returns the network address the session should connect to.
	Addr() string
	// Description returns a short human readable label.
	Description() string
}

// Discovery hands out streaming servers to devices. Implementations
// track per-server capacity so two devices do not oversubscribe a
// frontend.
type Discovery interface {
	// AssignServer reserves a server able to receive the given source,
	// transponder and delivery system for the device, or nil when none
	// qualifies. A device keeps its assignment across repeated calls for
	// the same transponder; retuning releases the previous one.
	AssignServer(device int, source types.Source, transponder int, system types.DeliverySystem) Server
	// ServerString renders the assigned server for status displays.
	ServerString(s Server) string
	// HasServer reports whether any known server receives the source.
	HasServer(source types.Source) bool
	// ServerCount returns the number of known servers.
	ServerCount() int
	// Systems returns the number of distinct delivery systems covered by
	// the known servers.
	Systems() int
}

// TunerSession owns the network side of one device. The device commands
// it to tune and to enable pids; the session calls back into its
// DeliveryTarget with received bytes and the tuned signal.
type TunerSession interface {
	// SetSource points the session at a server, or releases the current
	// one when server is nil. The return value reports whether the
	// command was accepted, not whether tuning completed.
	SetSource(server Server, transponder int, params string, device int) bool
	// SetPid enables or disables delivery of a single pid.
	SetPid(pid int, typ types.PidType, on bool) bool
	// Open starts delivering received bytes to the target.
	Open() bool
	// Close stops delivery.
	Close()
	// HasLock reports whether the frontend has a signal lock.
	HasLock() bool
	// IsTuned reports whether the session has an active source.
	IsTuned() bool
	// Information returns a one line protocol summary.
	Information() string
	// SignalStatus returns a one line signal summary.
	SignalStatus() string
	// Statistics returns a one line bitrate summary.
	Statistics() string
	// SignalStrength returns the relative signal strength 0..100, or -1
	// when unknown.
	SignalStrength() int
	// SignalQuality returns the relative signal quality 0..100, or -1
	// when unknown.
	SignalQuality() int
}

// FilterTable receives every raw byte the session delivers and feeds
// matching sections to registered filters.
type FilterTable interface {
	// Open registers a filter and returns its handle, or a negative
	// value when registration failed.
	Open(pid int, tid, mask byte) int
	// Close unregisters a handle.
	Close(handle int)
	// Pid returns the pid a handle is bound to, or -1.
	Pid(handle int) int
	// Exists reports whether any open filter still needs the pid.
	Exists(pid int) bool
	// Write feeds raw stream bytes to the table.
	Write(p []byte)
	// Information returns a listing of the active filters.
	Information() string
	// CloseAll unregisters every filter and rejects further opens.
	CloseAll()
}

// CamSlot decrypts scrambled streams. A slot that wants raw data is fed
// every packet on the delivery path and may transform, swallow or
// replace it.
type CamSlot interface {
	// WantsRawData reports whether packets must pass through Decrypt.
	WantsRawData() bool
	// Decrypt transforms one packet. p may be nil when the buffer had
	// nothing; the result may be nil when the slot swallowed the packet
	// or has nothing ready.
	Decrypt(p []byte) []byte
	// CanDecrypt reports whether the slot can descramble the channel.
	CanDecrypt(ch *types.Channel) bool
}

// DeliveryTarget is the device surface a session delivers into.
type DeliveryTarget interface {
	// WriteData accepts one chunk of received stream bytes.
	WriteData(p []byte)
	// NotifyTuned signals that the tuning handshake completed.
	NotifyTuned()
	// Index returns the device index for logging.
	Index() int
}

// SessionFactory builds the session for one device. bufferBytes is the
// free capacity of the device's ring buffer at construction time, usable
// by the session to size its own receive window.
type SessionFactory func(target DeliveryTarget, bufferBytes int, index int) TunerSession
