// Package buffer provides the TS-aligned ring buffer that sits between a
// streaming session and the packet consumer.
package buffer

import (
	"sync"
	"time"
)

// Transport stream framing.
const (
	// PacketSize is the fixed size of one TS packet.
	PacketSize = 188
	// SyncByte is the marker every TS packet starts with.
	SyncByte = 0x47
)

// defaultPutTimeout bounds how long Put stalls on a full ring before
// dropping the remainder.
const defaultPutTimeout = 10 * time.Millisecond

// Ring is a bounded byte ring between one producer and one consumer.
// Writes accept arbitrary chunks; reads come out aligned to whole TS
// packets. The ring never grows: when the producer outpaces the consumer
// the shortfall is reported through the overflow counters, never queued.
type Ring struct {
	mu        sync.Mutex
	data      []byte // ring storage plus a PacketSize mirror tail
	size      int    // multiple of PacketSize plus one slack byte
	readPos   int
	writePos  int
	delivered int // bytes handed to the consumer but not yet released

	putTimeout time.Duration

	bytesWritten   int64
	bytesRead      int64
	overflowBytes  int64
	overflowEvents int64
	skippedBytes   int64
	skipEvents     int64
}

// Stats is a point-in-time snapshot of ring accounting.
type Stats struct {
	Size           int
	Available      int
	Free           int
	BytesWritten   int64
	BytesRead      int64
	OverflowBytes  int64
	OverflowEvents int64
	SkippedBytes   int64
	SkipEvents     int64
}

// New creates a ring holding capacity bytes rounded down to a whole number
// of TS packets, plus one slack byte so a full ring and an empty ring stay
// distinguishable.
func New(capacity int) *Ring {
	packets := capacity / PacketSize
	if packets < 1 {
		packets = 1
	}
	size := packets*PacketSize + 1
	return &Ring{
		// The extra PacketSize tail mirrors wrapped bytes so the run
		// handed to the consumer is always contiguous.
		data:       make([]byte, size+PacketSize),
		size:       size,
		putTimeout: defaultPutTimeout,
	}
}

// SetPutTimeout bounds how long Put may stall when the ring is full. Zero
// makes Put strictly non-blocking.
func (r *Ring) SetPutTimeout(d time.Duration) {
	r.mu.Lock()
	r.putTimeout = d
	r.mu.Unlock()
}

// Put appends p to the ring and returns how many bytes were accepted.
// When the ring fills up it waits briefly for the consumer to release
// space, bounded by the put timeout; whatever still does not fit is the
// caller's to report via ReportOverflow.
func (r *Ring) Put(p []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	written := 0
	deadline := time.Now().Add(r.putTimeout)
	for written < len(p) {
		free := r.free()
		if free == 0 {
			if !r.waitFree(deadline) {
				break
			}
			continue
		}

		toWrite := len(p) - written
		if toWrite > free {
			toWrite = free
		}

		// Write data in chunks to handle wrap-around
		for toWrite > 0 {
			contiguous := r.size - r.writePos
			if contiguous > toWrite {
				contiguous = toWrite
			}

			copy(r.data[r.writePos:r.writePos+contiguous], p[written:written+contiguous])

			r.writePos = (r.writePos + contiguous) % r.size
			written += contiguous
			toWrite -= contiguous
			r.bytesWritten += int64(contiguous)
		}
	}
	return written
}

// waitFree drops the lock and polls for the consumer to release space
// until the deadline passes. Reports whether space became available.
func (r *Ring) waitFree(deadline time.Time) bool {
	for r.free() == 0 {
		if !time.Now().Before(deadline) {
			return false
		}
		r.mu.Unlock()
		time.Sleep(time.Millisecond)
		r.mu.Lock()
	}
	return true
}

// Get returns the next contiguous run of buffered bytes starting on a TS
// packet boundary, or nil when less than one whole packet is buffered. Any
// packet handed out by the previous Get is released first. The returned
// run is at least PacketSize long; the first PacketSize bytes are marked
// delivered and stay valid until the next Get, Del or Clear.
//
// When the head of the ring is not a sync byte the ring discards bytes up
// to the next sync byte (or the whole run if none is found), returns nil
// and reports the discarded count in skipped. The caller is expected to
// retry.
func (r *Ring) Get() (data []byte, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.delivered > 0 {
		r.del(r.delivered)
		r.delivered = 0
	}

	if r.avail() < PacketSize {
		return nil, 0
	}

	run := r.contiguous()
	if run[0] != SyncByte {
		skip := 1
		for skip < len(run) && run[skip] != SyncByte {
			skip++
		}
		r.del(skip)
		r.skippedBytes += int64(skip)
		r.skipEvents++
		return nil, skip
	}

	r.delivered = PacketSize
	return run, 0
}

// Del releases up to n delivered-but-unreleased bytes ahead of the next
// Get. Calling it is optional; Get releases the previous packet on its
// own.
func (r *Ring) Del(n int) {
	r.mu.Lock()
	if n > r.delivered {
		n = r.delivered
	}
	if n > 0 {
		r.del(n)
		r.delivered -= n
	}
	r.mu.Unlock()
}

// ReportOverflow accounts n bytes the producer dropped because the ring
// was full.
func (r *Ring) ReportOverflow(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.overflowBytes += int64(n)
	r.overflowEvents++
	r.mu.Unlock()
}

// Clear drops all buffered and delivered bytes. Counters survive.
func (r *Ring) Clear() {
	r.mu.Lock()
	r.readPos = 0
	r.writePos = 0
	r.delivered = 0
	r.mu.Unlock()
}

// Available returns the number of buffered bytes not yet released.
func (r *Ring) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.avail()
}

// Free returns the number of bytes the ring can still accept.
func (r *Ring) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.free()
}

// Stats returns current ring statistics.
func (r *Ring) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Size:           r.size - 1,
		Available:      r.avail(),
		Free:           r.free(),
		BytesWritten:   r.bytesWritten,
		BytesRead:      r.bytesRead,
		OverflowBytes:  r.overflowBytes,
		OverflowEvents: r.overflowEvents,
		SkippedBytes:   r.skippedBytes,
		SkipEvents:     r.skipEvents,
	}
}

func (r *Ring) avail() int {
	if r.writePos >= r.readPos {
		return r.writePos - r.readPos
	}
	return r.size - r.readPos + r.writePos
}

func (r *Ring) free() int {
	return r.size - r.avail() - 1 // Reserve 1 byte to distinguish full from empty
}

// contiguous returns the head run of buffered bytes. When the run wraps
// before a whole packet fits, the wrapped head is mirrored into the tail
// margin so the consumer still sees one contiguous packet.
func (r *Ring) contiguous() []byte {
	n := r.avail()
	end := r.readPos + n
	if end <= r.size {
		return r.data[r.readPos:end]
	}

	rest := r.size - r.readPos
	if rest >= PacketSize {
		return r.data[r.readPos:r.size]
	}

	need := PacketSize - rest
	copy(r.data[r.size:r.size+need], r.data[:need])
	return r.data[r.readPos : r.size+need]
}

// del consumes n buffered bytes. Callers hold the lock.
func (r *Ring) del(n int) {
	if n <= 0 {
		return
	}
	if a := r.avail(); n > a {
		n = a
	}
	r.readPos = (r.readPos + n) % r.size
	r.bytesRead += int64(n)
}
