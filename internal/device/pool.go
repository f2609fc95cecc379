package device

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// FilterFactory builds the section filter table for one device.
type FilterFactory func(index int, logger *logrus.Logger) FilterTable

// CamFactory builds the decryption slot for one device. It may return
// nil when the device has none.
type CamFactory func(index int) CamSlot

// Pool owns the process's devices. All of them share one tuning mutex so
// no two channel switches run concurrently.
type Pool struct {
	devices []*Bridge
	tuneMu  sync.Mutex
}

// NewPool builds count devices around the shared collaborators. count is
// clamped to 1 through MaxDevices. cams may be nil when no decryption
// slots exist.
func NewPool(count int, settings Settings, discovery Discovery, sessions SessionFactory, filters FilterFactory, cams CamFactory, logger *logrus.Logger) *Pool {
	if count > MaxDevices {
		count = MaxDevices
	}
	if count < 1 {
		count = 1
	}
	p := &Pool{}
	for i := 0; i < count; i++ {
		var cam CamSlot
		if cams != nil {
			cam = cams(i)
		}
		p.devices = append(p.devices, NewBridge(i, settings, discovery, sessions, filters(i, logger), cam, &p.tuneMu, logger))
	}
	logger.WithField("devices", count).Info("Device pool ready")
	return p
}

// Count returns the number of devices.
func (p *Pool) Count() int {
	return len(p.devices)
}

// Device returns the device at index i, or nil when out of range.
func (p *Pool) Device(i int) *Bridge {
	if i < 0 || i >= len(p.devices) {
		return nil
	}
	return p.devices[i]
}

// Devices returns the devices in index order.
func (p *Pool) Devices() []*Bridge {
	return append([]*Bridge(nil), p.devices...)
}

// Status renders a multi line text block describing every device, one
// paragraph per device.
func (p *Pool) Status() string {
	var sb strings.Builder
	for _, b := range p.devices {
		fmt.Fprintf(&sb, "Device: %s\n", b.DeviceName())
		if b.HasLock(0) {
			fmt.Fprintf(&sb, "Index: %d  HasLock: yes  Strength: %d  Quality: %d\n",
				b.Index(), b.SignalStrength(), b.SignalQuality())
		} else {
			fmt.Fprintf(&sb, "Index: %d  HasLock: no\n", b.Index())
		}
		if ch := b.CurrentChannel(); !ch.IsZero() {
			if b.Receiving() {
				fmt.Fprintf(&sb, "Transponder: %d  Channel: %s\n", ch.Transponder(), ch.Name)
			} else {
				fmt.Fprintf(&sb, "Transponder: %d\n", ch.Transponder())
			}
		}
		sb.WriteString("\n")
	}
	if sb.Len() == 0 {
		return "Streaming devices not available\n"
	}
	return sb.String()
}

// Close shuts every device down, stopping delivery before teardown.
func (p *Pool) Close() {
	for _, b := range p.devices {
		b.CloseDvr()
	}
	for _, b := range p.devices {
		b.Close()
	}
}
