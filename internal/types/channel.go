// Package types defines the channel and tuning descriptors shared by the
// device, discovery and session layers.
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownSource is returned when a source letter cannot be parsed.
var ErrUnknownSource = errors.New("unknown source")

// Source identifies the broadcast signal class a channel is carried on.
type Source byte

// Known signal sources. The letters follow the common receiver convention.
const (
	SourceNone  Source = 0
	SourceATSC  Source = 'A'
	SourceCable Source = 'C'
	SourceSat   Source = 'S'
	SourceTerr  Source = 'T'
)

// ParseSource parses a single source letter such as "S" or "C".
func ParseSource(s string) (Source, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return SourceATSC, nil
	case "C":
		return SourceCable, nil
	case "S":
		return SourceSat, nil
	case "T":
		return SourceTerr, nil
	}
	return SourceNone, fmt.Errorf("%w: %q", ErrUnknownSource, s)
}

func (s Source) String() string {
	if s == SourceNone {
		return "-"
	}
	return string(rune(s))
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceATSC, SourceCable, SourceSat, SourceTerr:
		return true
	}
	return false
}

// DeliverySystem names the modulation system used on a transponder.
type DeliverySystem string

// Delivery systems understood by the parameter translator.
const (
	SystemDVBS  DeliverySystem = "dvbs"
	SystemDVBS2 DeliverySystem = "dvbs2"
	SystemDVBC  DeliverySystem = "dvbc"
	SystemDVBC2 DeliverySystem = "dvbc2"
	SystemDVBT  DeliverySystem = "dvbt"
	SystemDVBT2 DeliverySystem = "dvbt2"
)

// Source returns the signal class a delivery system belongs to.
func (d DeliverySystem) Source() Source {
	switch d {
	case SystemDVBS, SystemDVBS2:
		return SourceSat
	case SystemDVBC, SystemDVBC2:
		return SourceCable
	case SystemDVBT, SystemDVBT2:
		return SourceTerr
	}
	return SourceNone
}

// Valid reports whether d is one of the known delivery systems.
func (d DeliverySystem) Valid() bool {
	return d.Source() != SourceNone
}

// CAIDs at or above this value mean the service is scrambled; lower values
// are receiver-internal markers.
const encryptedCAMin = 0x0100

// Channel describes one service on one transponder. It is a plain value
// type; the device layer copies it when tuning so callers may reuse theirs.
type Channel struct {
	Name         string
	Source       Source
	System       DeliverySystem
	Frequency    int  // satellite: MHz, others: Hz or kHz; Transponder normalizes
	Polarization byte // satellite only: 'h', 'v', 'l' or 'r'
	SymbolRate   int  // ksym/s, zero for terrestrial
	Bandwidth    int  // MHz, terrestrial only
	Modulation   string
	ServiceID    int
	VPID         int
	APIDs        []int
	DPIDs        []int
	CAIDs        []int
}

// FrequencyMHz folds the configured frequency down to MHz regardless of
// the unit it was entered in.
func (c *Channel) FrequencyMHz() int {
	t := c.Frequency
	for t > 20000 {
		t /= 1000
	}
	return t
}

// Transponder folds the frequency down to MHz and, for satellite channels,
// adds a per-polarization offset so the same frequency on two polarizations
// compares as two transponders.
func (c *Channel) Transponder() int {
	t := c.FrequencyMHz()
	switch c.Polarization | 0x20 {
	case 'h':
		t += 100000
	case 'v':
		t += 200000
	case 'l':
		t += 300000
	case 'r':
		t += 400000
	}
	return t
}

// Clone returns a copy with its own pid and CA lists.
func (c *Channel) Clone() Channel {
	out := *c
	out.APIDs = append([]int(nil), c.APIDs...)
	out.DPIDs = append([]int(nil), c.DPIDs...)
	out.CAIDs = append([]int(nil), c.CAIDs...)
	return out
}

// Encrypted reports whether the service needs descrambling.
func (c *Channel) Encrypted() bool {
	for _, id := range c.CAIDs {
		if id >= encryptedCAMin {
			return true
		}
	}
	return false
}

// IsZero reports whether c is the cleared "no channel" value.
func (c *Channel) IsZero() bool {
	return c.Source == SourceNone && c.Frequency == 0 && c.ServiceID == 0
}

func (c *Channel) String() string {
	if c.IsZero() {
		return "none"
	}
	name := c.Name
	if name == "" {
		name = "unnamed"
	}
	return fmt.Sprintf("%s (%s %d sid %d)", name, c.System, c.Transponder(), c.ServiceID)
}
