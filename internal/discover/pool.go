// Package discover maintains the inventory of upstream streaming servers
// and hands out tuning-slot assignments to devices.
package discover

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dvbkit/satbridge/internal/device"
	"github.com/dvbkit/satbridge/internal/types"
)

var (
	// ErrNoServers is returned when the inventory holds no usable server.
	ErrNoServers = errors.New("no servers configured")
	// ErrBadServerSpec is returned when a server entry cannot be parsed.
	ErrBadServerSpec = errors.New("invalid server entry")
)

// Server is one upstream server with a bounded number of tuning slots.
type Server struct {
	name    string
	address string
	sources map[types.Source]bool
	systems map[types.DeliverySystem]bool
	slots   int
}

// Addr returns the server's network address.
func (s *Server) Addr() string {
	return s.address
}

// Description renders the server for logs and device names.
func (s *Server) Description() string {
	return fmt.Sprintf("%s (%s)", s.name, s.address)
}

// serves reports whether the server carries the source and system.
func (s *Server) serves(source types.Source, system types.DeliverySystem) bool {
	if !s.sources[source] {
		return false
	}
	if len(s.systems) == 0 {
		return true
	}
	return s.systems[system]
}

type assignment struct {
	server      *Server
	source      types.Source
	transponder int
	system      types.DeliverySystem
}

// Pool implements server assignment over a static inventory. It satisfies
// the device layer's Discovery capability.
type Pool struct {
	mu       sync.RWMutex
	servers  []*Server
	assigned map[int]*assignment
	logger   *logrus.Logger
}

// NewPool builds a pool from inventory entries. At least one valid server
// is required.
func NewPool(specs []ServerSpec, logger *logrus.Logger) (*Pool, error) {
	p := &Pool{
		assigned: make(map[int]*assignment),
		logger:   logger,
	}
	for i := range specs {
		srv, err := newServer(&specs[i])
		if err != nil {
			return nil, err
		}
		p.servers = append(p.servers, srv)
	}
	if len(p.servers) == 0 {
		return nil, ErrNoServers
	}

	logger.WithField("servers", len(p.servers)).Info("Streaming server inventory loaded")
	return p, nil
}

func newServer(spec *ServerSpec) (*Server, error) {
	if spec.Address == "" {
		return nil, fmt.Errorf("%w: missing address", ErrBadServerSpec)
	}

	srv := &Server{
		name:    spec.Name,
		address: spec.Address,
		sources: make(map[types.Source]bool),
		systems: make(map[types.DeliverySystem]bool),
		slots:   spec.Slots,
	}
	if srv.name == "" {
		srv.name = spec.Address
	}
	if srv.slots < 1 {
		srv.slots = 1
	}

	for _, letter := range splitList(spec.Sources) {
		src, err := types.ParseSource(letter)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBadServerSpec, spec.Address, err)
		}
		srv.sources[src] = true
	}
	if len(srv.sources) == 0 {
		return nil, fmt.Errorf("%w: %s: no sources", ErrBadServerSpec, spec.Address)
	}

	for _, name := range spec.Systems {
		system := types.DeliverySystem(name)
		if !system.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown system %q", ErrBadServerSpec, spec.Address, name)
		}
		srv.systems[system] = true
	}

	return srv, nil
}

// AssignServer reserves a slot on a server able to carry the transponder.
// A device holding a matching assignment keeps it; a device switching
// transponders frees its old slot first, preferring to stay on the same
// server. Returns nil when no server has a free slot.
func (p *Pool) AssignServer(devIdx int, source types.Source, transponder int, system types.DeliverySystem) device.Server {
	p.mu.Lock()
	defer p.mu.Unlock()

	var prev *Server
	if a := p.assigned[devIdx]; a != nil {
		if a.source == source && a.transponder == transponder && a.system == system {
			return a.server
		}
		prev = a.server
		delete(p.assigned, devIdx)
	}

	grant := func(srv *Server) device.Server {
		p.assigned[devIdx] = &assignment{
			server:      srv,
			source:      source,
			transponder: transponder,
			system:      system,
		}
		p.logger.WithFields(logrus.Fields{
			"device":      devIdx,
			"server":      srv.Description(),
			"transponder": transponder,
			"system":      string(system),
		}).Debug("Assigned streaming server")
		return srv
	}

	if prev != nil && prev.serves(source, system) && p.usage(prev) < prev.slots {
		return grant(prev)
	}
	for _, srv := range p.servers {
		if srv.serves(source, system) && p.usage(srv) < srv.slots {
			return grant(srv)
		}
	}
	return nil
}

// usage counts slots currently assigned on srv. Callers hold the lock.
func (p *Pool) usage(srv *Server) int {
	n := 0
	for _, a := range p.assigned {
		if a.server == srv {
			n++
		}
	}
	return n
}

// ServerString renders an assigned server handle.
func (p *Pool) ServerString(s device.Server) string {
	if s == nil {
		return ""
	}
	return s.Description()
}

// HasServer reports whether any server carries the given source.
func (p *Pool) HasServer(source types.Source) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, srv := range p.servers {
		if srv.sources[source] {
			return true
		}
	}
	return false
}

// ServerCount returns the number of known servers.
func (p *Pool) ServerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.servers)
}

// Systems returns the number of distinct delivery systems served.
func (p *Pool) Systems() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	seen := make(map[types.DeliverySystem]bool)
	for _, srv := range p.servers {
		for system := range srv.systems {
			seen[system] = true
		}
	}
	return len(seen)
}
