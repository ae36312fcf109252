package port

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("msgkit.port")

// Route delivers writes to ports of another team.
type Route interface {
	// Peer returns the team reached through the route
	Peer() int32

	// WriteTo writes a packet to a port of the peer team
	WriteTo(ctx context.Context, port int32, code uint32, data []byte) error
}

// Registry allocates the ports of one process (team) and resolves
// addresses to local or remote ports.
type Registry struct {
	mu sync.RWMutex

	// Maps port ID to port
	ports map[int32]*LocalPort

	// Maps peer team to the route reaching it
	routes map[int32]Route

	// Counter for generating unique port IDs
	portCounter int32

	teamID uuid.UUID
	team   int32
}

// NewRegistry creates a registry with a fresh team identity.
func NewRegistry() *Registry {
	id := uuid.New()
	team := int32(binary.BigEndian.Uint32(id[:4]) & 0x7fffffff)
	if team == 0 {
		team = 1
	}
	return &Registry{
		ports:  make(map[int32]*LocalPort),
		routes: make(map[int32]Route),
		teamID: id,
		team:   team,
	}
}

// Team returns the team id used in addresses of this registry.
func (r *Registry) Team() int32 {
	return r.team
}

// TeamID returns the UUID the team id was derived from.
func (r *Registry) TeamID() uuid.UUID {
	return r.teamID
}

// Create allocates a new local port.
func (r *Registry) Create(name string, capacity int) (*LocalPort, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}

	id := atomic.AddInt32(&r.portCounter, 1)
	p := newLocalPort(id, name, capacity, r)

	r.mu.Lock()
	r.ports[id] = p
	r.mu.Unlock()

	log.Debugf("created port %d (%s) with capacity %d", id, name, capacity)
	return p, nil
}

// Get returns the live local port with the given id.
func (r *Registry) Get(id int32) (*LocalPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.ports[id]
	return p, exists
}

// Find returns the oldest live local port with the given name.
func (r *Registry) Find(name string) (*LocalPort, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *LocalPort
	for _, p := range r.ports {
		if p.name == name && (found == nil || p.id < found.id) {
			found = p
		}
	}
	return found, found != nil
}

// Ports returns all live local ports ordered by id.
func (r *Registry) Ports() []*LocalPort {
	r.mu.RLock()
	ports := make([]*LocalPort, 0, len(r.ports))
	for _, p := range r.ports {
		ports = append(ports, p)
	}
	r.mu.RUnlock()

	sort.Slice(ports, func(i, j int) bool { return ports[i].id < ports[j].id })
	return ports
}

// Resolve returns the port addressed by team and id. Team 0 and the
// registry's own team are local; other teams need a route.
func (r *Registry) Resolve(team, id int32) (Port, error) {
	if team == 0 || team == r.team {
		p, ok := r.Get(id)
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrPortNotFound, id)
		}
		return p, nil
	}

	route, ok := r.Route(team)
	if !ok {
		return nil, fmt.Errorf("%w: %08x", ErrNoRoute, uint32(team))
	}
	return &remotePort{team: team, id: id, route: route}, nil
}

// Deliver writes a packet to a local port. Links use it for inbound frames.
func (r *Registry) Deliver(ctx context.Context, id int32, code uint32, data []byte) error {
	p, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrPortNotFound, id)
	}
	return p.Write(ctx, code, data)
}

// AddRoute registers the route to a peer team, replacing any previous one.
func (r *Registry) AddRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[route.Peer()] = route
	log.Infof("route to team %08x added", uint32(route.Peer()))
}

// RemoveRoute unregisters route if it is still the route to its peer.
func (r *Registry) RemoveRoute(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.routes[route.Peer()]; ok && current == route {
		delete(r.routes, route.Peer())
		log.Infof("route to team %08x removed", uint32(route.Peer()))
	}
}

// Route returns the route to a peer team.
func (r *Registry) Route(team int32) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[team]
	return route, ok
}

// Close closes every local port.
func (r *Registry) Close() error {
	for _, p := range r.Ports() {
		p.Close()
	}
	return nil
}

func (r *Registry) remove(id int32) {
	r.mu.Lock()
	delete(r.ports, id)
	r.mu.Unlock()
}
