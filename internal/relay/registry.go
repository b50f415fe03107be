package relay

import (
	"sort"
	"sync"

	"github.com/manpreetbhatti/codepair/internal/protocol"
)

// A connection that can receive events. Send must not block; it reports
// false when the event could not be queued.
type Peer interface {
	ID() string
	Send(ev protocol.Outbound) bool
}

// Registry tracks room membership in both directions so a closed connection
// can be removed from every room it joined.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Peer
	conns map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]Peer),
		conns: make(map[string]map[string]struct{}),
	}
}

// Join adds the peer to room. It returns false if the peer was already a member.
func (r *Registry) Join(room string, p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Peer)
		r.rooms[room] = members
	}
	if _, ok := members[p.ID()]; ok {
		return false
	}
	members[p.ID()] = p

	joined, ok := r.conns[p.ID()]
	if !ok {
		joined = make(map[string]struct{})
		r.conns[p.ID()] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Leave removes the connection from room. It returns false if it was not a member.
func (r *Registry) Leave(room, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, connID)
}

func (r *Registry) leaveLocked(room, connID string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if joined, ok := r.conns[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.conns, connID)
		}
	}
	return true
}

// RemoveAll drops the connection from every room and returns the rooms it left.
func (r *Registry) RemoveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.conns[connID]
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		r.leaveLocked(room, connID)
	}
	sort.Strings(rooms)
	return rooms
}

// Members returns a copy of the room's current members
func (r *Registry) Members(room string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	peers := make([]Peer, 0, len(members))
	for _, p := range members {
		peers = append(peers, p)
	}
	return peers
}

func (r *Registry) IsMember(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

func (r *Registry) RoomsOf(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.conns[connID]))
	for room := range r.conns[connID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Counts returns the member count of every occupied room
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for room, members := range r.rooms {
		counts[room] = len(members)
	}
	return counts
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// roomLocks serializes state writes and the fan-out that follows them per room.
type roomLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *roomLocks) lock(room string) (unlock func()) {
	l.mu.Lock()
	m, ok := l.locks[room]
	if !ok {
		m = &sync.Mutex{}
		l.locks[room] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
