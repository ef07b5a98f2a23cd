/*
Package substate tracks which client connections are subscribed to which
addresses within a single plugin. It is a pure data structure: one instance
per plugin, all methods safe for concurrent use, no upstream I/O.
*/
package substate

import (
	"sync"
)

// State is the bidirectional subscription index of one plugin. Both maps are
// kept mutually consistent under one lock and entries are never left empty:
// when an address loses its last subscriber the key is removed.
type State struct {
	lock        sync.RWMutex
	addrToConns map[string]map[string]bool
	connToAddrs map[string]map[string]bool
	normalize   func(string) string
}

// New returns an empty State. The normalize function maps addresses to their
// internal key form (lower-casing for EVM chains); nil means identity.
func New(normalize func(string) string) *State {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	return &State{
		addrToConns: make(map[string]map[string]bool),
		connToAddrs: make(map[string]map[string]bool),
		normalize:   normalize,
	}
}

// Normalize maps an address to the key form used by this State.
func (s *State) Normalize(address string) string {
	return s.normalize(address)
}

// Track records that connID subscribes to address and returns whether this
// is the first subscriber for it (so the caller should subscribe upstream).
// Re-tracking an existing pair is a no-op keeping the pair count at one.
func (s *State) Track(connID, address string) bool {
	address = s.normalize(address)

	s.lock.Lock()
	defer s.lock.Unlock()

	conns := s.addrToConns[address]
	first := len(conns) == 0
	if conns == nil {
		conns = make(map[string]bool)
		s.addrToConns[address] = conns
	}
	conns[connID] = true

	addrs := s.connToAddrs[connID]
	if addrs == nil {
		addrs = make(map[string]bool)
		s.connToAddrs[connID] = addrs
	}
	addrs[address] = true

	return first
}

// Untrack removes the (connID, address) pair and returns whether connID was
// the last subscriber for the address (so the caller should unsubscribe
// upstream). Untracking a missing pair is a no-op returning false.
func (s *State) Untrack(connID, address string) bool {
	address = s.normalize(address)

	s.lock.Lock()
	defer s.lock.Unlock()

	conns, ok := s.addrToConns[address]
	if !ok || !conns[connID] {
		return false
	}
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(s.addrToConns, address)
	}

	if addrs, ok := s.connToAddrs[connID]; ok {
		delete(addrs, address)
		if len(addrs) == 0 {
			delete(s.connToAddrs, connID)
		}
	}
	return last
}

// Cleanup removes every subscription held by connID and returns the
// addresses that are left with no subscribers at all, i.e. the ones the
// caller should unsubscribe upstream.
func (s *State) Cleanup(connID string) []string {
	s.lock.Lock()
	defer s.lock.Unlock()

	addrs, ok := s.connToAddrs[connID]
	if !ok {
		return nil
	}
	var orphaned []string
	for address := range addrs {
		conns := s.addrToConns[address]
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.addrToConns, address)
			orphaned = append(orphaned, address)
		}
	}
	delete(s.connToAddrs, connID)
	return orphaned
}

// Drop removes the address from the index entirely and returns the ids of
// the connections that were subscribed to it. Used when the upstream
// subscription is lost and clients have to re-subscribe.
func (s *State) Drop(address string) []string {
	address = s.normalize(address)

	s.lock.Lock()
	defer s.lock.Unlock()

	conns, ok := s.addrToConns[address]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for connID := range conns {
		ids = append(ids, connID)
		if addrs, ok := s.connToAddrs[connID]; ok {
			delete(addrs, address)
			if len(addrs) == 0 {
				delete(s.connToAddrs, connID)
			}
		}
	}
	delete(s.addrToConns, address)
	return ids
}

// Connections returns the ids of the connections subscribed to the address.
func (s *State) Connections(address string) []string {
	address = s.normalize(address)

	s.lock.RLock()
	defer s.lock.RUnlock()

	conns, ok := s.addrToConns[address]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(conns))
	for connID := range conns {
		ids = append(ids, connID)
	}
	return ids
}

// AddressCount returns the number of addresses with at least one subscriber,
// which by construction equals the number of live upstream subscriptions.
func (s *State) AddressCount() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.addrToConns)
}
