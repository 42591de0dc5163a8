// Package addrset provides address sets that can be swapped or edited at
// runtime while readers keep using them.
package addrset

import (
	"sort"
	"sync"

	"github.com/jfld/web3-fk/pkg/utils"
)

// Set is a read-mostly set of normalized addresses
type Set interface {
	Contains(address string) bool
	Add(addresses ...string)
	Remove(addresses ...string)
	Replace(addresses []string)
	Len() int
	List() []string
}

// ConcurrentSet is a Set guarded by a RWMutex. Addresses are normalized to
// lower-case 0x form on every call.
type ConcurrentSet struct {
	mu    sync.RWMutex
	items map[string]struct{}
}

// New creates a set holding addresses
func New(addresses ...string) *ConcurrentSet {
	s := &ConcurrentSet{items: make(map[string]struct{}, len(addresses))}
	s.Add(addresses...)
	return s
}

func (s *ConcurrentSet) Contains(address string) bool {
	key := utils.NormalizeAddress(address)
	if key == "" {
		return false
	}
	s.mu.RLock()
	_, ok := s.items[key]
	s.mu.RUnlock()
	return ok
}

func (s *ConcurrentSet) Add(addresses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addresses {
		if key := utils.NormalizeAddress(a); key != "" {
			s.items[key] = struct{}{}
		}
	}
}

func (s *ConcurrentSet) Remove(addresses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addresses {
		delete(s.items, utils.NormalizeAddress(a))
	}
}

// Replace swaps the whole content in one step
func (s *ConcurrentSet) Replace(addresses []string) {
	next := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		if key := utils.NormalizeAddress(a); key != "" {
			next[key] = struct{}{}
		}
	}
	s.mu.Lock()
	s.items = next
	s.mu.Unlock()
}

func (s *ConcurrentSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// List returns the members in sorted order
func (s *ConcurrentSet) List() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.items))
	for k := range s.items {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
