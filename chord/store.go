package chord

import (
	"fmt"
	"sync"
)

// KeyFragment pairs a key with one of its stored fragments.
type KeyFragment struct {
	Key      Key
	Fragment Fragment
}

// Store is the local key-fragment database: a map from key to the
// fragments held for it, indexed by a compact sparse Merkle tree over
// the key set. At full ring sizes a peer holds exactly one fragment
// per key; a peer occupying several successor slots of a small ring
// holds several.
type Store struct {
	mu    sync.RWMutex
	data  map[Key][]Fragment
	index *MerkleIndex
}

func NewStore() *Store {
	return &Store{
		data:  make(map[Key][]Fragment),
		index: NewMerkleIndex(),
	}
}

// Insert stores the first fragment for a key. Fails with ErrDuplicate
// if the key is already present.
func (s *Store) Insert(key Key, frag Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, key)
	}
	s.index.Insert(key)
	s.data[key] = []Fragment{frag}
	return nil
}

// Place stores a fragment for a key, appending when the key is already
// held. Fails with ErrDuplicate only when a fragment with the same
// index is already present. Used for local placements, where a peer
// filling several successor slots legitimately keeps several fragments.
func (s *Store) Place(key Key, frag Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	frags, ok := s.data[key]
	if !ok {
		s.index.Insert(key)
		s.data[key] = []Fragment{frag}
		return nil
	}
	for _, held := range frags {
		if held.Index == frag.Index {
			return fmt.Errorf("%w: %s fragment %d", ErrDuplicate, key, frag.Index)
		}
	}
	s.data[key] = append(frags, frag)
	return nil
}

// Update replaces the fragments held for an existing key. Fails with
// ErrNotFound if absent. The protocol never updates; this is a store
// primitive kept for tests.
func (s *Store) Update(key Key, frag Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	s.data[key] = []Fragment{frag}
	return nil
}

func (s *Store) Delete(key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(s.data, key)
	return s.index.Delete(key)
}

// Lookup returns the first fragment held for a key, gating on the
// Merkle index before touching the map.
func (s *Store) Lookup(key Key) (Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.index.Contains(key) {
		return Fragment{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return s.data[key][0], nil
}

// Fragments returns every fragment held for a key, or nil.
func (s *Store) Fragments(key Key) []Fragment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frags := s.data[key]
	out := make([]Fragment, len(frags))
	copy(out, frags)
	return out
}

func (s *Store) Contains(key Key) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Contains(key)
}

// ReadRange returns a pair for every held key clockwise-between lower
// and upper inclusive. Linear over the map; expected to be called only
// on the peer's owning range.
func (s *Store) ReadRange(lower, upper Key) []KeyFragment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pairs []KeyFragment
	for key, frags := range s.data {
		if key.InBetween(lower, upper, true) {
			pairs = append(pairs, KeyFragment{Key: key, Fragment: frags[0]})
		}
	}
	return pairs
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// RootHash exposes the index root so replicas can compare key sets.
func (s *Store) RootHash() Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.RootHash()
}
