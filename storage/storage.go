package storage

import (
	"sync"

	"github.com/pixperk/deisync/types"
)

// Store holds photos attached to accepted rings.
type Store interface {
	Get(ringID string) ([]byte, bool)
	Put(ref types.RingRef, payload []byte)
	Keys() []string
}

// Photos is an in-memory Store.
type Photos struct {
	lock sync.RWMutex
	data map[string][]byte
}

// NewPhotos returns an empty photo store.
func NewPhotos() *Photos {
	return &Photos{
		data: make(map[string][]byte),
	}
}

func (s *Photos) Get(ringID string) ([]byte, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	payload, exists := s.data[ringID]
	if !exists {
		return nil, false
	}
	// return a copy to prevent caller from mutating internal state
	out := make([]byte, len(payload))
	copy(out, payload)
	return out, true
}

// Put stores payload for ref. A retry for the same ring replaces the
// previous photo.
func (s *Photos) Put(ref types.RingRef, payload []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.data[ref.ID] = buf
}

// returns the ids of every ring with a photo.
func (s *Photos) Keys() []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
