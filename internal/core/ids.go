package core

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// idMask keeps identifiers within 53 bits so they survive a round trip
// through JSON number handling in JavaScript clients.
const idMask = 1<<53 - 1

// IDSpace hands out identifiers that are unique across every namespace
// drawing from it (sessions, handles, rooms, feeds). Values are never
// handed out twice within the life of the process.
type IDSpace struct {
	mu   sync.Mutex
	used map[uint64]struct{}
}

func NewIDSpace() *IDSpace {
	return &IDSpace{used: make(map[uint64]struct{})}
}

// Next returns a fresh non-zero identifier.
func (s *IDSpace) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := random53()
		if id == 0 {
			continue
		}
		if _, taken := s.used[id]; taken {
			continue
		}
		s.used[id] = struct{}{}
		return id
	}
}

// Claim reserves a caller-chosen identifier. It fails when the value was
// already handed out or is out of range.
func (s *IDSpace) Claim(id uint64) bool {
	if id == 0 || id > idMask {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.used[id]; taken {
		return false
	}
	s.used[id] = struct{}{}
	return true
}

func random53() uint64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand never fails on the platforms we run on.
		panic(err)
	}
	return binary.BigEndian.Uint64(buf[:]) & idMask
}
