// Package idgen generates opaque identifiers; the Task Engine uses it for
// task IDs the caller omits.
package idgen

import "github.com/google/uuid"

// Generator produces opaque unique IDs. Tests substitute a deterministic
// implementation so traces are reproducible.
type Generator interface {
	NewID() string
}

// UUID generates IDs with github.com/google/uuid, the generator already
// used throughout the retrieved pack for task and pipeline IDs.
type UUID struct{}

func (UUID) NewID() string { return uuid.New().String() }

// Sequential is a deterministic Generator for tests: it returns a prefixed
// incrementing counter instead of a random UUID.
type Sequential struct {
	Prefix string
	n      int
}

func (s *Sequential) NewID() string {
	s.n++
	id := s.Prefix
	if id == "" {
		id = "id"
	}
	return id + "-" + itoa(s.n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
