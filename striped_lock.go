package crmbase

import (
	"hash/fnv"
	"sync"
)

// StripedLocks spreads per-key locking over a fixed set of mutexes. The same
// key always maps to the same stripe.
type StripedLocks struct {
	stripes []sync.RWMutex
	count   uint32
}

// NewStripedLocks creates stripeCount stripes, 32 when stripeCount <= 0.
func NewStripedLocks(stripeCount int) *StripedLocks {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &StripedLocks{
		stripes: make([]sync.RWMutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// Lock takes the exclusive lock for key and returns its release func.
func (sl *StripedLocks) Lock(key string) func() {
	m := &sl.stripes[sl.stripe(key)]
	m.Lock()
	return m.Unlock
}

// RLock takes the shared lock for key and returns its release func.
func (sl *StripedLocks) RLock(key string) func() {
	m := &sl.stripes[sl.stripe(key)]
	m.RLock()
	return m.RUnlock
}

func (sl *StripedLocks) stripe(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sl.count
}
