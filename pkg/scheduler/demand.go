package scheduler

import (
	"sync"
)

// DemandSource reports how many additional workers each label needs
type DemandSource interface {
	Demand() map[string]int
}

// DemandBoard is the DemandSource of a single fleet, fed by the cluster
// through the admin API
type DemandBoard struct {
	mu     sync.RWMutex
	demand map[string]int
}

// NewDemandBoard creates an empty board
func NewDemandBoard() *DemandBoard {
	return &DemandBoard{demand: make(map[string]int)}
}

// Set records the current demand for label. Zero or negative counts clear it.
func (b *DemandBoard) Set(label string, count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count <= 0 {
		delete(b.demand, label)
		return
	}
	b.demand[label] = count
}

// Get returns the demand for one label
func (b *DemandBoard) Get(label string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.demand[label]
}

// Demand returns a copy of every label's demand
func (b *DemandBoard) Demand() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.demand))
	for label, count := range b.demand {
		out[label] = count
	}
	return out
}
