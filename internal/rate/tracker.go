package rate

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"spikenet/internal/model"
	"spikenet/internal/spike"
)

const DefaultIncrement = 0.01

var (
	ErrUnknownNode = errors.New("unknown node")
	ErrFrameShape  = errors.New("frame shorter than neuron count")
)

// Tracker keeps one exponential moving average of spike occurrence per neuron
// and node. Every access goes through Update, Reset and Snapshot; updates for
// one node are serialized by that node's lock.
type Tracker struct {
	increment float64

	mu    sync.RWMutex
	nodes map[model.NodeID]*nodeRates
}

type nodeRates struct {
	mu    sync.Mutex
	rates []float64
}

func NewTracker(increment float64) *Tracker {
	if increment <= 0 || increment >= 1 {
		increment = DefaultIncrement
	}
	return &Tracker{
		increment: increment,
		nodes:     make(map[model.NodeID]*nodeRates),
	}
}

func (t *Tracker) Increment() float64 {
	return t.increment
}

// Register creates the zeroed vector for a node. The vector length is fixed
// for the node's lifetime; registering again with another size fails.
func (t *Tracker) Register(id model.NodeID, neuronCount int) error {
	if neuronCount <= 0 {
		return fmt.Errorf("neuron count must be > 0 for %s", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.nodes[id]; ok {
		if len(existing.rates) != neuronCount {
			return fmt.Errorf("%s already registered with %d neurons", id, len(existing.rates))
		}
		return nil
	}
	t.nodes[id] = &nodeRates{rates: make([]float64, neuronCount)}
	return nil
}

func (t *Tracker) Remove(id model.NodeID) {
	t.mu.Lock()
	delete(t.nodes, id)
	t.mu.Unlock()
}

func (t *Tracker) Nodes() []model.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]model.NodeID, 0, len(t.nodes))
	for id := range t.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (t *Tracker) lookup(id model.NodeID) (*nodeRates, bool) {
	t.mu.RLock()
	n, ok := t.nodes[id]
	t.mu.RUnlock()
	return n, ok
}

// Update folds one frame into the node's rates:
// rate += inc*(1-rate) when the neuron spiked, rate -= inc*rate otherwise.
func (t *Tracker) Update(id model.NodeID, frame spike.Frame) error {
	n, ok := t.lookup(id)
	if !ok {
		return fmt.Errorf("update %s: %w", id, ErrUnknownNode)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if frame.Capacity() < len(n.rates) {
		return fmt.Errorf("update %s: %w: bits=%d neurons=%d", id, ErrFrameShape, frame.Capacity(), len(n.rates))
	}
	inc := t.increment
	for i := range n.rates {
		if frame.Bit(i) {
			n.rates[i] += inc * (1 - n.rates[i])
		} else {
			n.rates[i] -= inc * n.rates[i]
		}
	}
	return nil
}

// Reset zeroes the node's vector. Unknown nodes are ignored.
func (t *Tracker) Reset(id model.NodeID) {
	n, ok := t.lookup(id)
	if !ok {
		return
	}
	n.mu.Lock()
	clear(n.rates)
	n.mu.Unlock()
}

// Snapshot returns a copy of the node's rates; unknown nodes yield an empty
// vector.
func (t *Tracker) Snapshot(id model.NodeID) []float64 {
	n, ok := t.lookup(id)
	if !ok {
		return []float64{}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]float64(nil), n.rates...)
}
