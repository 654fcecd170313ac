package rate

import (
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"spikenet/internal/model"
	"spikenet/internal/spike"
)

func randomFrame(rng *rand.Rand, bits int) spike.Frame {
	frame := spike.NewFrame(bits)
	for i := 0; i < bits; i++ {
		if rng.Intn(2) == 1 {
			frame.Set(i)
		}
	}
	return frame
}

func TestTrackerRatesStayBounded(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for _, inc := range []float64{0.005, 0.01, 0.5, 0.99} {
		tracker := NewTracker(inc)
		if err := tracker.Register(1, 23); err != nil {
			t.Fatalf("register: %v", err)
		}
		for step := 0; step < 5000; step++ {
			if err := tracker.Update(1, randomFrame(rng, 23)); err != nil {
				t.Fatalf("update: %v", err)
			}
			for i, v := range tracker.Snapshot(1) {
				if v < 0 || v > 1 || math.IsNaN(v) {
					t.Fatalf("rate %d out of bounds after step %d: %f (inc=%f)", i, step, v, inc)
				}
			}
		}
	}
}

func TestTrackerUpdateRule(t *testing.T) {
	tracker := NewTracker(0.1)
	if err := tracker.Register(7, 2); err != nil {
		t.Fatalf("register: %v", err)
	}
	frame := spike.NewFrame(2)
	frame.Set(0)
	if err := tracker.Update(7, frame); err != nil {
		t.Fatalf("update: %v", err)
	}
	got := tracker.Snapshot(7)
	if math.Abs(got[0]-0.1) > 1e-12 || got[1] != 0 {
		t.Fatalf("unexpected rates after first update: %v", got)
	}
	if err := tracker.Update(7, spike.NewFrame(2)); err != nil {
		t.Fatalf("update: %v", err)
	}
	got = tracker.Snapshot(7)
	if math.Abs(got[0]-0.09) > 1e-12 {
		t.Fatalf("expected decay to 0.09, got=%v", got)
	}
}

func TestTrackerUnknownNodeAndShape(t *testing.T) {
	tracker := NewTracker(DefaultIncrement)
	if err := tracker.Update(99, spike.NewFrame(8)); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got=%v", err)
	}
	if snap := tracker.Snapshot(99); len(snap) != 0 {
		t.Fatalf("expected empty snapshot for unknown node, got=%v", snap)
	}
	tracker.Reset(99)

	if err := tracker.Register(1, 12); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tracker.Update(1, spike.NewFrame(8)); !errors.Is(err, ErrFrameShape) {
		t.Fatalf("expected ErrFrameShape, got=%v", err)
	}
	if err := tracker.Register(1, 4); err == nil {
		t.Fatal("expected re-register with another size to fail")
	}
	if len(tracker.Snapshot(1)) != 12 {
		t.Fatal("vector length must not change")
	}
}

func TestTrackerSnapshotIsDefensiveCopy(t *testing.T) {
	tracker := NewTracker(0.5)
	_ = tracker.Register(1, 1)
	frame := spike.NewFrame(1)
	frame.Set(0)
	_ = tracker.Update(1, frame)
	snap := tracker.Snapshot(1)
	snap[0] = 42
	if tracker.Snapshot(1)[0] != 0.5 {
		t.Fatal("mutating a snapshot leaked into tracker state")
	}
	tracker.Reset(1)
	if tracker.Snapshot(1)[0] != 0 {
		t.Fatal("expected reset to zero the vector")
	}
}

// Concurrent callers for two nodes, each node's updates applied in tag order
// with jitter, must equal a serial replay per node.
func TestTrackerPerNodeOrderingMatchesSerialReplay(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const bits = 16
	const steps = 300
	streams := map[model.NodeID][]spike.Frame{}
	for _, id := range []model.NodeID{1, 2} {
		for i := 0; i < steps; i++ {
			streams[id] = append(streams[id], randomFrame(rng, bits))
		}
	}

	concurrent := NewTracker(0.05)
	serial := NewTracker(0.05)
	for id := range streams {
		_ = concurrent.Register(id, bits)
		_ = serial.Register(id, bits)
	}

	var wg sync.WaitGroup
	for id, frames := range streams {
		wg.Add(1)
		go func(id model.NodeID, frames []spike.Frame) {
			defer wg.Done()
			for i, frame := range frames {
				if i%50 == 0 {
					time.Sleep(time.Millisecond)
				}
				if err := concurrent.Update(id, frame); err != nil {
					t.Errorf("update: %v", err)
				}
			}
		}(id, frames)
	}
	wg.Wait()

	for id, frames := range streams {
		for _, frame := range frames {
			_ = serial.Update(id, frame)
		}
		got := concurrent.Snapshot(id)
		want := serial.Snapshot(id)
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s neuron %d: concurrent=%f serial=%f", id, i, got[i], want[i])
			}
		}
	}
}
