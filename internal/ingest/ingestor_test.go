package ingest

import (
	"encoding/binary"
	"errors"
	"io"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"spikenet/internal/model"
	"spikenet/internal/rate"
	"spikenet/internal/spike"
)

type addrResolver struct {
	mu    sync.Mutex
	nodes map[string]model.NodeID
}

func (r *addrResolver) add(addr net.Addr, id model.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.nodes == nil {
		r.nodes = make(map[string]model.NodeID)
	}
	r.nodes[addr.String()] = id
}

func (r *addrResolver) Resolve(addr *net.UDPAddr) (model.NodeID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.nodes[addr.String()]
	return id, ok
}

// orderRecorder checks that each node's frames arrive in sequence and are
// never processed concurrently.
type orderRecorder struct {
	mu       sync.Mutex
	seqs     map[model.NodeID][]uint16
	inFlight map[model.NodeID]*atomic.Int32
	overlap  atomic.Bool
	jitter   time.Duration
}

func newOrderRecorder(jitter time.Duration, ids ...model.NodeID) *orderRecorder {
	r := &orderRecorder{
		seqs:     make(map[model.NodeID][]uint16),
		inFlight: make(map[model.NodeID]*atomic.Int32),
		jitter:   jitter,
	}
	for _, id := range ids {
		r.inFlight[id] = &atomic.Int32{}
	}
	return r
}

func (r *orderRecorder) Update(id model.NodeID, frame spike.Frame) error {
	counter := r.inFlight[id]
	if counter.Add(1) > 1 {
		r.overlap.Store(true)
	}
	defer counter.Add(-1)
	if r.jitter > 0 {
		time.Sleep(time.Duration(rand.Int63n(int64(r.jitter))))
	}
	seq := binary.LittleEndian.Uint16(frame)
	r.mu.Lock()
	r.seqs[id] = append(r.seqs[id], seq)
	r.mu.Unlock()
	return nil
}

func (r *orderRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.seqs {
		n += len(s)
	}
	return n
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func loopbackConfig() Config {
	return Config{
		ListenAddr:   "127.0.0.1:0",
		QueueSize:    64,
		Workers:      4,
		DrainTimeout: time.Second,
	}
}

func dialIngestor(t *testing.T, ing *Ingestor) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, ing.Addr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestIngestorPreservesPerNodeOrder(t *testing.T) {
	resolver := &addrResolver{}
	recorder := newOrderRecorder(300*time.Microsecond, 1, 2)
	ing := NewIngestor(loopbackConfig(), resolver, recorder, WithLogger(quietLogger()))
	if err := ing.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = ing.Stop() }()

	a := dialIngestor(t, ing)
	b := dialIngestor(t, ing)
	resolver.add(a.LocalAddr(), 1)
	resolver.add(b.LocalAddr(), 2)

	const perNode = 150
	var wg sync.WaitGroup
	for _, conn := range []*net.UDPConn{a, b} {
		wg.Add(1)
		go func(conn *net.UDPConn) {
			defer wg.Done()
			payload := make([]byte, 2)
			for seq := 0; seq < perNode; seq++ {
				binary.LittleEndian.PutUint16(payload, uint16(seq))
				if _, err := conn.Write(payload); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				if seq%10 == 9 {
					time.Sleep(time.Millisecond)
				}
			}
		}(conn)
	}
	wg.Wait()

	deadline := time.Now().Add(3 * time.Second)
	for recorder.count() < 2*perNode && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if recorder.overlap.Load() {
		t.Fatal("frames of one node were processed concurrently")
	}
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	for _, id := range []model.NodeID{1, 2} {
		seqs := recorder.seqs[id]
		if len(seqs) != perNode {
			t.Fatalf("%s: expected %d frames, got=%d", id, perNode, len(seqs))
		}
		for i := 1; i < len(seqs); i++ {
			if seqs[i] <= seqs[i-1] {
				t.Fatalf("%s: out of order at %d: %d after %d", id, i, seqs[i], seqs[i-1])
			}
		}
	}
}

func TestIngestorFeedsTrackerAndCountsRejects(t *testing.T) {
	resolver := &addrResolver{}
	tracker := rate.NewTracker(0.5)
	if err := tracker.Register(1, 8); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := tracker.Register(2, 16); err != nil {
		t.Fatalf("register: %v", err)
	}
	ing := NewIngestor(loopbackConfig(), resolver, tracker, WithLogger(quietLogger()))
	if err := ing.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = ing.Stop() }()

	good := dialIngestor(t, ing)
	short := dialIngestor(t, ing)
	stranger := dialIngestor(t, ing)
	resolver.add(good.LocalAddr(), 1)
	resolver.add(short.LocalAddr(), 2)

	_, _ = good.Write([]byte{0xff})
	_, _ = short.Write([]byte{0xff})
	_, _ = stranger.Write([]byte{0xff})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := ing.Stats()
		if s.Processed == 1 && s.Rejected == 1 && s.UnknownSender == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	s := ing.Stats()
	if s.Received != 3 || s.Processed != 1 || s.Rejected != 1 || s.UnknownSender != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	for i, v := range tracker.Snapshot(1) {
		if v != 0.5 {
			t.Fatalf("neuron %d: expected 0.5, got=%f", i, v)
		}
	}
	for _, v := range tracker.Snapshot(2) {
		if v != 0 {
			t.Fatal("rejected frame must not touch the tracker")
		}
	}
}

func TestIngestorStopWhileDatagramsInFlight(t *testing.T) {
	resolver := &addrResolver{}
	recorder := newOrderRecorder(200*time.Microsecond, 1)
	cfg := loopbackConfig()
	cfg.DrainTimeout = 300 * time.Millisecond
	ing := NewIngestor(cfg, resolver, recorder, WithLogger(quietLogger()))
	if err := ing.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	sender := dialIngestor(t, ing)
	resolver.add(sender.LocalAddr(), 1)

	stopSending := make(chan struct{})
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		payload := make([]byte, 2)
		for seq := 0; ; seq++ {
			select {
			case <-stopSending:
				return
			default:
			}
			binary.LittleEndian.PutUint16(payload, uint16(seq))
			_, _ = sender.Write(payload)
			time.Sleep(100 * time.Microsecond)
		}
	}()

	time.Sleep(30 * time.Millisecond)
	start := time.Now()
	err := ing.Stop()
	elapsed := time.Since(start)
	close(stopSending)
	<-sent

	if err != nil && !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("unexpected stop error: %v", err)
	}
	if elapsed > 2*cfg.DrainTimeout+100*time.Millisecond {
		t.Fatalf("stop exceeded grace period: %v", elapsed)
	}
	if n := ing.Running(); n != 0 {
		t.Fatalf("expected no worker running after stop, got=%d", n)
	}
	if ing.Stop() != nil {
		t.Fatal("second stop should be a no-op")
	}
}

func TestIngestorBindFailureIsReported(t *testing.T) {
	first := NewIngestor(loopbackConfig(), &addrResolver{}, rate.NewTracker(0), WithLogger(quietLogger()))
	if err := first.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = first.Stop() }()

	cfg := loopbackConfig()
	cfg.ListenAddr = first.Addr().String()
	second := NewIngestor(cfg, &addrResolver{}, rate.NewTracker(0), WithLogger(quietLogger()))
	if err := second.Start(); err == nil {
		_ = second.Stop()
		t.Fatal("expected bind failure on an occupied port")
	}
	if err := first.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got=%v", err)
	}
}
