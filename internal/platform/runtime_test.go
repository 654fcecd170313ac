package platform

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"spikenet/internal/classify"
	"spikenet/internal/fleet"
	"spikenet/internal/ingest"
	"spikenet/internal/model"
	"spikenet/internal/samples"
	"spikenet/internal/stats"
	"spikenet/internal/stimulus"
	"spikenet/internal/storage"
)

// fakeNode answers stimulation by sending the same frames back to the ingest
// port once the runtime has told it where that is. A mute node never answers.
type fakeNode struct {
	conn     *net.UDPConn
	mute     bool
	target   atomic.Pointer[net.UDPAddr]
	received atomic.Int64
	done     chan struct{}
}

func startFakeNode(t *testing.T, mute bool) *fakeNode {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	n := &fakeNode{conn: conn, mute: mute, done: make(chan struct{})}
	go func() {
		defer close(n.done)
		buf := make([]byte, 512)
		for {
			size, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			n.received.Add(1)
			if target := n.target.Load(); target != nil && !n.mute {
				_, _ = conn.WriteToUDP(buf[:size], target)
			}
		}
	}()
	t.Cleanup(func() {
		_ = conn.Close()
		<-n.done
	})
	return n
}

func (n *fakeNode) addr() string {
	return n.conn.LocalAddr().String()
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

type testSupportModule struct {
	name       string
	startCalls int
	stopCalls  int
	startErr   error
}

func (m *testSupportModule) Name() string { return m.name }

func (m *testSupportModule) Start(context.Context) error {
	m.startCalls++
	return m.startErr
}

func (m *testSupportModule) Stop(context.Context) error {
	m.stopCalls++
	return nil
}

type testFleet struct {
	roster *fleet.Roster
	nodes  []*fakeNode
}

func newTestFleet(t *testing.T) testFleet {
	t.Helper()
	f := testFleet{roster: fleet.NewRoster()}
	for i, mute := range []bool{false, true} {
		node := startFakeNode(t, mute)
		f.nodes = append(f.nodes, node)
		if err := f.roster.Add(model.TargetNode{ID: model.NodeID(i + 1), Address: node.addr(), NeuronCount: 4}); err != nil {
			t.Fatalf("roster: %v", err)
		}
	}
	return f
}

func (f testFleet) point(t *testing.T, rt *Runtime) {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", rt.IngestAddr())
	if err != nil {
		t.Fatalf("resolve ingest addr: %v", err)
	}
	for _, node := range f.nodes {
		node.target.Store(addr)
	}
}

func testConfig(store storage.Store, roster *fleet.Roster) Config {
	return Config{
		Store:  store,
		Roster: roster,
		Lanes: []LaneSpec{
			{Label: model.LabelTrack, Input: 1},
			{Label: model.LabelSpot, Input: 2},
		},
		Ingest:        ingest.Config{ListenAddr: "127.0.0.1:0", Workers: 2},
		Stimulus:      stimulus.Config{StepInterval: 5 * time.Millisecond, StimDuration: 30 * time.Millisecond, Seed: 3},
		Classify:      classify.Config{MinIterations: 2, MaxIterations: 4, IterationIncrement: 2, SettleMargin: 5 * time.Millisecond},
		RateIncrement: 0.1,
		ShutdownGrace: time.Second,
		Logger:        quietLogger(),
	}
}

func TestRuntimeRunPersistsConclusionsAndArtifacts(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t)
	store := storage.NewMemoryStore()
	cfg := testConfig(store, f.roster)
	cfg.ArtifactsDir = t.TempDir()

	rt := NewRuntime(cfg)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rt.Stop(StopReasonNormal) }()
	f.point(t, rt)

	src := samples.NewSliceSource([]model.Sample{
		{ID: "t1", Luminance: []float64{1, 1, 1, 1}, Label: model.LabelTrack},
		{ID: "s1", Luminance: []float64{1, 1, 1, 1}, Label: model.LabelSpot},
	})
	result, err := rt.Run(ctx, src, classify.ModeInference)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.Summary.Samples != 2 || result.Summary.Concluded != 2 || result.Summary.Correct != 1 || result.Summary.Accuracy != 0.5 {
		t.Fatalf("unexpected summary: %+v", result.Summary)
	}
	for _, rec := range result.Conclusions {
		if rec.Guess != model.LabelTrack || rec.Iterations != 2 || rec.RunID != result.RunID {
			t.Fatalf("unexpected conclusion: %+v", rec)
		}
	}
	if result.Counters.FramesSent == 0 || result.Counters.Processed == 0 {
		t.Fatalf("expected traffic in both directions, got=%+v", result.Counters)
	}

	stored, err := store.ListConclusions(ctx, result.RunID)
	if err != nil || len(stored) != 2 {
		t.Fatalf("stored conclusions: %+v err=%v", stored, err)
	}
	summary, ok, err := store.GetRunSummary(ctx, result.RunID)
	if err != nil || !ok || summary.Correct != 1 {
		t.Fatalf("stored summary: %+v ok=%v err=%v", summary, ok, err)
	}

	for _, file := range []string{"config.json", "conclusions.json", "summary.json"} {
		if _, err := os.Stat(filepath.Join(result.RunDir, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}
	index, err := stats.ListRunIndex(cfg.ArtifactsDir)
	if err != nil || len(index) != 1 || index[0].RunID != result.RunID {
		t.Fatalf("unexpected run index: %+v err=%v", index, err)
	}
	runCfg, ok, err := stats.ReadRunConfig(cfg.ArtifactsDir, result.RunID)
	if err != nil || !ok || len(runCfg.Lanes) != 2 || runCfg.StepIntervalMS != 5 {
		t.Fatalf("unexpected run config: %+v ok=%v err=%v", runCfg, ok, err)
	}
}

func TestRuntimeRemoveNodeRetiresLanes(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t)
	rt := NewRuntime(testConfig(storage.NewMemoryStore(), f.roster))
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rt.Stop(StopReasonNormal) }()

	if err := rt.RemoveNode(2); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if lanes := rt.Lanes(); len(lanes) != 1 || lanes[0].Label != model.LabelTrack {
		t.Fatalf("unexpected lanes: %+v", lanes)
	}
	if err := rt.RemoveNode(2); !errors.Is(err, fleet.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got=%v", err)
	}
	if err := rt.RemoveNode(1); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	src := samples.NewSliceSource([]model.Sample{{ID: "x", Luminance: []float64{1}, Label: model.LabelTrack}})
	if _, err := rt.Run(ctx, src, classify.ModeInference); !errors.Is(err, classify.ErrNoLanes) {
		t.Fatalf("expected ErrNoLanes, got=%v", err)
	}
}

func TestRuntimeRemoveNodeDuringSession(t *testing.T) {
	ctx := context.Background()
	f := newTestFleet(t)
	store := storage.NewMemoryStore()
	cfg := testConfig(store, f.roster)
	cfg.Classify.MinIterations, cfg.Classify.MaxIterations = 8, 8
	cfg.ArtifactsDir = t.TempDir()

	rt := NewRuntime(cfg)
	if err := rt.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rt.Stop(StopReasonNormal) }()
	f.point(t, rt)

	src := samples.NewSliceSource([]model.Sample{
		{ID: "t1", Luminance: []float64{1, 1, 1, 1}, Label: model.LabelTrack},
		{ID: "t2", Luminance: []float64{1, 1, 1, 1}, Label: model.LabelTrack},
	})
	type outcome struct {
		result RunResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := rt.Run(ctx, src, classify.ModeInference)
		done <- outcome{result, err}
	}()

	time.Sleep(45 * time.Millisecond)
	if f.nodes[1].received.Load() == 0 {
		t.Fatal("expected node 2 stimulated before removal")
	}
	if err := rt.RemoveNode(2); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	settled := f.nodes[1].received.Load()
	time.Sleep(80 * time.Millisecond)
	if late := f.nodes[1].received.Load() - settled; late != 0 {
		t.Fatalf("removed node received %d frames after removal", late)
	}
	if f.nodes[0].received.Load() == 0 {
		t.Fatal("remaining node should still be stimulated")
	}

	if err := rt.RemoveNode(1); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after every lane was retired")
	}
	if !errors.Is(out.err, classify.ErrNoLanes) {
		t.Fatalf("expected ErrNoLanes, got=%v", out.err)
	}
	if out.result.Summary.Samples == 0 {
		t.Fatalf("expected the started sample counted, got=%+v", out.result.Summary)
	}
	if _, ok, err := store.GetRunSummary(ctx, out.result.RunID); err != nil || !ok {
		t.Fatalf("partial run summary not saved: ok=%v err=%v", ok, err)
	}
	if _, err := os.Stat(filepath.Join(out.result.RunDir, "summary.json")); err != nil {
		t.Fatalf("expected partial run artifacts: %v", err)
	}
}

func TestRuntimeDerivesStimulationLength(t *testing.T) {
	if got := DefaultConfig().Classify.StimulationLength; got != 0 {
		t.Fatalf("default stimulation length should be derived, got=%v", got)
	}
	f := newTestFleet(t)
	cfg := testConfig(storage.NewMemoryStore(), f.roster)
	cfg.Stimulus.PauseDuration = 10 * time.Millisecond
	rt := NewRuntime(cfg)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = rt.Stop(StopReasonNormal) }()
	if got := rt.engine.Config().StimulationLength; got != 40*time.Millisecond {
		t.Fatalf("expected stimulation length from stimulus timing, got=%v", got)
	}
}

func TestRuntimeStartFailsOnOccupiedIngestPort(t *testing.T) {
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()

	f := newTestFleet(t)
	cfg := testConfig(storage.NewMemoryStore(), f.roster)
	cfg.Ingest.ListenAddr = occupied.LocalAddr().String()
	module := &testSupportModule{name: "extra"}
	cfg.SupportModules = []SupportModule{module}

	rt := NewRuntime(cfg)
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected bind failure")
	}
	if rt.Started() || module.startCalls != 0 {
		t.Fatalf("nothing should be running: started=%v module starts=%d", rt.Started(), module.startCalls)
	}
	src := samples.NewSliceSource(nil)
	if _, err := rt.Run(context.Background(), src, classify.ModeInference); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got=%v", err)
	}
}

func TestRuntimeSupportModuleFailureReleasesIngestPort(t *testing.T) {
	f := newTestFleet(t)
	cfg := testConfig(storage.NewMemoryStore(), f.roster)
	cfg.SupportModules = []SupportModule{&testSupportModule{name: "broken", startErr: errors.New("boom")}}

	rt := NewRuntime(cfg)
	if err := rt.Start(context.Background()); err == nil {
		t.Fatal("expected support module failure")
	}
	if rt.Started() {
		t.Fatal("runtime must not be started")
	}
}

func TestRuntimeRejectsUnknownLaneNode(t *testing.T) {
	f := newTestFleet(t)
	cfg := testConfig(storage.NewMemoryStore(), f.roster)
	cfg.Lanes = append(cfg.Lanes, LaneSpec{Label: model.LabelNoise, Input: 9})
	if err := NewRuntime(cfg).Start(context.Background()); !errors.Is(err, fleet.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got=%v", err)
	}
}

func TestRuntimeStopLifecycle(t *testing.T) {
	f := newTestFleet(t)
	module := &testSupportModule{name: "extra"}
	cfg := testConfig(storage.NewMemoryStore(), f.roster)
	cfg.SupportModules = []SupportModule{module}

	rt := NewRuntime(cfg)
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := rt.ActiveSupportModules(); len(got) != 2 || got[0] != "ingest" || got[1] != "extra" {
		t.Fatalf("unexpected modules: %v", got)
	}
	if rt.Interrupt() {
		t.Fatal("no session is active")
	}
	if err := rt.Stop("bogus"); err == nil {
		t.Fatal("expected unsupported stop reason")
	}

	start := time.Now()
	if err := rt.Stop(StopReasonShutdown); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > cfg.ShutdownGrace {
		t.Fatalf("stop exceeded grace: %v", elapsed)
	}
	if rt.Started() || rt.LastStopReason() != StopReasonShutdown || module.stopCalls != 1 {
		t.Fatalf("unexpected state after stop: started=%v reason=%s stops=%d", rt.Started(), rt.LastStopReason(), module.stopCalls)
	}
	if err := rt.Stop(StopReasonNormal); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
