package platform

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"spikenet/internal/classify"
	"spikenet/internal/fleet"
	"spikenet/internal/ingest"
	"spikenet/internal/model"
	"spikenet/internal/rate"
	"spikenet/internal/samples"
	"spikenet/internal/stats"
	"spikenet/internal/stimulus"
	"spikenet/internal/storage"
)

var (
	ErrNotStarted = errors.New("runtime is not started")
	ErrRunActive  = errors.New("a run is already in progress")
)

// SupportModule is a service started before the first session and stopped,
// in reverse order, at shutdown. The spike ingestor is always the first one.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StopReason string

const (
	StopReasonNormal   StopReason = "normal"
	StopReasonShutdown StopReason = "shutdown"
)

// LaneSpec names the nodes of one candidate class. A zero Readout reads the
// input node.
type LaneSpec struct {
	Label   model.Label
	Input   model.NodeID
	Readout model.NodeID
}

type Config struct {
	Store          storage.Store
	Roster         *fleet.Roster
	Lanes          []LaneSpec
	Ingest         ingest.Config
	Stimulus       stimulus.Config
	Classify       classify.Config
	RateIncrement  float64
	ShutdownGrace  time.Duration
	ArtifactsDir   string
	SupportModules []SupportModule
	Logger         *log.Logger

	// Recorded in run artifacts only.
	SamplesPath string
	RosterPath  string
}

// DefaultConfig carries the engine constants; Store, Roster and Lanes are
// left for the caller. The stimulation length stays zero so Start takes it
// from the stimulus timing.
func DefaultConfig() Config {
	classifyCfg := classify.DefaultConfig()
	classifyCfg.StimulationLength = 0
	return Config{
		Ingest:        ingest.DefaultConfig(),
		Stimulus:      stimulus.DefaultConfig(),
		Classify:      classifyCfg,
		RateIncrement: rate.DefaultIncrement,
		ShutdownGrace: 2 * time.Second,
	}
}

// RunResult is what one pass over a sample source produced.
type RunResult struct {
	RunID       string
	Summary     model.RunSummary
	Conclusions []model.ConclusionRecord
	Counters    stats.Counters
	RunDir      string
}

// Runtime wires the ingestor, the tracker, the dispatcher and the engine
// around one fleet roster and owns their lifecycle.
type Runtime struct {
	cfg    Config
	logger *log.Logger

	mu             sync.RWMutex
	started        bool
	lastStopReason StopReason
	modules        []SupportModule
	tracker        *rate.Tracker
	ingestor       *ingest.Ingestor
	dispatcher     *stimulus.Dispatcher
	engine         *classify.Engine

	runMu     sync.Mutex
	recMu     sync.Mutex
	activeRun string
	records   []model.ConclusionRecord
}

func NewRuntime(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	return &Runtime{cfg: cfg, logger: logger, lastStopReason: StopReasonNormal}
}

// Start initializes the store, binds the ingest port and starts every
// support module. Any failure, a bind failure included, leaves nothing
// running and is returned before a session can start.
func (r *Runtime) Start(ctx context.Context) error {
	if r.cfg.Store == nil {
		return fmt.Errorf("store is required")
	}
	if r.cfg.Roster == nil {
		return fmt.Errorf("roster is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if err := r.cfg.Store.Init(ctx); err != nil {
		return err
	}

	tracker := rate.NewTracker(r.cfg.RateIncrement)
	for _, node := range r.cfg.Roster.Nodes() {
		if err := tracker.Register(node.ID, node.NeuronCount); err != nil {
			return err
		}
	}
	lanes, err := r.resolveLanes(r.cfg.Lanes)
	if err != nil {
		return err
	}

	ingestor := ingest.NewIngestor(r.cfg.Ingest, r.cfg.Roster, tracker, ingest.WithLogger(r.logger))
	modules := append([]SupportModule{ingestModule{ingestor}}, r.cfg.SupportModules...)
	started := make([]SupportModule, 0, len(modules))
	seen := make(map[string]struct{}, len(modules))
	for i, module := range modules {
		if module == nil {
			stopSupportModules(ctx, started)
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			stopSupportModules(ctx, started)
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if _, exists := seen[name]; exists {
			stopSupportModules(ctx, started)
			return fmt.Errorf("duplicate support module: %s", name)
		}
		if err := module.Start(ctx); err != nil {
			stopSupportModules(ctx, started)
			return fmt.Errorf("start support module %s: %w", name, err)
		}
		seen[name] = struct{}{}
		started = append(started, module)
	}

	dispatcher := stimulus.NewDispatcher(r.cfg.Stimulus, stimulus.WithLogger(r.logger))
	classifyCfg := r.cfg.Classify
	if classifyCfg.StimulationLength == 0 {
		classifyCfg.StimulationLength = dispatcher.Config().Total()
	}
	engine := classify.NewEngine(classifyCfg, dispatcher, tracker,
		classify.WithLogger(r.logger),
		classify.WithSink(runRecorder{r}),
	)
	if err := engine.SetLanes(lanes); err != nil {
		_ = dispatcher.Close(r.cfg.ShutdownGrace)
		stopSupportModules(ctx, started)
		return err
	}

	r.tracker = tracker
	r.ingestor = ingestor
	r.dispatcher = dispatcher
	r.engine = engine
	r.modules = started
	r.started = true
	r.logger.Printf("[platform] started: ingest=%s nodes=%d lanes=%d", ingestor.Addr(), len(r.cfg.Roster.Nodes()), len(lanes))
	return nil
}

func (r *Runtime) resolveLanes(specs []LaneSpec) ([]classify.Lane, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one lane is required")
	}
	lanes := make([]classify.Lane, 0, len(specs))
	for _, spec := range specs {
		input, ok := r.cfg.Roster.Node(spec.Input)
		if !ok {
			return nil, fmt.Errorf("lane %s: input %s: %w", spec.Label, spec.Input, fleet.ErrUnknownNode)
		}
		readout := spec.Readout
		if readout == 0 {
			readout = input.ID
		}
		if _, ok := r.cfg.Roster.Node(readout); !ok {
			return nil, fmt.Errorf("lane %s: readout %s: %w", spec.Label, readout, fleet.ErrUnknownNode)
		}
		lanes = append(lanes, classify.Lane{Label: spec.Label, Input: input, Readout: readout})
	}
	return lanes, nil
}

// Run classifies every sample of source as one run. The run summary and its
// conclusions are persisted even when ctx ends the run early.
func (r *Runtime) Run(ctx context.Context, source samples.Source, mode classify.Mode) (RunResult, error) {
	r.mu.RLock()
	started, engine := r.started, r.engine
	r.mu.RUnlock()
	if !started {
		return RunResult{}, ErrNotStarted
	}
	if !r.runMu.TryLock() {
		return RunResult{}, ErrRunActive
	}
	defer r.runMu.Unlock()

	runID := uuid.NewString()
	createdAt := time.Now().UTC().Format(time.RFC3339)
	r.recMu.Lock()
	r.activeRun = runID
	r.records = nil
	r.recMu.Unlock()
	before := r.Counters()

	summary, runErr := engine.Run(ctx, source, mode)

	r.recMu.Lock()
	records := r.records
	r.activeRun, r.records = "", nil
	r.recMu.Unlock()

	result := RunResult{
		RunID:       runID,
		Conclusions: records,
		Counters:    diffCounters(r.Counters(), before),
		Summary: model.RunSummary{
			VersionedRecord: storage.CurrentVersion(),
			RunID:           runID,
			Mode:            string(mode),
			Samples:         summary.Samples,
			Concluded:       summary.Concluded,
			Interrupted:     summary.Interrupted,
			Correct:         summary.Correct,
			Accuracy:        summary.Accuracy(),
			CreatedAtUTC:    createdAt,
		},
	}
	if errors.Is(runErr, classify.ErrNoLanes) && summary.Samples == 0 {
		return result, runErr
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := r.cfg.Store.SaveRunSummary(persistCtx, result.Summary); err != nil {
		return result, errors.Join(runErr, fmt.Errorf("save run summary: %w", err))
	}
	if r.cfg.ArtifactsDir != "" {
		runDir, err := r.writeArtifacts(result)
		if err != nil {
			return result, errors.Join(runErr, err)
		}
		result.RunDir = runDir
	}
	r.logger.Printf("[platform] run %s %s: samples=%d concluded=%d interrupted=%d accuracy=%.3f",
		runID, mode, summary.Samples, summary.Concluded, summary.Interrupted, result.Summary.Accuracy)
	return result, runErr
}

func (r *Runtime) writeArtifacts(result RunResult) (string, error) {
	runDir, err := stats.WriteRunArtifacts(r.cfg.ArtifactsDir, stats.RunArtifacts{
		Config:      r.runConfig(result.RunID, result.Summary.Mode),
		Conclusions: result.Conclusions,
		Summary:     result.Summary,
		Counters:    result.Counters,
	})
	if err != nil {
		return "", fmt.Errorf("write run artifacts: %w", err)
	}
	entry := stats.RunIndexEntry{
		RunID:        result.RunID,
		Mode:         result.Summary.Mode,
		Samples:      result.Summary.Samples,
		Concluded:    result.Summary.Concluded,
		Interrupted:  result.Summary.Interrupted,
		Accuracy:     result.Summary.Accuracy,
		CreatedAtUTC: result.Summary.CreatedAtUTC,
	}
	if err := stats.AppendRunIndex(r.cfg.ArtifactsDir, entry); err != nil {
		return "", fmt.Errorf("append run index: %w", err)
	}
	return runDir, nil
}

func (r *Runtime) runConfig(runID, mode string) stats.RunConfig {
	r.mu.RLock()
	engine, dispatcher := r.engine, r.dispatcher
	r.mu.RUnlock()
	stimCfg := dispatcher.Config()
	classifyCfg := engine.Config()

	cfg := stats.RunConfig{
		RunID:               runID,
		Mode:                mode,
		SamplesPath:         r.cfg.SamplesPath,
		RosterPath:          r.cfg.RosterPath,
		StepIntervalMS:      stimCfg.StepInterval.Milliseconds(),
		StimDurationMS:      stimCfg.StimDuration.Milliseconds(),
		PauseDurationMS:     stimCfg.PauseDuration.Milliseconds(),
		RateIncrement:       r.tracker.Increment(),
		MinIterations:       classifyCfg.MinIterations,
		MaxIterations:       classifyCfg.MaxIterations,
		IterationIncrement:  classifyCfg.IterationIncrement,
		ConfidenceThreshold: classifyCfg.ConfidenceThreshold,
		TrainingIterations:  classifyCfg.TrainingIterations,
		SettleMarginMS:      classifyCfg.SettleMargin.Milliseconds(),
		IngestAddr:          r.IngestAddr(),
		TrafficClass:        stimCfg.TrafficClass,
		Seed:                stimCfg.Seed,
		Nodes:               r.cfg.Roster.Nodes(),
	}
	for _, lane := range engine.Lanes() {
		cfg.Lanes = append(cfg.Lanes, stats.LaneConfig{Label: lane.Label.String(), Input: lane.Input.ID, Readout: lane.Readout})
	}
	return cfg
}

// Interrupt aborts the sample being classified; the run continues with the
// next sample.
func (r *Runtime) Interrupt() bool {
	r.mu.RLock()
	engine := r.engine
	r.mu.RUnlock()
	if engine == nil {
		return false
	}
	return engine.Interrupt()
}

// RemoveNode handles a node-loss notification: the node leaves the roster,
// its rates and cached socket are dropped, and every lane using it is
// retired. A run with no lane left fails with classify.ErrNoLanes.
func (r *Runtime) RemoveNode(id model.NodeID) error {
	if _, err := r.cfg.Roster.Remove(id); err != nil {
		return err
	}
	r.mu.RLock()
	started, tracker, dispatcher, engine := r.started, r.tracker, r.dispatcher, r.engine
	r.mu.RUnlock()
	if !started {
		return nil
	}
	tracker.Remove(id)
	dispatcher.Release(id)

	var kept []classify.Lane
	for _, lane := range engine.Lanes() {
		if lane.Input.ID == id || lane.Readout == id {
			r.logger.Printf("[WARN] [platform] lane %s retired: %s left the fleet", lane.Label, id)
			continue
		}
		kept = append(kept, lane)
	}
	return engine.SetLanes(kept)
}

// Stop interrupts the active session, stops the dispatcher and every support
// module within the shutdown grace. Grace overruns are returned as warnings;
// the runtime is stopped either way.
func (r *Runtime) Stop(reason StopReason) error {
	if reason == "" {
		reason = StopReasonNormal
	}
	if !isValidStopReason(reason) {
		return fmt.Errorf("unsupported stop reason: %s", reason)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.engine.Interrupt()

	var errs []error
	if err := r.dispatcher.Close(r.cfg.ShutdownGrace); err != nil {
		errs = append(errs, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer cancel()
	for i := len(r.modules) - 1; i >= 0; i-- {
		if err := r.modules[i].Stop(ctx); err != nil {
			r.logger.Printf("[WARN] [platform] stop %s: %v", r.modules[i].Name(), err)
			errs = append(errs, fmt.Errorf("stop %s: %w", r.modules[i].Name(), err))
		}
	}

	r.started = false
	r.lastStopReason = reason
	r.modules = nil
	return errors.Join(errs...)
}

func (r *Runtime) Started() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.started
}

func (r *Runtime) LastStopReason() StopReason {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastStopReason
}

func (r *Runtime) ActiveSupportModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for _, module := range r.modules {
		names = append(names, module.Name())
	}
	return names
}

func (r *Runtime) IngestAddr() string {
	r.mu.RLock()
	ingestor := r.ingestor
	r.mu.RUnlock()
	if ingestor == nil || ingestor.Addr() == nil {
		return ""
	}
	return ingestor.Addr().String()
}

func (r *Runtime) Lanes() []classify.Lane {
	r.mu.RLock()
	engine := r.engine
	r.mu.RUnlock()
	if engine == nil {
		return nil
	}
	return engine.Lanes()
}

func (r *Runtime) Accuracy() float64 {
	r.mu.RLock()
	engine := r.engine
	r.mu.RUnlock()
	if engine == nil {
		return 0
	}
	return engine.Accuracy()
}

// Counters reports transport statistics accumulated since Start.
func (r *Runtime) Counters() stats.Counters {
	r.mu.RLock()
	ingestor, dispatcher := r.ingestor, r.dispatcher
	r.mu.RUnlock()
	var c stats.Counters
	if ingestor != nil {
		s := ingestor.Stats()
		c.Received, c.Processed, c.Rejected, c.UnknownSender = s.Received, s.Processed, s.Rejected, s.UnknownSender
	}
	if dispatcher != nil {
		s := dispatcher.Stats()
		c.FramesSent, c.SendErrors = s.FramesSent, s.SendErrors
	}
	return c
}

func diffCounters(after, before stats.Counters) stats.Counters {
	return stats.Counters{
		Received:      after.Received - before.Received,
		Processed:     after.Processed - before.Processed,
		Rejected:      after.Rejected - before.Rejected,
		UnknownSender: after.UnknownSender - before.UnknownSender,
		FramesSent:    after.FramesSent - before.FramesSent,
		SendErrors:    after.SendErrors - before.SendErrors,
	}
}

// runRecorder turns engine conclusions into persisted records of the active
// run.
type runRecorder struct {
	r *Runtime
}

func (rr runRecorder) Record(ctx context.Context, c classify.Conclusion) error {
	rr.r.recMu.Lock()
	record := model.ConclusionRecord{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           rr.r.activeRun,
		SessionID:       c.SessionID,
		SampleID:        c.SampleID,
		Mode:            string(c.Mode),
		Label:           c.Label,
		Guess:           c.Guess,
		Confidence:      c.Confidence,
		Iterations:      c.Iterations,
		Stable:          c.Stable,
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
	}
	rr.r.records = append(rr.r.records, record)
	rr.r.recMu.Unlock()
	return rr.r.cfg.Store.SaveConclusion(context.WithoutCancel(ctx), record)
}

type ingestModule struct {
	ingestor *ingest.Ingestor
}

func (m ingestModule) Name() string { return "ingest" }

func (m ingestModule) Start(context.Context) error {
	return m.ingestor.Start()
}

func (m ingestModule) Stop(context.Context) error {
	return m.ingestor.Stop()
}

func isValidStopReason(reason StopReason) bool {
	switch reason {
	case StopReasonNormal, StopReasonShutdown:
		return true
	default:
		return false
	}
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
