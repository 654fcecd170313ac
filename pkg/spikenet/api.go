package spikenet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"spikenet/internal/classify"
	"spikenet/internal/fleet"
	"spikenet/internal/ingest"
	"spikenet/internal/model"
	"spikenet/internal/platform"
	"spikenet/internal/samples"
	"spikenet/internal/stats"
	"spikenet/internal/stimulus"
	"spikenet/internal/storage"
)

const (
	defaultArtifactsDir = "runs"
	defaultExportsDir   = "exports"
	defaultDBPath       = "spikenet.db"
)

type Options struct {
	StoreKind    string
	DBPath       string
	ArtifactsDir string
	ExportsDir   string
	Logger       *log.Logger
}

// Config holds the engine constants of one run.
type Config struct {
	IngestAddr    string
	IngestWorkers int
	IngestQueue   int
	DrainTimeout  time.Duration

	StepInterval  time.Duration
	StimDuration  time.Duration
	PauseDuration time.Duration
	TrafficClass  int
	NoisePattern  []float64
	Seed          int64

	RateIncrement float64

	MinIterations       int
	MaxIterations       int
	IterationIncrement  int
	ConfidenceThreshold float64
	TrainingIterations  int
	SettleMargin        time.Duration

	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	def := platform.DefaultConfig()
	return Config{
		IngestAddr:          def.Ingest.ListenAddr,
		IngestWorkers:       def.Ingest.Workers,
		IngestQueue:         def.Ingest.QueueSize,
		DrainTimeout:        def.Ingest.DrainTimeout,
		StepInterval:        def.Stimulus.StepInterval,
		StimDuration:        def.Stimulus.StimDuration,
		PauseDuration:       def.Stimulus.PauseDuration,
		TrafficClass:        def.Stimulus.TrafficClass,
		RateIncrement:       def.RateIncrement,
		MinIterations:       def.Classify.MinIterations,
		MaxIterations:       def.Classify.MaxIterations,
		IterationIncrement:  def.Classify.IterationIncrement,
		ConfidenceThreshold: def.Classify.ConfidenceThreshold,
		TrainingIterations:  def.Classify.TrainingIterations,
		SettleMargin:        def.Classify.SettleMargin,
		ShutdownGrace:       def.ShutdownGrace,
	}
}

type LaneSpec struct {
	Label   model.Label
	Input   model.NodeID
	Readout model.NodeID
}

// RunRequest describes one pass over a sample set. Nodes and samples come
// either from files or inline.
type RunRequest struct {
	Config      Config
	RosterPath  string
	Nodes       []model.TargetNode
	SamplesPath string
	Samples     []model.Sample
	// Lanes default to Track, Spot and Noise on the roster's nodes in id
	// order.
	Lanes []LaneSpec
}

type RunSummary struct {
	RunID        string
	ArtifactsDir string
	Summary      model.RunSummary
	Counters     stats.Counters
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID        string
	CreatedAtUTC string
	Mode         string
	Samples      int
	Concluded    int
	Interrupted  int
	Accuracy     float64
}

type RecordsRequest struct {
	RunID  string
	Latest bool
	Limit  int
}

// Report is a run's confusion table together with the configuration the run
// recorded. Config is nil when the run left no artifacts.
type Report struct {
	RunID     string
	Config    *stats.RunConfig
	Confusion stats.Confusion
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type Client struct {
	store        storage.Store
	artifactsDir string
	exportsDir   string
	logger       *log.Logger

	initOnce sync.Once
	initErr  error

	mu      sync.Mutex
	runtime *platform.Runtime
}

func NewClient(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	artifactsDir := opts.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:        store,
		artifactsDir: artifactsDir,
		exportsDir:   exportsDir,
		logger:       logger,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	c.initOnce.Do(func() {
		c.initErr = c.store.Init(ctx)
	})
	return c.initErr
}

func (c *Client) Classify(ctx context.Context, req RunRequest) (RunSummary, error) {
	return c.run(ctx, req, classify.ModeInference)
}

func (c *Client) Train(ctx context.Context, req RunRequest) (RunSummary, error) {
	return c.run(ctx, req, classify.ModeTraining)
}

// Interrupt aborts the sample currently being classified by a running
// Classify or Train call.
func (c *Client) Interrupt() bool {
	c.mu.Lock()
	rt := c.runtime
	c.mu.Unlock()
	if rt == nil {
		return false
	}
	return rt.Interrupt()
}

func (c *Client) run(ctx context.Context, req RunRequest, mode classify.Mode) (RunSummary, error) {
	if err := c.Init(ctx); err != nil {
		return RunSummary{}, err
	}
	roster, err := loadRoster(req)
	if err != nil {
		return RunSummary{}, err
	}
	source, err := loadSamples(req)
	if err != nil {
		return RunSummary{}, err
	}
	lanes := req.Lanes
	if len(lanes) == 0 {
		lanes = defaultLanes(roster.Nodes())
	}
	c.logger.Printf("[spikenet] %s run: %d samples, %d nodes, %d lanes", mode, source.Len(), len(roster.Nodes()), len(lanes))

	cfg := req.Config.platformConfig()
	cfg.Store = c.store
	cfg.Roster = roster
	cfg.ArtifactsDir = c.artifactsDir
	cfg.Logger = c.logger
	cfg.RosterPath = req.RosterPath
	cfg.SamplesPath = req.SamplesPath
	for _, lane := range lanes {
		cfg.Lanes = append(cfg.Lanes, platform.LaneSpec{Label: lane.Label, Input: lane.Input, Readout: lane.Readout})
	}

	rt := platform.NewRuntime(cfg)
	if err := rt.Start(ctx); err != nil {
		return RunSummary{}, err
	}
	c.mu.Lock()
	c.runtime = rt
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.runtime = nil
		c.mu.Unlock()
		if err := rt.Stop(platform.StopReasonNormal); err != nil {
			c.logger.Printf("[WARN] [spikenet] shutdown: %v", err)
		}
	}()

	result, err := rt.Run(ctx, source, mode)
	summary := RunSummary{
		RunID:        result.RunID,
		ArtifactsDir: result.RunDir,
		Summary:      result.Summary,
		Counters:     result.Counters,
	}
	return summary, err
}

func (c Config) platformConfig() platform.Config {
	return platform.Config{
		Ingest: ingest.Config{
			ListenAddr:   c.IngestAddr,
			QueueSize:    c.IngestQueue,
			Workers:      c.IngestWorkers,
			DrainTimeout: c.DrainTimeout,
		},
		Stimulus: stimulus.Config{
			StepInterval:  c.StepInterval,
			StimDuration:  c.StimDuration,
			PauseDuration: c.PauseDuration,
			TrafficClass:  c.TrafficClass,
			NoisePattern:  c.NoisePattern,
			Seed:          c.Seed,
		},
		Classify: classify.Config{
			MinIterations:       c.MinIterations,
			MaxIterations:       c.MaxIterations,
			IterationIncrement:  c.IterationIncrement,
			ConfidenceThreshold: c.ConfidenceThreshold,
			TrainingIterations:  c.TrainingIterations,
			SettleMargin:        c.SettleMargin,
		},
		RateIncrement: c.RateIncrement,
		ShutdownGrace: c.ShutdownGrace,
	}
}

func loadRoster(req RunRequest) (*fleet.Roster, error) {
	if req.RosterPath != "" && len(req.Nodes) > 0 {
		return nil, errors.New("use either roster path or inline nodes")
	}
	if req.RosterPath != "" {
		return fleet.LoadRoster(req.RosterPath)
	}
	if len(req.Nodes) == 0 {
		return nil, errors.New("run requires a roster")
	}
	roster := fleet.NewRoster()
	for _, node := range req.Nodes {
		if err := roster.Add(node); err != nil {
			return nil, err
		}
	}
	return roster, nil
}

func loadSamples(req RunRequest) (*samples.SliceSource, error) {
	if req.SamplesPath != "" && len(req.Samples) > 0 {
		return nil, errors.New("use either samples path or inline samples")
	}
	if req.SamplesPath != "" {
		source, err := samples.LoadFile(req.SamplesPath)
		if err != nil {
			return nil, err
		}
		if source.Len() == 0 {
			return nil, fmt.Errorf("samples file %s holds no samples", req.SamplesPath)
		}
		return source, nil
	}
	if len(req.Samples) == 0 {
		return nil, errors.New("run requires samples")
	}
	return samples.NewSliceSource(req.Samples), nil
}

func defaultLanes(nodes []model.TargetNode) []LaneSpec {
	labels := []model.Label{model.LabelTrack, model.LabelSpot, model.LabelNoise}
	lanes := make([]LaneSpec, 0, len(labels))
	for i, node := range nodes {
		if i >= len(labels) {
			break
		}
		lanes = append(lanes, LaneSpec{Label: labels[i], Input: node.ID})
	}
	return lanes
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}

	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:        e.RunID,
			CreatedAtUTC: e.CreatedAtUTC,
			Mode:         e.Mode,
			Samples:      e.Samples,
			Concluded:    e.Concluded,
			Interrupted:  e.Interrupted,
			Accuracy:     e.Accuracy,
		})
	}
	return out, nil
}

// Records returns a run's conclusions from the store, falling back to the
// run's artifacts when the store does not hold them.
func (c *Client) Records(ctx context.Context, req RecordsRequest) ([]model.ConclusionRecord, error) {
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		return nil, err
	}

	records, err := c.store.ListConclusions(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		fromFile, ok, err := stats.ReadConclusions(c.artifactsDir, runID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("conclusions not found for run id: %s", runID)
		}
		records = fromFile
	}
	if req.Limit > 0 && len(records) > req.Limit {
		records = records[:req.Limit]
	}
	return records, nil
}

func (c *Client) Report(ctx context.Context, req RecordsRequest) (Report, error) {
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return Report{}, err
	}
	records, err := c.Records(ctx, RecordsRequest{RunID: runID})
	if err != nil {
		return Report{}, err
	}
	report := Report{RunID: runID, Confusion: stats.BuildConfusion(records)}
	cfg, ok, err := stats.ReadRunConfig(c.artifactsDir, runID)
	if err != nil {
		return Report{}, fmt.Errorf("read run config: %w", err)
	}
	if ok {
		report.Config = &cfg
	}
	return report, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	runID, err := c.resolveRunID(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	exportedDir, err := stats.ExportRunArtifacts(c.artifactsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) resolveRunID(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if !latest {
		if runID == "" {
			return "", errors.New("run id or latest is required")
		}
		return runID, nil
	}
	entries, err := stats.ListRunIndex(c.artifactsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}
