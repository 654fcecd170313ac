package classify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"spikenet/internal/lifecycle"
	"spikenet/internal/model"
	"spikenet/internal/samples"
	"spikenet/internal/stimulus"
)

var (
	ErrInterrupted = lifecycle.ErrInterrupted
	ErrNoLanes     = errors.New("no classification lanes")
	ErrNoLane      = errors.New("no lane for label")
	ErrSampleShape = errors.New("sample size does not match lane input")
)

type Mode string

const (
	ModeInference Mode = "inference"
	ModeTraining  Mode = "training"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeInference, ModeTraining:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode: %s", s)
	}
}

type State int

const (
	StateIdle State = iota
	StateStimulating
	StateSettling
	StateScoring
	StateConcluded
	StateInterrupted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStimulating:
		return "stimulating"
	case StateSettling:
		return "settling"
	case StateScoring:
		return "scoring"
	case StateConcluded:
		return "concluded"
	case StateInterrupted:
		return "interrupted"
	default:
		return fmt.Sprintf("state-%d", int(s))
	}
}

// Stimulator is the dispatch side of a session; stimulus.Dispatcher
// implements it.
type Stimulator interface {
	Stimulate(ctx context.Context, targets []stimulus.Target) ([]*stimulus.Completion, error)
}

// RateReader is the read side of the firing-rate tracker.
type RateReader interface {
	Reset(id model.NodeID)
	Snapshot(id model.NodeID) []float64
}

// RecordSink receives one conclusion per concluded sample.
type RecordSink interface {
	Record(ctx context.Context, c Conclusion) error
}

// Lane binds a candidate class to the node that is stimulated for it and the
// node whose firing rates are scored for it.
type Lane struct {
	Label   model.Label
	Input   model.TargetNode
	Readout model.NodeID
}

type Config struct {
	MinIterations       int
	MaxIterations       int
	IterationIncrement  int
	ConfidenceThreshold float64
	TrainingIterations  int
	// StimulationLength is how long one dispatch runs; zero scores as soon
	// as the dispatch is issued.
	StimulationLength time.Duration
	// SettleMargin is left between the settle wake-up and the expected end
	// of stimulation.
	SettleMargin time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinIterations:       4,
		MaxIterations:       8,
		IterationIncrement:  2,
		ConfidenceThreshold: 0.6,
		TrainingIterations:  4,
		StimulationLength:   2000 * time.Millisecond,
		SettleMargin:        100 * time.Millisecond,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.MinIterations <= 0 {
		cfg.MinIterations = def.MinIterations
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxIterations < cfg.MinIterations {
		cfg.MaxIterations = cfg.MinIterations
	}
	if cfg.IterationIncrement <= 0 {
		cfg.IterationIncrement = def.IterationIncrement
	}
	if cfg.ConfidenceThreshold <= 0 || cfg.ConfidenceThreshold >= 1 {
		cfg.ConfidenceThreshold = def.ConfidenceThreshold
	}
	if cfg.TrainingIterations <= 0 {
		cfg.TrainingIterations = def.TrainingIterations
	}
	if cfg.StimulationLength < 0 {
		cfg.StimulationLength = 0
	}
	if cfg.SettleMargin < 0 {
		cfg.SettleMargin = 0
	}
	return cfg
}

type Conclusion struct {
	SessionID  string
	SampleID   string
	Mode       Mode
	Label      model.Label
	Guess      model.Label
	Confidence float64
	Iterations int
	// Stable is set in training when the labelled lane was the most active
	// one at the last iteration.
	Stable bool
}

func (c Conclusion) Correct() bool {
	return c.Guess == c.Label
}

type Summary struct {
	Mode        Mode
	Samples     int
	Concluded   int
	Interrupted int
	Skipped     int
	Correct     int
}

func (s Summary) Accuracy() float64 {
	if s.Concluded == 0 {
		return 0
	}
	return float64(s.Correct) / float64(s.Concluded)
}

type Option func(*Engine)

func WithLogger(logger *log.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithSink(sink RecordSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithStateHook observes state transitions; it runs on the session
// goroutine and must not block.
func WithStateHook(hook func(state State, iteration int)) Option {
	return func(e *Engine) {
		e.hook = hook
	}
}

// Engine runs one classification session at a time.
type Engine struct {
	cfg        Config
	stimulator Stimulator
	rates      RateReader
	logger     *log.Logger
	sink       RecordSink
	hook       func(State, int)

	session     sync.Mutex
	interrupter lifecycle.Interrupter

	mu    sync.RWMutex
	lanes []Lane

	right atomic.Uint64
	total atomic.Uint64
}

func NewEngine(cfg Config, stimulator Stimulator, rates RateReader, opts ...Option) *Engine {
	e := &Engine{
		cfg:        normalizeConfig(cfg),
		stimulator: stimulator,
		rates:      rates,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Config() Config {
	return e.cfg
}

// SetLanes replaces the candidate classes. A zero Readout reads the input
// node itself.
func (e *Engine) SetLanes(lanes []Lane) error {
	labels := make(map[model.Label]struct{}, len(lanes))
	inputs := make(map[model.NodeID]struct{}, len(lanes))
	out := make([]Lane, 0, len(lanes))
	for _, lane := range lanes {
		if _, dup := labels[lane.Label]; dup {
			return fmt.Errorf("duplicate lane for label %s", lane.Label)
		}
		if _, dup := inputs[lane.Input.ID]; dup {
			return fmt.Errorf("%s feeds more than one lane", lane.Input.ID)
		}
		labels[lane.Label] = struct{}{}
		inputs[lane.Input.ID] = struct{}{}
		if lane.Readout == 0 {
			lane.Readout = lane.Input.ID
		}
		out = append(out, lane)
	}
	e.mu.Lock()
	e.lanes = out
	e.mu.Unlock()
	return nil
}

func (e *Engine) Lanes() []Lane {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Lane(nil), e.lanes...)
}

// Interrupt aborts the session in progress, if any.
func (e *Engine) Interrupt() bool {
	return e.interrupter.Interrupt()
}

// Accuracy is right guesses over total guesses across inference sessions.
func (e *Engine) Accuracy() float64 {
	total := e.total.Load()
	if total == 0 {
		return 0
	}
	return float64(e.right.Load()) / float64(total)
}

func (e *Engine) Guesses() (right, total uint64) {
	return e.right.Load(), e.total.Load()
}

// Classify runs one session for sample. An interrupted session returns
// ErrInterrupted and produces no conclusion; a cancelled ctx returns its
// error.
func (e *Engine) Classify(ctx context.Context, sample model.Sample, mode Mode) (Conclusion, error) {
	lanes := e.Lanes()
	if len(lanes) == 0 {
		return Conclusion{}, ErrNoLanes
	}
	if mode == ModeTraining && laneIndex(lanes, sample.Label) < 0 {
		return Conclusion{}, fmt.Errorf("sample %s: %w %s", sample.ID, ErrNoLane, sample.Label)
	}
	if err := checkShape(lanes, sample, mode); err != nil {
		return Conclusion{}, err
	}

	e.session.Lock()
	defer e.session.Unlock()
	sessCtx, end := e.interrupter.Begin(ctx)
	defer end()

	s := &session{
		engine:  e,
		lanes:   lanes,
		sample:  sample,
		mode:    mode,
		allowed: e.cfg.MinIterations,
		mass:    make(map[model.Label]float64, len(lanes)),
		count:   make(map[model.Label]int, len(lanes)),
	}
	s.transition(StateIdle)
	for _, lane := range lanes {
		e.rates.Reset(lane.Readout)
	}

	c, err := s.run(sessCtx)
	if err != nil {
		if cause := lifecycle.Cause(sessCtx); cause != nil {
			s.transition(StateInterrupted)
			if errors.Is(cause, ErrInterrupted) {
				e.logger.Printf("[classify] sample %s interrupted at iteration %d", sample.ID, s.iteration)
			}
			return Conclusion{}, cause
		}
		return Conclusion{}, err
	}
	c.SessionID = uuid.NewString()
	s.transition(StateConcluded)

	if mode == ModeInference {
		e.total.Add(1)
		if c.Correct() {
			e.right.Add(1)
		}
	}
	e.logger.Printf("[classify] sample %s %s: label=%s guess=%s confidence=%.3f iterations=%d",
		sample.ID, mode, c.Label, c.Guess, c.Confidence, c.Iterations)
	if e.sink != nil {
		if err := e.sink.Record(ctx, c); err != nil {
			e.logger.Printf("[WARN] [classify] record conclusion for %s: %v", sample.ID, err)
		}
	}
	return c, nil
}

// Run classifies every sample of source in order. An interrupted sample is
// counted and the run moves on; a cancelled ctx or a closed dispatcher ends
// the run.
func (e *Engine) Run(ctx context.Context, source samples.Source, mode Mode) (Summary, error) {
	summary := Summary{Mode: mode}
	if len(e.Lanes()) == 0 {
		return summary, ErrNoLanes
	}
	for {
		sample, err := source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		if err != nil {
			return summary, err
		}
		summary.Samples++

		c, err := e.Classify(ctx, sample, mode)
		switch {
		case err == nil:
			summary.Concluded++
			if c.Correct() {
				summary.Correct++
			}
		case errors.Is(err, ErrInterrupted):
			summary.Interrupted++
		case errors.Is(err, stimulus.ErrClosed), errors.Is(err, ErrNoLanes):
			return summary, err
		case ctx.Err() != nil:
			summary.Interrupted++
			return summary, ctx.Err()
		default:
			summary.Skipped++
			e.logger.Printf("[WARN] [classify] sample %s skipped: %v", sample.ID, err)
		}
	}
}

// checkShape requires every lane fed with the sample to take exactly one
// input bit per pixel.
func checkShape(lanes []Lane, sample model.Sample, mode Mode) error {
	for _, lane := range lanes {
		if mode == ModeTraining && lane.Label != sample.Label {
			continue
		}
		if bits := lane.Input.InputBits(); len(sample.Luminance) != bits {
			return fmt.Errorf("sample %s: %w: %d pixels, %s lane input %s takes %d",
				sample.ID, ErrSampleShape, len(sample.Luminance), lane.Label, lane.Input.ID, bits)
		}
	}
	return nil
}

func laneIndex(lanes []Lane, label model.Label) int {
	for i, lane := range lanes {
		if lane.Label == label {
			return i
		}
	}
	return -1
}

type session struct {
	engine    *Engine
	lanes     []Lane
	sample    model.Sample
	mode      Mode
	iteration int
	allowed   int
	mass      map[model.Label]float64
	count     map[model.Label]int
}

func (s *session) transition(state State) {
	if s.engine.hook != nil {
		s.engine.hook(state, s.iteration)
	}
}

func (s *session) run(ctx context.Context) (Conclusion, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Conclusion{}, err
		}
		if err := s.retainLanes(); err != nil {
			return Conclusion{}, err
		}
		s.iteration++
		norms, err := s.iterate(ctx)
		if err != nil {
			return Conclusion{}, err
		}
		if s.mode == ModeTraining {
			if s.iteration >= s.engine.cfg.TrainingIterations {
				return s.concludeTraining(norms), nil
			}
			continue
		}
		s.score(norms)
		if c, done := s.decide(); done {
			return c, nil
		}
	}
}

// retainLanes drops the session lanes that SetLanes retired since the
// session began, so a removed node is not stimulated again.
func (s *session) retainLanes() error {
	current := make(map[model.NodeID]struct{}, len(s.lanes))
	for _, lane := range s.engine.Lanes() {
		current[lane.Input.ID] = struct{}{}
	}
	kept := s.lanes[:0:0]
	for _, lane := range s.lanes {
		if _, ok := current[lane.Input.ID]; ok {
			kept = append(kept, lane)
		}
	}
	if len(kept) == len(s.lanes) {
		return nil
	}
	s.engine.logger.Printf("[WARN] [classify] sample %s: %d of %d lanes retired at iteration %d",
		s.sample.ID, len(s.lanes)-len(kept), len(s.lanes), s.iteration)
	s.lanes = kept
	if len(kept) == 0 {
		return ErrNoLanes
	}
	if s.mode == ModeTraining && laneIndex(kept, s.sample.Label) < 0 {
		return fmt.Errorf("sample %s: %w %s", s.sample.ID, ErrNoLane, s.sample.Label)
	}
	return nil
}

// iterate stimulates once, wakes up shortly before the stimulation ends,
// snapshots every lane and then waits out the dispatcher's tail.
func (s *session) iterate(ctx context.Context) ([]float64, error) {
	cfg := s.engine.cfg
	s.transition(StateStimulating)
	start := time.Now()
	completions, err := s.engine.stimulator.Stimulate(ctx, s.targets())
	if err != nil {
		return nil, fmt.Errorf("stimulate: %w", err)
	}

	s.transition(StateSettling)
	wake := start.Add(cfg.StimulationLength - cfg.SettleMargin)
	if err := lifecycle.SleepUntil(ctx, wake); err != nil {
		return nil, err
	}

	s.transition(StateScoring)
	norms := make([]float64, len(s.lanes))
	for i, lane := range s.lanes {
		norms[i] = norm(s.engine.rates.Snapshot(lane.Readout))
	}

	results, err := stimulus.WaitAll(ctx, completions)
	if err != nil {
		return nil, err
	}
	for _, res := range results {
		if res.Err != nil {
			s.engine.logger.Printf("[WARN] [classify] sample %s iteration %d: %s: %v", s.sample.ID, s.iteration, res.Node, res.Err)
		}
	}
	return norms, nil
}

func (s *session) targets() []stimulus.Target {
	targets := make([]stimulus.Target, 0, len(s.lanes))
	for _, lane := range s.lanes {
		target := stimulus.Target{Node: lane.Input}
		if s.mode == ModeInference || lane.Label == s.sample.Label {
			target.Luminance = s.sample.Luminance
		}
		targets = append(targets, target)
	}
	return targets
}

// score credits the iteration's most active lane with its share of the total
// activity. An iteration with no activity at all credits nobody.
func (s *session) score(norms []float64) {
	winner, sum := -1, 0.0
	for i, n := range norms {
		sum += n
		if winner < 0 || n > norms[winner] {
			winner = i
		}
	}
	if sum <= 0 {
		return
	}
	label := s.lanes[winner].Label
	s.mass[label] += norms[winner] / sum
	s.count[label]++
}

func (s *session) decide() (Conclusion, bool) {
	cfg := s.engine.cfg
	if s.iteration < s.allowed {
		return Conclusion{}, false
	}
	best, found := model.LabelUndetermined, false
	for _, lane := range s.lanes {
		if s.count[lane.Label] == 0 {
			continue
		}
		if !found || s.mass[lane.Label] > s.mass[best] {
			best, found = lane.Label, true
		}
	}
	confidence := 0.0
	if found {
		confidence = s.mass[best] / float64(s.count[best])
	}
	if confidence > cfg.ConfidenceThreshold || s.allowed >= cfg.MaxIterations {
		return s.conclusion(best, confidence), true
	}
	s.allowed = min(s.allowed+cfg.IterationIncrement, cfg.MaxIterations)
	return Conclusion{}, false
}

func (s *session) concludeTraining(norms []float64) Conclusion {
	labelled := laneIndex(s.lanes, s.sample.Label)
	winner, sum := labelled, 0.0
	for i, n := range norms {
		sum += n
		if n > norms[winner] {
			winner = i
		}
	}
	if sum <= 0 {
		return s.conclusion(model.LabelUndetermined, 0)
	}
	c := s.conclusion(s.lanes[winner].Label, norms[labelled]/sum)
	c.Stable = winner == labelled
	return c
}

func (s *session) conclusion(guess model.Label, confidence float64) Conclusion {
	return Conclusion{
		SampleID:   s.sample.ID,
		Mode:       s.mode,
		Label:      s.sample.Label,
		Guess:      guess,
		Confidence: confidence,
		Iterations: s.iteration,
	}
}

func norm(v []float64) float64 {
	sum := 0.0
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}
