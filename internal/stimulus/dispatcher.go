package stimulus

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"spikenet/internal/lifecycle"
	"spikenet/internal/model"
	"spikenet/internal/spike"
)

// IPTOSThroughput is the default traffic class set on outbound sockets.
const IPTOSThroughput = 0x08

var (
	ErrClosed     = errors.New("dispatcher closed")
	ErrReleased   = errors.New("node released")
	ErrFrameShape = errors.New("pattern size does not match node input")
)

type Config struct {
	StepInterval  time.Duration
	StimDuration  time.Duration
	PauseDuration time.Duration
	TrafficClass  int
	// NoisePattern is encoded during pause steps; nil sends blank frames.
	NoisePattern []float64
	// Seed fixes the encoders' random streams; 0 seeds from the clock.
	Seed int64
}

func DefaultConfig() Config {
	return Config{
		StepInterval:  10 * time.Millisecond,
		StimDuration:  2000 * time.Millisecond,
		PauseDuration: 0,
		TrafficClass:  IPTOSThroughput,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.StepInterval <= 0 {
		cfg.StepInterval = def.StepInterval
	}
	if cfg.StimDuration < 0 {
		cfg.StimDuration = 0
	}
	if cfg.PauseDuration < 0 {
		cfg.PauseDuration = 0
	}
	if cfg.TrafficClass < 0 {
		cfg.TrafficClass = 0
	}
	return cfg
}

// Steps returns how many stimulation steps and how many steps in total one
// sender emits.
func (c Config) Steps() (stim, total int) {
	if c.StepInterval <= 0 {
		return 0, 0
	}
	stim = int(c.StimDuration / c.StepInterval)
	total = int((c.StimDuration + c.PauseDuration) / c.StepInterval)
	return stim, total
}

// Total is the wall-clock length of one stimulation.
func (c Config) Total() time.Duration {
	_, total := c.Steps()
	return time.Duration(total) * c.StepInterval
}

// Target pairs a node with the luminance it receives. A nil Luminance makes
// the node a blank lane for the whole stimulation.
type Target struct {
	Node      model.TargetNode
	Luminance []float64
}

type Result struct {
	Node       model.NodeID
	FramesSent int
	Err        error
}

// Completion signals the end of one target's sender.
type Completion struct {
	node   model.NodeID
	done   chan struct{}
	result Result
}

func newCompletion(node model.NodeID) *Completion {
	return &Completion{node: node, done: make(chan struct{}), result: Result{Node: node}}
}

func (c *Completion) Node() model.NodeID {
	return c.node
}

func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Result is valid once Done is closed.
func (c *Completion) Result() Result {
	<-c.done
	return c.result
}

func (c *Completion) Wait(ctx context.Context) (Result, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return Result{Node: c.node}, ctx.Err()
	}
}

// Completed returns a completion that is already done with res.
func Completed(res Result) *Completion {
	c := newCompletion(res.Node)
	c.result = res
	close(c.done)
	return c
}

func (c *Completion) finish(err error) {
	c.result.Err = err
	close(c.done)
}

// WaitAll waits for every completion or for ctx.
func WaitAll(ctx context.Context, completions []*Completion) ([]Result, error) {
	results := make([]Result, 0, len(completions))
	for _, c := range completions {
		res, err := c.Wait(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

type Stats struct {
	FramesSent uint64
	SendErrors uint64
}

type Option func(*Dispatcher)

func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// Dispatcher fans a sample out to its targets, one sender goroutine per
// target, each holding its own step cadence. Sockets are cached per node and
// live until Release or Close; a released node is never dialled again.
type Dispatcher struct {
	cfg    Config
	logger *log.Logger

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
	seq      atomic.Int64

	mu       sync.Mutex
	conns    map[model.NodeID]*net.UDPConn
	released map[model.NodeID]struct{}
	closed   bool

	framesSent atomic.Uint64
	sendErrors atomic.Uint64
}

func NewDispatcher(cfg Config, opts ...Option) *Dispatcher {
	base, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		cfg:      normalizeConfig(cfg),
		logger:   log.Default(),
		base:     base,
		shutdown: cancel,
		conns:    make(map[model.NodeID]*net.UDPConn),
		released: make(map[model.NodeID]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Config() Config {
	return d.cfg
}

func (d *Dispatcher) Stats() Stats {
	return Stats{FramesSent: d.framesSent.Load(), SendErrors: d.sendErrors.Load()}
}

// Stimulate starts one sender per target and returns immediately with a
// completion per target, in target order. A target whose socket cannot be
// opened, whose node was released or whose patterns do not fit the node's
// input completes at once with the error; its siblings are unaffected.
func (d *Dispatcher) Stimulate(ctx context.Context, targets []Target) ([]*Completion, error) {
	if len(targets) == 0 {
		return nil, errors.New("at least one target is required")
	}
	seen := make(map[model.NodeID]struct{}, len(targets))
	for _, target := range targets {
		if _, dup := seen[target.Node.ID]; dup {
			return nil, fmt.Errorf("duplicate target %s", target.Node.ID)
		}
		seen[target.Node.ID] = struct{}{}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.wg.Add(len(targets))
	d.mu.Unlock()

	start := time.Now()
	completions := make([]*Completion, 0, len(targets))
	for _, target := range targets {
		completion := newCompletion(target.Node.ID)
		completions = append(completions, completion)

		if err := d.checkShape(target); err != nil {
			d.sendErrors.Add(1)
			d.logger.Printf("[WARN] [stimulus] %s: %v", target.Node.ID, err)
			completion.finish(err)
			d.wg.Done()
			continue
		}
		conn, err := d.conn(target.Node)
		if err != nil {
			d.sendErrors.Add(1)
			d.logger.Printf("[WARN] [stimulus] %s: open socket %q: %v", target.Node.ID, target.Node.Address, err)
			completion.finish(err)
			d.wg.Done()
			continue
		}
		encoder := spike.NewEncoder(d.nextSeed())
		go d.send(ctx, conn, target, encoder, start, completion)
	}
	return completions, nil
}

// checkShape rejects patterns that would produce frames of another size than
// the blank frames the node gets between them.
func (d *Dispatcher) checkShape(target Target) error {
	bits := target.Node.InputBits()
	if target.Luminance != nil && len(target.Luminance) != bits {
		return fmt.Errorf("%w: luminance has %d pixels, node takes %d", ErrFrameShape, len(target.Luminance), bits)
	}
	if d.cfg.NoisePattern != nil && len(d.cfg.NoisePattern) != bits {
		return fmt.Errorf("%w: noise pattern has %d pixels, node takes %d", ErrFrameShape, len(d.cfg.NoisePattern), bits)
	}
	return nil
}

func (d *Dispatcher) nextSeed() int64 {
	n := d.seq.Add(1)
	if d.cfg.Seed != 0 {
		return d.cfg.Seed + n
	}
	return time.Now().UnixNano() + n
}

func (d *Dispatcher) send(ctx context.Context, conn *net.UDPConn, target Target, encoder *spike.Encoder, start time.Time, completion *Completion) {
	defer d.wg.Done()

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(d.base, cancel)
	defer stop()

	stimSteps, totalSteps := d.cfg.Steps()
	blank := spike.Blank(target.Node.InputBits())
	var err error
	for step := 0; step < totalSteps; step++ {
		if sendCtx.Err() != nil {
			break
		}
		frame := d.frameFor(step, stimSteps, target, encoder, blank)
		if _, werr := conn.Write(frame); werr != nil {
			d.sendErrors.Add(1)
			d.logger.Printf("[WARN] [stimulus] %s: send step %d: %v", target.Node.ID, step, werr)
			err = fmt.Errorf("send to %s: %w", target.Node.ID, werr)
			break
		}
		completion.result.FramesSent++
		d.framesSent.Add(1)
		if lifecycle.SleepUntil(sendCtx, start.Add(time.Duration(step+1)*d.cfg.StepInterval)) != nil {
			break
		}
	}
	completion.finish(err)
}

func (d *Dispatcher) frameFor(step, stimSteps int, target Target, encoder *spike.Encoder, blank spike.Frame) spike.Frame {
	if step < stimSteps {
		if target.Luminance == nil {
			return blank
		}
		return encoder.Encode(target.Luminance)
	}
	if d.cfg.NoisePattern != nil {
		return encoder.Encode(d.cfg.NoisePattern)
	}
	return blank
}

func (d *Dispatcher) conn(node model.TargetNode) (*net.UDPConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, gone := d.released[node.ID]; gone {
		return nil, ErrReleased
	}
	if conn, ok := d.conns[node.ID]; ok {
		return conn, nil
	}
	raddr, err := net.ResolveUDPAddr("udp", node.Address)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	if err := setTrafficClass(conn, d.cfg.TrafficClass); err != nil {
		d.logger.Printf("[WARN] [stimulus] %s: traffic class %#x not applied: %v", node.ID, d.cfg.TrafficClass, err)
	}
	d.conns[node.ID] = conn
	return conn, nil
}

// Release closes the cached socket of a node that left the fleet. A sender
// still writing to it fails on its next step, and later stimulations of the
// node complete with ErrReleased.
func (d *Dispatcher) Release(id model.NodeID) {
	d.mu.Lock()
	conn, ok := d.conns[id]
	delete(d.conns, id)
	d.released[id] = struct{}{}
	d.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Close cancels running senders, waits for them for at most grace and closes
// every cached socket. A sender still running after grace is reported with
// lifecycle.ErrGraceExpired.
func (d *Dispatcher) Close(grace time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.shutdown()
	waitErr := lifecycle.WaitGrace(lifecycle.WaitGroupDone(&d.wg), grace)

	d.mu.Lock()
	conns := d.conns
	d.conns = make(map[model.NodeID]*net.UDPConn)
	d.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	if waitErr != nil {
		d.logger.Printf("[WARN] [stimulus] senders still running after %v", grace)
		return fmt.Errorf("close dispatcher: %w", waitErr)
	}
	return nil
}
