package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"spikenet/internal/lifecycle"
	"spikenet/internal/model"
	"spikenet/internal/spike"
)

const (
	DefaultPort        = 4197
	DefaultQueueSize   = 1024
	DefaultMaxDatagram = 8192
)

var (
	ErrAlreadyStarted = errors.New("ingestor already started")
	ErrDrainTimeout   = errors.New("ingest drain timed out")
)

// Resolver maps a datagram's source address to the node that sent it.
type Resolver interface {
	Resolve(addr *net.UDPAddr) (model.NodeID, bool)
}

// Updater consumes decoded frames; rate.Tracker implements it.
type Updater interface {
	Update(id model.NodeID, frame spike.Frame) error
}

type Config struct {
	ListenAddr   string
	QueueSize    int
	Workers      int
	DrainTimeout time.Duration
	MaxDatagram  int
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   fmt.Sprintf(":%d", DefaultPort),
		QueueSize:    DefaultQueueSize,
		Workers:      runtime.NumCPU(),
		DrainTimeout: 2 * time.Second,
		MaxDatagram:  DefaultMaxDatagram,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = def.MaxDatagram
	}
	return cfg
}

type Stats struct {
	Received      uint64
	Processed     uint64
	Rejected      uint64
	UnknownSender uint64
}

type Option func(*Ingestor)

func WithLogger(logger *log.Logger) Option {
	return func(i *Ingestor) {
		if logger != nil {
			i.logger = logger
		}
	}
}

// task is one datagram waiting to be folded into the tracker. prev is the
// completion of the same node's previous task.
type task struct {
	node model.NodeID
	buf  *[]byte
	n    int
	prev <-chan struct{}
	done chan struct{}
}

// Ingestor reads spike datagrams from one UDP socket and feeds them to the
// Updater through a worker pool. Datagrams of one node are processed in
// arrival order and never concurrently; different nodes proceed in parallel.
type Ingestor struct {
	cfg      Config
	resolver Resolver
	updater  Updater
	logger   *log.Logger
	pool     sync.Pool

	mu       sync.Mutex
	conn     *net.UDPConn
	last     map[model.NodeID]chan struct{}
	started  bool
	stopping bool

	queue    chan *task
	recvDone chan struct{}
	workers  sync.WaitGroup
	abort    context.Context
	abortFn  context.CancelFunc

	running       atomic.Int32
	received      atomic.Uint64
	processed     atomic.Uint64
	rejected      atomic.Uint64
	unknownSender atomic.Uint64
}

func NewIngestor(cfg Config, resolver Resolver, updater Updater, opts ...Option) *Ingestor {
	cfg = normalizeConfig(cfg)
	i := &Ingestor{
		cfg:      cfg,
		resolver: resolver,
		updater:  updater,
		logger:   log.Default(),
		last:     make(map[model.NodeID]chan struct{}),
	}
	i.pool.New = func() any {
		buf := make([]byte, cfg.MaxDatagram)
		return &buf
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start binds the ingest port. A bind failure is returned to the caller and
// nothing is left running.
func (i *Ingestor) Start() error {
	if i.resolver == nil || i.updater == nil {
		return errors.New("resolver and updater are required")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started {
		return ErrAlreadyStarted
	}
	laddr, err := net.ResolveUDPAddr("udp", i.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve ingest address %q: %w", i.cfg.ListenAddr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("bind ingest port %q: %w", i.cfg.ListenAddr, err)
	}
	i.conn = conn
	i.started = true
	i.queue = make(chan *task, i.cfg.QueueSize)
	i.recvDone = make(chan struct{})
	i.abort, i.abortFn = context.WithCancel(context.Background())

	i.workers.Add(i.cfg.Workers)
	for w := 0; w < i.cfg.Workers; w++ {
		go i.work()
	}
	go i.receive()
	return nil
}

func (i *Ingestor) Addr() net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.conn == nil {
		return nil
	}
	return i.conn.LocalAddr()
}

func (i *Ingestor) Stats() Stats {
	return Stats{
		Received:      i.received.Load(),
		Processed:     i.processed.Load(),
		Rejected:      i.rejected.Load(),
		UnknownSender: i.unknownSender.Load(),
	}
}

// Running reports how many worker goroutines are alive.
func (i *Ingestor) Running() int {
	return int(i.running.Load())
}

func (i *Ingestor) receive() {
	defer close(i.recvDone)
	defer close(i.queue)

	for {
		bufp := i.pool.Get().(*[]byte)
		n, addr, err := i.conn.ReadFromUDP(*bufp)
		if err != nil {
			i.pool.Put(bufp)
			if i.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			i.logger.Printf("[WARN] [ingest] receive: %v", err)
			continue
		}
		i.received.Add(1)

		node, ok := i.resolver.Resolve(addr)
		if !ok {
			if i.unknownSender.Add(1) == 1 {
				i.logger.Printf("[WARN] [ingest] datagram from unregistered sender %s", addr)
			}
			i.pool.Put(bufp)
			continue
		}

		t := i.schedule(node, bufp, n)
		select {
		case i.queue <- t:
		case <-i.abort.Done():
			i.complete(t)
			return
		}
	}
}

func (i *Ingestor) schedule(node model.NodeID, bufp *[]byte, n int) *task {
	t := &task{node: node, buf: bufp, n: n, done: make(chan struct{})}
	i.mu.Lock()
	if prev, ok := i.last[node]; ok {
		t.prev = prev
	}
	i.last[node] = t.done
	i.mu.Unlock()
	return t
}

func (i *Ingestor) work() {
	defer i.workers.Done()
	i.running.Add(1)
	defer i.running.Add(-1)

	for t := range i.queue {
		if t.prev != nil {
			select {
			case <-t.prev:
			case <-i.abort.Done():
			}
		}
		if i.abort.Err() == nil {
			i.process(t)
		}
		i.complete(t)
	}
}

func (i *Ingestor) process(t *task) {
	frame := spike.Frame((*t.buf)[:t.n])
	if err := i.updater.Update(t.node, frame); err != nil {
		i.rejected.Add(1)
		i.logger.Printf("[WARN] [ingest] %s: %v", t.node, err)
		return
	}
	i.processed.Add(1)
}

func (i *Ingestor) complete(t *task) {
	close(t.done)
	i.mu.Lock()
	if i.last[t.node] == t.done {
		delete(i.last, t.node)
	}
	i.mu.Unlock()
	i.pool.Put(t.buf)
}

func (i *Ingestor) isStopping() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopping
}

// Stop closes the socket, lets queued datagrams drain for at most the drain
// timeout and returns. A drain that overruns abandons the remaining queue and
// returns ErrDrainTimeout; the tracker keeps whatever was applied.
func (i *Ingestor) Stop() error {
	i.mu.Lock()
	if !i.started || i.stopping {
		i.mu.Unlock()
		return nil
	}
	i.stopping = true
	conn := i.conn
	i.mu.Unlock()

	_ = conn.Close()

	drained := make(chan struct{})
	go func() {
		<-i.recvDone
		i.workers.Wait()
		close(drained)
	}()

	if err := lifecycle.WaitGrace(drained, i.cfg.DrainTimeout); err != nil {
		i.abortFn()
		i.logger.Printf("[WARN] [ingest] drain exceeded %v, abandoning queued datagrams", i.cfg.DrainTimeout)
		_ = lifecycle.WaitGrace(drained, i.cfg.DrainTimeout)
		return ErrDrainTimeout
	}
	i.abortFn()
	return nil
}
