package repository

import (
	"context"
	"sync"
	"time"

	"github.com/marmos91/auvault/internal/logger"
	"github.com/marmos91/auvault/pkg/store/metadata"
)

const (
	// DefaultMaxLoad is the share of wall-clock time the size worker may
	// spend computing.
	DefaultMaxLoad = 0.5

	// DefaultPollInterval re-arms the worker's wait for new work.
	DefaultPollInterval = time.Minute
)

// SizeCalcConfig configures a SizeCalcWorker.
type SizeCalcConfig struct {
	// MaxLoad bounds the fraction of time spent computing, in (0, 1]
	MaxLoad float64

	// PollInterval is the longest single wait for queued work
	PollInterval time.Duration
}

func (c SizeCalcConfig) withDefaults() SizeCalcConfig {
	if c.MaxLoad <= 0 || c.MaxLoad > 1 {
		c.MaxLoad = DefaultMaxLoad
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// SizeCalcWorker recomputes tree sizes in the background, one node at a
// time.
//
// Queued nodes form a set: queuing a node that is already waiting is a
// no-op. After each computation taking d the worker sleeps
// d*(1/MaxLoad - 1), so it never uses more than MaxLoad of the wall clock.
// The goroutine starts with the first Queue and runs until Stop.
type SizeCalcWorker struct {
	name    string
	cfg     SizeCalcConfig
	metrics Metrics

	mu      sync.Mutex
	pending map[metadata.NodeID]*Node
	order   []metadata.NodeID
	started bool
	stopped bool

	signal chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// now and sleep are swapped out by tests. sleep returns false when the
	// worker was stopped during the pause.
	now   func() time.Time
	sleep func(d time.Duration) bool
}

// NewSizeCalcWorker creates an idle worker.
func NewSizeCalcWorker(name string, cfg SizeCalcConfig, metrics Metrics) *SizeCalcWorker {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &SizeCalcWorker{
		name:    name,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		pending: make(map[metadata.NodeID]*Node),
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		now:     time.Now,
	}
	w.sleep = w.pause
	return w
}

// Queue schedules a recomputation of node's tree size. It never blocks and
// is ignored after Stop.
func (w *SizeCalcWorker) Queue(node *Node) {
	if node == nil {
		return
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if _, ok := w.pending[node.id]; !ok {
		w.pending[node.id] = node
		w.order = append(w.order, node.id)
	}
	depth := len(w.pending)
	if !w.started {
		w.started = true
		go w.run()
	}
	w.mu.Unlock()

	w.metrics.SetSizeCalcQueueDepth(w.name, depth)

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Pending returns the number of nodes waiting for computation.
func (w *SizeCalcWorker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Stop interrupts the running computation and waits for the worker to
// exit. Queued nodes are dropped. Safe to call more than once.
func (w *SizeCalcWorker) Stop() {
	w.once.Do(func() {
		w.mu.Lock()
		w.stopped = true
		started := w.started
		w.mu.Unlock()

		w.cancel()
		close(w.stopCh)
		if started {
			<-w.doneCh
		}
		logger.Debug("Size worker %q stopped", w.name)
	})
}

// next returns the oldest queued node without removing it.
func (w *SizeCalcWorker) next() *Node {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.order) > 0 {
		if node, ok := w.pending[w.order[0]]; ok {
			return node
		}
		w.order = w.order[1:]
	}
	return nil
}

func (w *SizeCalcWorker) remove(node *Node) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, node.id)
	if len(w.order) > 0 && w.order[0] == node.id {
		w.order = w.order[1:]
	}
	return len(w.pending)
}

func (w *SizeCalcWorker) run() {
	defer close(w.doneCh)

	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()

	for {
		node := w.next()
		if node == nil {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.cfg.PollInterval)

			select {
			case <-w.signal:
			case <-timer.C:
			case <-w.stopCh:
				return
			}
			continue
		}

		start := w.now()
		_, err := node.TreeSize(w.ctx, nil, true)
		elapsed := w.now().Sub(start)
		w.metrics.ObserveSizeCalc(elapsed, err)
		if err != nil && w.ctx.Err() == nil {
			logger.Warn("Size worker %q: dropping %q: %v", w.name, node.url, err)
		}

		w.metrics.SetSizeCalcQueueDepth(w.name, w.remove(node))

		pause := time.Duration(float64(elapsed) * (1/w.cfg.MaxLoad - 1))
		if pause <= 0 {
			select {
			case <-w.stopCh:
				return
			default:
			}
			continue
		}
		if !w.sleep(pause) {
			return
		}
	}
}

// pause sleeps for d unless the worker is stopped first.
func (w *SizeCalcWorker) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stopCh:
		return false
	}
}
