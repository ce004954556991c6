// Package wp is a fixed-size worker pool that routes every task submitted under
// the same key to the same worker. Tasks sharing a key therefore run one at a time
// and in submission order, while tasks with different keys run concurrently.
package wp

import (
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/fasthash/fnv1a"
)

var (
	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = errors.New("wp: pool stopped")

	// ErrQueueFull is returned by TrySubmit when the key's worker has no room.
	ErrQueueFull = errors.New("wp: queue full")
)

// PanicHandler receives the value recovered from a panicking task.
type PanicHandler func(key string, recovered any)

type Pool struct {
	maxWorkers int
	taskQueues []chan func()
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	onPanic PanicHandler
}

// Option configures a Pool.
type Option func(*Pool)

// WithPanicHandler installs a handler invoked when a task panics. The worker
// survives the panic and continues with the next task.
func WithPanicHandler(h PanicHandler) Option {
	return func(p *Pool) {
		p.onPanic = h
	}
}

func NewPool(maxWorkers int, queueBuffer int, opts ...Option) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueBuffer < 1 {
		queueBuffer = 1
	}

	p := &Pool{
		maxWorkers: maxWorkers,
		taskQueues: make([]chan func(), maxWorkers),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := 0; i < maxWorkers; i++ {
		p.taskQueues[i] = make(chan func(), queueBuffer)
		p.wg.Add(1)
		go p.startWorker(p.taskQueues[i])
	}

	return p
}

// Workers returns the number of workers.
func (p *Pool) Workers() int {
	return p.maxWorkers
}

func (p *Pool) startWorker(queue chan func()) {
	defer p.wg.Done()
	// queued tasks are drained after Stop closes the channel
	for task := range queue {
		task()
	}
}

// Submit queues task on the worker owning uid. It blocks while that worker's
// queue is full. A task must not Submit to its own key while the queue can be
// full: the worker would wait on itself.
func (p *Pool) Submit(uid string, task func()) error {
	if task == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	idx := fnv1a.HashString64(uid) % uint64(p.maxWorkers)
	p.taskQueues[idx] <- p.guard(uid, task)
	return nil
}

// TrySubmit is Submit without waiting: when the worker owning uid has a full
// queue the task is not queued and ErrQueueFull is returned.
func (p *Pool) TrySubmit(uid string, task func()) error {
	if task == nil {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}

	select {
	case p.taskQueues[fnv1a.HashString64(uid)%uint64(p.maxWorkers)] <- p.guard(uid, task):
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Pool) guard(uid string, task func()) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				if p.onPanic != nil {
					p.onPanic(uid, r)
					return
				}
				fmt.Printf("[ERROR] wp: task %q panicked: %v\n", uid, r)
			}
		}()
		task()
	}
}

// Stop rejects new tasks, runs everything already queued and waits for the
// workers to exit. It is safe to call more than once.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, q := range p.taskQueues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
