// Package queue implements the background task queue used to schedule work
// that must not delay a response, such as recomputing the cached counters of
// a swarm.
//
// Delivery is best effort and unordered, so handlers must be idempotent.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
)

// RecomputeSwarm is the name of the task recomputing the cached seeder and
// leecher counters of one torrent.
const RecomputeSwarm = "recompute_swarm"

var (
	// ErrQueueFull is returned by Enqueue when a task was dropped because
	// the queue cannot take more work.
	ErrQueueFull = errors.New("queue is full")

	// ErrQueueClosed is returned by Enqueue after the queue was stopped.
	ErrQueueClosed = errors.New("queue is closed")

	// ErrUnknownTask is returned by Dispatch for a task without handler.
	ErrUnknownTask = errors.New("no handler for task")

	// ErrDriverDoesNotExist is the error returned by New when a queue driver
	// with that name does not exist.
	ErrDriverDoesNotExist = errors.New("queue driver with that name does not exist")
)

// Task is a unit of background work.
type Task struct {
	Name      string `json:"name"`
	TorrentID string `json:"torrent_id"`
}

// LogFields renders the task as a set of log fields.
func (t Task) LogFields() log.Fields {
	return log.Fields{
		"task":      t.Name,
		"torrentID": t.TorrentID,
	}
}

// Queue schedules tasks for asynchronous execution.
type Queue interface {
	// Enqueue schedules t. It must not wait for t to run.
	Enqueue(ctx context.Context, t Task) error

	stop.Stopper
}

// Handler executes one kind of task.
type Handler func(ctx context.Context, t Task) error

// Dispatcher routes tasks to the Handler registered for their name.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher allocates an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Handle registers h for tasks named name, replacing any previous handler.
func (d *Dispatcher) Handle(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch runs the handler registered for t.
func (d *Dispatcher) Dispatch(ctx context.Context, t Task) error {
	d.mu.RLock()
	h, ok := d.handlers[t.Name]
	d.mu.RUnlock()

	if !ok {
		return errors.Wrap(ErrUnknownTask, t.Name)
	}
	return h(ctx, t)
}

// Process dispatches t and records the outcome. Failures are logged, never
// retried: the next event touching the same torrent schedules it again.
func (d *Dispatcher) Process(ctx context.Context, t Task) {
	start := time.Now()
	err := d.Dispatch(ctx, t)
	recordTaskDuration(t.Name, err, time.Since(start))

	if err != nil {
		log.Error("queue: task failed", t, log.Err(err))
		return
	}
	log.Debug("queue: task done", t)
}

// Driver is the interface used to initialize a new type of Queue.
type Driver interface {
	NewQueue(cfg interface{}, d *Dispatcher) (Queue, error)
}

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("queue: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("queue: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("queue: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// New attempts to initialize a new Queue with given a name from the list of
// registered Drivers. Tasks are executed through d.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func New(name string, cfg interface{}, d *Dispatcher) (Queue, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	driver, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return driver.NewQueue(cfg, d)
}
