// Package memory implements a task queue on top of a buffered channel and a
// fixed pool of worker goroutines.
package memory

import (
	"context"
	"sync"

	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/queue"
)

// Name is the name by which this queue is registered.
const Name = "memory"

// Default config constants.
const (
	defaultWorkers    = 4
	defaultBufferSize = 1024
)

func init() {
	queue.RegisterDriver(Name, driver{})
}

type driver struct{}

func (driver) NewQueue(icfg interface{}, d *queue.Dispatcher) (queue.Queue, error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return nil, err
	}

	// Unmarshal the bytes into the proper config type.
	var cfg Config
	err = yaml.Unmarshal(bytes, &cfg)
	if err != nil {
		return nil, err
	}

	return New(cfg, d), nil
}

// Config holds the configuration of a memory Queue.
type Config struct {
	Workers    int `yaml:"workers"`
	BufferSize int `yaml:"buffer_size"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":       Name,
		"workers":    cfg.Workers,
		"bufferSize": cfg.BufferSize,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Workers <= 0 {
		validcfg.Workers = defaultWorkers
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Workers",
			"provided": cfg.Workers,
			"default":  validcfg.Workers,
		})
	}

	if cfg.BufferSize <= 0 {
		validcfg.BufferSize = defaultBufferSize
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".BufferSize",
			"provided": cfg.BufferSize,
			"default":  validcfg.BufferSize,
		})
	}

	return validcfg
}

// Queue runs tasks on a pool of goroutines.
type Queue struct {
	cfg     Config
	tasks   chan queue.Task
	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

var _ queue.Queue = &Queue{}

// New creates a Queue and starts its workers.
func New(provided Config, d *queue.Dispatcher) *Queue {
	cfg := provided.Validate()

	q := &Queue{
		cfg:     cfg,
		tasks:   make(chan queue.Task, cfg.BufferSize),
		closing: make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-q.closing:
					q.drain(d)
					return
				case t := <-q.tasks:
					d.Process(context.Background(), t)
				}
			}
		}()
	}

	return q
}

// drain runs the tasks left in the buffer.
func (q *Queue) drain(d *queue.Dispatcher) {
	for {
		select {
		case t := <-q.tasks:
			d.Process(context.Background(), t)
		default:
			return
		}
	}
}

// Enqueue hands t to a worker. When every buffer slot is taken the task is
// dropped and ErrQueueFull is returned.
func (q *Queue) Enqueue(_ context.Context, t queue.Task) error {
	select {
	case <-q.closing:
		queue.PromDropped.WithLabelValues(t.Name).Inc()
		return queue.ErrQueueClosed
	default:
	}

	select {
	case q.tasks <- t:
		queue.PromEnqueued.WithLabelValues(t.Name).Inc()
		return nil
	default:
		queue.PromDropped.WithLabelValues(t.Name).Inc()
		log.Warn("queue: dropping task, buffer is full", t)
		return queue.ErrQueueFull
	}
}

// Stop stops the workers once the tasks already buffered have run.
func (q *Queue) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		q.once.Do(func() { close(q.closing) })
		q.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

// LogFields renders the queue as a set of log fields.
func (q *Queue) LogFields() log.Fields {
	return q.cfg.LogFields()
}
