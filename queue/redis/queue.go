// Package redis implements a task queue shared by every tracker instance
// through a Redis list, along with the distributed lock used to elect the
// instance that sweeps stale peers.
//
// Tasks are JSON documents pushed with LPUSH and consumed with RPOP by a pool
// of workers polling the list.
package redis

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/redigo"
	redigolib "github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/queue"
)

// Name is the name by which this queue is registered.
const Name = "redis"

// Default config constants.
const (
	defaultRedisBroker         = "redis://myRedis@127.0.0.1:6379/0"
	defaultRedisKey            = "ratiotracker:tasks"
	defaultWorkers             = 4
	defaultPollInterval        = 500 * time.Millisecond
	defaultRedisReadTimeout    = time.Second * 15
	defaultRedisWriteTimeout   = time.Second * 15
	defaultRedisConnectTimeout = time.Second * 15
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

	return New(cfg, d)
}

// Config holds the configuration of a redis Queue.
type Config struct {
	RedisBroker         string        `yaml:"redis_broker"`
	RedisKey            string        `yaml:"redis_key"`
	RedisReadTimeout    time.Duration `yaml:"redis_read_timeout"`
	RedisWriteTimeout   time.Duration `yaml:"redis_write_timeout"`
	RedisConnectTimeout time.Duration `yaml:"redis_connect_timeout"`
	Workers             int           `yaml:"workers"`
	PollInterval        time.Duration `yaml:"poll_interval"`

	// ProduceOnly disables the workers: this instance only pushes tasks and
	// other instances run them.
	ProduceOnly bool `yaml:"produce_only"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":                Name,
		"redisBroker":         cfg.RedisBroker,
		"redisKey":            cfg.RedisKey,
		"redisReadTimeout":    cfg.RedisReadTimeout,
		"redisWriteTimeout":   cfg.RedisWriteTimeout,
		"redisConnectTimeout": cfg.RedisConnectTimeout,
		"workers":             cfg.Workers,
		"pollInterval":        cfg.PollInterval,
		"produceOnly":         cfg.ProduceOnly,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.RedisBroker == "" {
		validcfg.RedisBroker = defaultRedisBroker
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisBroker",
			"provided": cfg.RedisBroker,
			"default":  validcfg.RedisBroker,
		})
	}

	if cfg.RedisKey == "" {
		validcfg.RedisKey = defaultRedisKey
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisKey",
			"provided": cfg.RedisKey,
			"default":  validcfg.RedisKey,
		})
	}

	if cfg.RedisReadTimeout <= 0 {
		validcfg.RedisReadTimeout = defaultRedisReadTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisReadTimeout",
			"provided": cfg.RedisReadTimeout,
			"default":  validcfg.RedisReadTimeout,
		})
	}

	if cfg.RedisWriteTimeout <= 0 {
		validcfg.RedisWriteTimeout = defaultRedisWriteTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisWriteTimeout",
			"provided": cfg.RedisWriteTimeout,
			"default":  validcfg.RedisWriteTimeout,
		})
	}

	if cfg.RedisConnectTimeout <= 0 {
		validcfg.RedisConnectTimeout = defaultRedisConnectTimeout
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".RedisConnectTimeout",
			"provided": cfg.RedisConnectTimeout,
			"default":  validcfg.RedisConnectTimeout,
		})
	}

	if cfg.Workers <= 0 && !cfg.ProduceOnly {
		validcfg.Workers = defaultWorkers
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Workers",
			"provided": cfg.Workers,
			"default":  validcfg.Workers,
		})
	}

	if cfg.PollInterval <= 0 {
		validcfg.PollInterval = defaultPollInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PollInterval",
			"provided": cfg.PollInterval,
			"default":  validcfg.PollInterval,
		})
	}

	return validcfg
}

// Queue is a task queue stored in a Redis list.
//
// A Queue configured with ProduceOnly only pushes tasks, leaving their
// execution to other instances.
type Queue struct {
	cfg     Config
	pool    *redigolib.Pool
	redsync *redsync.Redsync

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

var _ queue.Queue = &Queue{}

// New creates a Queue connected to the configured broker and starts its
// workers.
func New(provided Config, d *queue.Dispatcher) (*Queue, error) {
	cfg := provided.Validate()

	u, err := parseRedisURL(cfg.RedisBroker)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis_broker")
	}

	rc := &redisConnector{
		URL:            u,
		ReadTimeout:    cfg.RedisReadTimeout,
		WriteTimeout:   cfg.RedisWriteTimeout,
		ConnectTimeout: cfg.RedisConnectTimeout,
	}
	pool := rc.NewPool()

	q := &Queue{
		cfg:     cfg,
		pool:    pool,
		redsync: redsync.New(redigo.NewPool(pool)),
		closing: make(chan struct{}),
	}

	workers := cfg.Workers
	if cfg.ProduceOnly {
		workers = 0
		log.Info("queue: running without workers, tasks are left to other instances", cfg)
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.work(d)
		}()
	}

	return q, nil
}

// Enqueue pushes t onto the shared list.
func (q *Queue) Enqueue(_ context.Context, t queue.Task) error {
	select {
	case <-q.closing:
		queue.PromDropped.WithLabelValues(t.Name).Inc()
		return queue.ErrQueueClosed
	default:
	}

	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}

	conn := q.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("LPUSH", q.cfg.RedisKey, payload); err != nil {
		queue.PromDropped.WithLabelValues(t.Name).Inc()
		return errors.Wrap(err, "failed to push task")
	}

	queue.PromEnqueued.WithLabelValues(t.Name).Inc()
	return nil
}

// pop removes the oldest task from the list. ok is false when the list is
// empty.
func (q *Queue) pop() (t queue.Task, ok bool, err error) {
	conn := q.pool.Get()
	defer conn.Close()

	payload, err := redigolib.Bytes(conn.Do("RPOP", q.cfg.RedisKey))
	if err == redigolib.ErrNil {
		return t, false, nil
	}
	if err != nil {
		return t, false, err
	}

	if err := json.Unmarshal(payload, &t); err != nil {
		return t, false, errors.Wrap(err, "malformed task")
	}
	return t, true, nil
}

func (q *Queue) work(d *queue.Dispatcher) {
	for {
		select {
		case <-q.closing:
			return
		default:
		}

		t, ok, err := q.pop()
		if err != nil {
			log.Error("queue: failed to pop task", log.Err(err))
		}
		if ok {
			d.Process(context.Background(), t)
			continue
		}

		select {
		case <-q.closing:
			return
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// Len returns the number of tasks waiting in the list.
func (q *Queue) Len() (int, error) {
	conn := q.pool.Get()
	defer conn.Close()

	return redigolib.Int(conn.Do("LLEN", q.cfg.RedisKey))
}

// NewMutex returns a distributed lock named name, shared by every instance
// using the same broker.
func (q *Queue) NewMutex(name string, options ...redsync.Option) *redsync.Mutex {
	return q.redsync.NewMutex(name, options...)
}

// Stop stops the workers and closes the connection pool.
func (q *Queue) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		q.once.Do(func() { close(q.closing) })
		q.wg.Wait()
		c.Done(q.pool.Close())
	}()
	return c.Result()
}

// LogFields renders the queue as a set of log fields.
func (q *Queue) LogFields() log.Fields {
	return q.cfg.LogFields()
}
