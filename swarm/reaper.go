package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/queue"
	"github.com/chihaya/ratiotracker/storage"
)

// Name is used in log fields and configuration warnings.
const Name = "reaper"

// Default config constants.
const (
	defaultReapInterval = 5 * time.Minute
)

// Config holds the configuration of a Reaper.
type Config struct {
	Interval     time.Duration `yaml:"interval"`
	PeerLifetime time.Duration `yaml:"peer_lifetime"`

	// Lock enables the distributed sweep lock when the queue driver
	// provides one.
	Lock bool `yaml:"lock"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":         Name,
		"interval":     cfg.Interval,
		"peerLifetime": cfg.PeerLifetime,
		"lock":         cfg.Lock,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Interval <= 0 {
		validcfg.Interval = defaultReapInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".Interval",
			"provided": cfg.Interval,
			"default":  validcfg.Interval,
		})
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = DefaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PeerLifetime",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	return validcfg
}

// Locker is a lock shared by every tracker instance. A *redsync.Mutex
// satisfies it.
type Locker interface {
	Lock() error
	Unlock() (bool, error)
}

// SweepResult describes the outcome of one sweep.
type SweepResult struct {
	// Skipped is set when another instance held the lock.
	Skipped  bool
	Deleted  int64
	Torrents int
}

// LogFields renders the result as a set of log fields.
func (r SweepResult) LogFields() log.Fields {
	return log.Fields{
		"skipped":  r.Skipped,
		"deleted":  r.Deleted,
		"torrents": r.Torrents,
	}
}

// Reaper periodically deletes the peers that stopped announcing and
// schedules a recomputation of the swarms they belonged to.
type Reaper struct {
	cfg   Config
	store storage.Store
	queue queue.Queue
	lock  Locker
	now   func() time.Time

	closing chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewReaper creates a Reaper. lock may be nil, in which case every sweep
// runs.
func NewReaper(provided Config, s storage.Store, q queue.Queue, lock Locker) *Reaper {
	return &Reaper{
		cfg:     provided.Validate(),
		store:   s,
		queue:   q,
		lock:    lock,
		now:     time.Now,
		closing: make(chan struct{}),
	}
}

// Start runs a sweep every configured interval until the Reaper is stopped.
func (r *Reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		t := time.NewTicker(r.cfg.Interval)
		defer t.Stop()
		for {
			select {
			case <-r.closing:
				return
			case <-t.C:
				if _, err := r.Sweep(context.Background()); err != nil {
					log.Error("reaper: sweep failed", log.Err(err))
				}
			}
		}
	}()
}

// Sweep deletes every peer whose last announce is older than the peer
// lifetime and enqueues a recomputation of each affected torrent.
//
// Enqueue failures are logged and do not fail the sweep.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	if r.lock != nil {
		if err := r.lock.Lock(); err != nil {
			log.Debug("reaper: lock held elsewhere, skipping sweep", log.Err(err))
			return SweepResult{Skipped: true}, nil
		}
		defer func() {
			ok, err := r.lock.Unlock()
			if err != nil {
				log.Warn("reaper: failed to release lock", log.Err(err))
			} else if !ok {
				log.Warn("reaper: lock expired before the sweep finished")
			}
		}()
	}

	start := time.Now()
	cutoff := r.now().Add(-r.cfg.PeerLifetime)
	log.Debug("reaper: purging peers with no announces since", log.Fields{"before": cutoff})

	torrentIDs, deleted, err := r.store.DeleteStalePeers(ctx, cutoff)
	if err != nil {
		return SweepResult{}, errors.Wrap(err, "failed to delete stale peers")
	}
	recordSweepDuration(time.Since(start))
	PromReapedPeers.Add(float64(deleted))

	for _, id := range torrentIDs {
		task := queue.Task{Name: queue.RecomputeSwarm, TorrentID: id}
		if err := r.queue.Enqueue(ctx, task); err != nil {
			log.Warn("reaper: failed to enqueue recompute", task, log.Err(err))
		}
	}

	result := SweepResult{Deleted: deleted, Torrents: len(torrentIDs)}
	log.Info("cleaned up stale peers", result)
	return result, nil
}

// Stop stops the sweep loop. A sweep in progress completes first.
func (r *Reaper) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		r.once.Do(func() { close(r.closing) })
		r.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

// LogFields renders the reaper as a set of log fields.
func (r *Reaper) LogFields() log.Fields {
	f := r.cfg.LogFields()
	f["locked"] = r.lock != nil
	return f
}
