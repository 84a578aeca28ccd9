// Package swarm keeps the swarm tables of the tracker consistent in the
// background: it recomputes the cached seeder and leecher counters of
// torrents and deletes peers that stopped announcing.
package swarm

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/queue"
	"github.com/chihaya/ratiotracker/storage"
)

// DefaultPeerLifetime is the activity window: a peer counts as active when
// it announced within this duration.
const DefaultPeerLifetime = time.Hour

// Recomputer overwrites the cached counters of a torrent with a count of its
// active peers.
type Recomputer struct {
	store        storage.Store
	peerLifetime time.Duration
	now          func() time.Time
}

// NewRecomputer creates a Recomputer counting peers active within
// peerLifetime. A non-positive peerLifetime selects DefaultPeerLifetime.
func NewRecomputer(s storage.Store, peerLifetime time.Duration) *Recomputer {
	if peerLifetime <= 0 {
		peerLifetime = DefaultPeerLifetime
	}
	return &Recomputer{store: s, peerLifetime: peerLifetime, now: time.Now}
}

// Recompute recounts the seeders and leechers of the torrent. A torrent that
// does not exist (anymore) is ignored.
//
// Recompute is idempotent: running it twice yields the same counters.
func (r *Recomputer) Recompute(ctx context.Context, torrentID string) error {
	_, err := r.store.FindTorrentByID(ctx, torrentID)
	if errors.Is(err, storage.ErrResourceDoesNotExist) {
		PromRecomputes.WithLabelValues("missing").Inc()
		return nil
	}
	if err != nil {
		PromRecomputes.WithLabelValues("error").Inc()
		return err
	}

	since := r.now().Add(-r.peerLifetime)
	seeders, leechers, err := r.store.CountActive(ctx, torrentID, since)
	if err != nil {
		PromRecomputes.WithLabelValues("error").Inc()
		return errors.Wrap(err, "failed to count active peers")
	}

	err = r.store.SetSwarmCounts(ctx, torrentID, seeders, leechers)
	if errors.Is(err, storage.ErrResourceDoesNotExist) {
		// Deleted between the lookup and the write.
		PromRecomputes.WithLabelValues("missing").Inc()
		return nil
	}
	if err != nil {
		PromRecomputes.WithLabelValues("error").Inc()
		return errors.Wrap(err, "failed to store swarm counters")
	}

	PromRecomputes.WithLabelValues("ok").Inc()
	log.Debug("swarm: recomputed counters", log.Fields{
		"torrentID": torrentID,
		"seeders":   seeders,
		"leechers":  leechers,
	})
	return nil
}

// Handle is the queue.Handler of queue.RecomputeSwarm tasks.
func (r *Recomputer) Handle(ctx context.Context, t queue.Task) error {
	return r.Recompute(ctx, t.TorrentID)
}

// Register makes r the handler of queue.RecomputeSwarm tasks in d.
func (r *Recomputer) Register(d *queue.Dispatcher) {
	d.Handle(queue.RecomputeSwarm, r.Handle)
}
