package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/ratiotracker/pkg/stop"
)

var (
	driversM sync.RWMutex
	drivers  = make(map[string]Driver)
)

// Driver is the interface used to initialize a new type of Store.
type Driver interface {
	NewStore(cfg interface{}) (Store, error)
}

var (
	// ErrResourceDoesNotExist is the error returned by lookups and deletes
	// when the requested record does not exist.
	ErrResourceDoesNotExist = errors.New("resource does not exist")

	// ErrInvalidPeer is returned by UpsertPeer when the row fails validation.
	ErrInvalidPeer = errors.New("invalid peer")

	// ErrInvalidRecord is returned when a torrent or account fails
	// validation.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrConflict is returned inside a unit of work when a concurrent
	// transaction inserted the same peer identity first. Store.Update
	// retries the whole unit of work when it sees it.
	ErrConflict = errors.New("conflicting peer insert")

	// ErrDriverDoesNotExist is the error returned by NewStore when a store
	// driver with that name does not exist.
	ErrDriverDoesNotExist = errors.New("store driver with that name does not exist")
)

// MaxUpdateAttempts bounds how many times Update runs a unit of work that
// keeps failing with ErrConflict.
const MaxUpdateAttempts = 3

// PeerRegistry stores the peers of every swarm.
type PeerRegistry interface {
	// FindPeer returns the peer with the given identity, or
	// ErrResourceDoesNotExist. Inside a unit of work the row stays locked
	// until the unit of work ends, where the backend supports it.
	FindPeer(ctx context.Context, key PeerKey) (Peer, error)

	// UpsertPeer inserts p or updates the existing row with the same
	// identity and returns the stored peer.
	//
	// Returns an error wrapping ErrInvalidPeer if p fails validation, and
	// ErrConflict if a concurrent insert of the same identity won.
	UpsertPeer(ctx context.Context, p Peer) (Peer, error)

	// DeletePeer removes the peer with the given identity.
	//
	// If the peer does not exist, this function should return
	// ErrResourceDoesNotExist.
	DeletePeer(ctx context.Context, key PeerKey) error
}

// Ledger stores the cumulative transfer counters of accounts.
type Ledger interface {
	// ApplyDelta atomically adds uploaded and downloaded to the counters of
	// an account. It never reads the current values.
	ApplyDelta(ctx context.Context, accountID string, uploaded, downloaded int64) error
}

// Tx is the view of a Store available inside a unit of work.
type Tx interface {
	PeerRegistry
	Ledger
}

// Store is an interface that abstracts the persistence of torrents, peers and
// accounts such that it can be implemented for various data stores.
type Store interface {
	// Update runs fn as a single unit of work. Changes made through the Tx
	// are committed if fn returns nil and discarded otherwise.
	//
	// If fn fails with ErrConflict, the unit of work is rolled back and run
	// again, up to MaxUpdateAttempts times.
	Update(ctx context.Context, fn func(Tx) error) error

	// FindTorrentByInfoHash returns the torrent whose normalized info hash
	// matches, or ErrResourceDoesNotExist.
	FindTorrentByInfoHash(ctx context.Context, infoHash string) (Torrent, error)

	// FindTorrentByID returns the torrent with the given id, or
	// ErrResourceDoesNotExist.
	FindTorrentByID(ctx context.Context, id string) (Torrent, error)

	// FindAccount returns the account with the given id, or
	// ErrResourceDoesNotExist.
	FindAccount(ctx context.Context, id string) (Account, error)

	// ActivePeers returns at most limit peers of a torrent that announced
	// at or after since, in no particular order.
	ActivePeers(ctx context.Context, torrentID string, since time.Time, limit int) ([]Peer, error)

	// CountActive counts the peers of a torrent that announced at or after
	// since, split into seeders (left == 0) and leechers (left > 0).
	CountActive(ctx context.Context, torrentID string, since time.Time) (seeders, leechers int64, err error)

	// SetSwarmCounts overwrites the cached seeder and leecher counters of a
	// torrent. Returns ErrResourceDoesNotExist if the torrent is gone.
	SetSwarmCounts(ctx context.Context, torrentID string, seeders, leechers int64) error

	// DeleteStalePeers deletes every peer whose last announce is strictly
	// before cutoff and returns the distinct ids of the torrents they
	// belonged to along with the number of deleted rows.
	DeleteStalePeers(ctx context.Context, cutoff time.Time) (torrentIDs []string, deleted int64, err error)

	// PutTorrent validates and inserts a torrent, assigning an id when it has
	// none.
	PutTorrent(ctx context.Context, t Torrent) (Torrent, error)

	// DeleteTorrent removes a torrent along with all of its peers.
	DeleteTorrent(ctx context.Context, id string) error

	// PutAccount validates and inserts an account, assigning an id when it
	// has none.
	PutAccount(ctx context.Context, a Account) (Account, error)

	// Stopper is an interface that expects a Stop method to stop the Store.
	// For more details see the documentation in the stop package.
	stop.Stopper
}

// RetryOnConflict runs fn until it returns anything but ErrConflict, at most
// MaxUpdateAttempts times. Drivers use it to implement Store.Update.
func RetryOnConflict(fn func() error) (err error) {
	for attempt := 0; attempt < MaxUpdateAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConflict) {
			return err
		}
		PromConflictRetries.Inc()
	}
	return err
}

// RegisterDriver makes a Driver available by the provided name.
//
// If called twice with the same name, the name is blank, or if the provided
// Driver is nil, this function panics.
func RegisterDriver(name string, d Driver) {
	if name == "" {
		panic("storage: could not register a Driver with an empty name")
	}
	if d == nil {
		panic("storage: could not register a nil Driver")
	}

	driversM.Lock()
	defer driversM.Unlock()

	if _, dup := drivers[name]; dup {
		panic("storage: RegisterDriver called twice for " + name)
	}

	drivers[name] = d
}

// NewStore attempts to initialize a new Store with given a name from the list
// of registered Drivers.
//
// If a driver does not exist, returns ErrDriverDoesNotExist.
func NewStore(name string, cfg interface{}) (Store, error) {
	driversM.RLock()
	defer driversM.RUnlock()

	var d Driver
	d, ok := drivers[name]
	if !ok {
		return nil, ErrDriverDoesNotExist
	}

	return d.NewStore(cfg)
}
