// Package memory implements the storage interface for a ratiotracker keeping
// torrents, peers and accounts in memory.
//
// It serializes units of work behind a single lock and is meant for tests
// and single instance deployments that can afford to lose their state.
package memory

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/storage"
)

// Name is the name by which this store is registered.
const Name = "memory"

// Default config constants.
const defaultPrometheusReportingInterval = time.Second * 1

func init() {
	// Register the storage driver.
	storage.RegisterDriver(Name, driver{})
}

type driver struct{}

func (d driver) NewStore(icfg interface{}) (storage.Store, error) {
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

	return New(cfg)
}

// Config holds the configuration of a memory Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.PrometheusReportingInterval <= 0 {
		validcfg.PrometheusReportingInterval = defaultPrometheusReportingInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".PrometheusReportingInterval",
			"provided": cfg.PrometheusReportingInterval,
			"default":  validcfg.PrometheusReportingInterval,
		})
	}

	return validcfg
}

type peerKey struct {
	torrentID string
	peerID    string
	ip        string
	port      int64
}

func newPeerKey(k storage.PeerKey) peerKey {
	return peerKey{
		torrentID: k.TorrentID,
		peerID:    k.PeerID,
		ip:        k.IP.String(),
		port:      k.Port,
	}
}

type store struct {
	cfg Config

	sync.RWMutex
	torrents   map[string]storage.Torrent
	infoHashes map[string]string
	accounts   map[string]storage.Account
	peers      map[peerKey]storage.Peer

	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

// New creates a new Store backed by memory.
func New(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	s := &store{
		cfg:        cfg,
		torrents:   make(map[string]storage.Torrent),
		infoHashes: make(map[string]string),
		accounts:   make(map[string]storage.Account),
		peers:      make(map[peerKey]storage.Peer),
		closed:     make(chan struct{}),
	}

	// Start a goroutine for reporting statistics to Prometheus.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(cfg.PrometheusReportingInterval)
		for {
			select {
			case <-s.closed:
				t.Stop()
				return
			case <-t.C:
				s.populateProm()
			}
		}
	}()

	return s, nil
}

// populateProm aggregates metrics over the whole store and then posts them to
// prometheus.
func (s *store) populateProm() {
	s.RLock()
	stats := storage.Stats{
		Torrents: int64(len(s.torrents)),
		Peers:    int64(len(s.peers)),
	}
	for _, t := range s.torrents {
		stats.Seeders += t.Seeders
		stats.Leechers += t.Leechers
	}
	s.RUnlock()

	stats.Report()
}

func (s *store) assertOpen() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped memory store")
	default:
	}
}

// tx applies changes directly to the store and remembers how to revert them.
// The store lock is held for its whole lifetime.
type tx struct {
	s    *store
	undo []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
}

func (t *tx) FindPeer(_ context.Context, key storage.PeerKey) (storage.Peer, error) {
	p, ok := t.s.peers[newPeerKey(key)]
	if !ok {
		return storage.Peer{}, storage.ErrResourceDoesNotExist
	}
	return p, nil
}

func (t *tx) UpsertPeer(_ context.Context, p storage.Peer) (storage.Peer, error) {
	if err := p.Validate(); err != nil {
		return storage.Peer{}, err
	}
	if _, ok := t.s.torrents[p.TorrentID]; !ok {
		return storage.Peer{}, errors.Wrap(storage.ErrResourceDoesNotExist, "torrent")
	}
	if _, ok := t.s.accounts[p.AccountID]; !ok {
		return storage.Peer{}, errors.Wrap(storage.ErrResourceDoesNotExist, "account")
	}

	pk := newPeerKey(p.Key())
	prev, existed := t.s.peers[pk]
	if existed {
		p.ID = prev.ID
	} else if p.ID == "" {
		p.ID = storage.NewID()
	}
	if p.LastAnnounce.IsZero() {
		p.LastAnnounce = time.Now().UTC()
	}
	p.IP = append(net.IP(nil), p.IP.To4()...)

	t.s.peers[pk] = p
	t.undo = append(t.undo, func() {
		if existed {
			t.s.peers[pk] = prev
		} else {
			delete(t.s.peers, pk)
		}
	})

	return p, nil
}

func (t *tx) DeletePeer(_ context.Context, key storage.PeerKey) error {
	pk := newPeerKey(key)
	prev, ok := t.s.peers[pk]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	delete(t.s.peers, pk)
	t.undo = append(t.undo, func() { t.s.peers[pk] = prev })
	return nil
}

func (t *tx) ApplyDelta(_ context.Context, accountID string, uploaded, downloaded int64) error {
	a, ok := t.s.accounts[accountID]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	a.Uploaded += uploaded
	a.Downloaded += downloaded
	t.s.accounts[accountID] = a
	t.undo = append(t.undo, func() {
		a := t.s.accounts[accountID]
		a.Uploaded -= uploaded
		a.Downloaded -= downloaded
		t.s.accounts[accountID] = a
	})
	return nil
}

func (s *store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	s.assertOpen()

	return storage.RetryOnConflict(func() error {
		s.Lock()
		defer s.Unlock()

		t := &tx{s: s}
		if err := fn(t); err != nil {
			t.rollback()
			return err
		}
		return nil
	})
}

func (s *store) FindTorrentByInfoHash(_ context.Context, infoHash string) (storage.Torrent, error) {
	s.assertOpen()
	s.RLock()
	defer s.RUnlock()

	id, ok := s.infoHashes[infoHash]
	if !ok {
		return storage.Torrent{}, storage.ErrResourceDoesNotExist
	}
	return s.torrents[id], nil
}

func (s *store) FindTorrentByID(_ context.Context, id string) (storage.Torrent, error) {
	s.assertOpen()
	s.RLock()
	defer s.RUnlock()

	t, ok := s.torrents[id]
	if !ok {
		return storage.Torrent{}, storage.ErrResourceDoesNotExist
	}
	return t, nil
}

func (s *store) FindAccount(_ context.Context, id string) (storage.Account, error) {
	s.assertOpen()
	s.RLock()
	defer s.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrResourceDoesNotExist
	}
	return a, nil
}

func (s *store) ActivePeers(_ context.Context, torrentID string, since time.Time, limit int) ([]storage.Peer, error) {
	s.assertOpen()
	s.RLock()
	defer s.RUnlock()

	var peers []storage.Peer
	for _, p := range s.peers {
		if len(peers) >= limit {
			break
		}
		if p.TorrentID == torrentID && !p.LastAnnounce.Before(since) {
			peers = append(peers, p)
		}
	}
	return peers, nil
}

func (s *store) CountActive(_ context.Context, torrentID string, since time.Time) (seeders, leechers int64, err error) {
	s.assertOpen()
	s.RLock()
	defer s.RUnlock()

	for _, p := range s.peers {
		if p.TorrentID != torrentID || p.LastAnnounce.Before(since) {
			continue
		}
		if p.Seeder() {
			seeders++
		} else {
			leechers++
		}
	}
	return seeders, leechers, nil
}

func (s *store) SetSwarmCounts(_ context.Context, torrentID string, seeders, leechers int64) error {
	s.assertOpen()
	s.Lock()
	defer s.Unlock()

	t, ok := s.torrents[torrentID]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}
	t.Seeders = seeders
	t.Leechers = leechers
	t.UpdatedAt = time.Now().UTC()
	s.torrents[torrentID] = t
	return nil
}

func (s *store) DeleteStalePeers(_ context.Context, cutoff time.Time) (torrentIDs []string, deleted int64, err error) {
	s.assertOpen()
	s.Lock()
	defer s.Unlock()

	seen := make(map[string]struct{})
	for pk, p := range s.peers {
		if !p.LastAnnounce.Before(cutoff) {
			continue
		}
		delete(s.peers, pk)
		deleted++
		if _, ok := seen[p.TorrentID]; !ok {
			seen[p.TorrentID] = struct{}{}
			torrentIDs = append(torrentIDs, p.TorrentID)
		}
	}
	return torrentIDs, deleted, nil
}

func (s *store) PutTorrent(_ context.Context, t storage.Torrent) (storage.Torrent, error) {
	s.assertOpen()
	t = t.Canonical()
	if err := t.Validate(); err != nil {
		return storage.Torrent{}, err
	}

	s.Lock()
	defer s.Unlock()

	if _, dup := s.infoHashes[t.InfoHash]; dup {
		return storage.Torrent{}, errors.Wrap(storage.ErrInvalidRecord, "info_hash already tracked")
	}
	if t.ID == "" {
		t.ID = storage.NewID()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	s.torrents[t.ID] = t
	s.infoHashes[t.InfoHash] = t.ID
	return t, nil
}

func (s *store) DeleteTorrent(_ context.Context, id string) error {
	s.assertOpen()
	s.Lock()
	defer s.Unlock()

	t, ok := s.torrents[id]
	if !ok {
		return storage.ErrResourceDoesNotExist
	}

	delete(s.torrents, id)
	delete(s.infoHashes, t.InfoHash)
	for pk := range s.peers {
		if pk.torrentID == id {
			delete(s.peers, pk)
		}
	}
	return nil
}

func (s *store) PutAccount(_ context.Context, a storage.Account) (storage.Account, error) {
	s.assertOpen()
	if err := a.Validate(); err != nil {
		return storage.Account{}, err
	}

	s.Lock()
	defer s.Unlock()

	for _, existing := range s.accounts {
		if existing.Email == a.Email {
			return storage.Account{}, errors.Wrap(storage.ErrInvalidRecord, "email already registered")
		}
	}
	if a.ID == "" {
		a.ID = storage.NewID()
	}
	a.CreatedAt = time.Now().UTC()
	s.accounts[a.ID] = a
	return a, nil
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()
		c.Done()
	}()
	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
