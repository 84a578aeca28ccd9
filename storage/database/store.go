// Package database implements the storage interface for a ratiotracker
// keeping torrents, peers and accounts in a SQL database through gorm.
//
// Two drivers are registered: "postgres" for production deployments and
// "sqlite" for single instance setups and tests.
package database

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/storage"
)

// Name is the name used in log fields and configuration warnings.
const Name = "database"

// Default config constants.
const (
	defaultPrometheusReportingInterval = time.Second * 1
	defaultMaxOpenConns                = 10
	defaultDsn                         = "data/ratiotracker.sqlite"
)

func init() {
	// Register the storage drivers.
	storage.RegisterDriver("postgres", postgresDriver{})
	storage.RegisterDriver("sqlite", sqliteDriver{})
}

type postgresDriver struct{}
type sqliteDriver struct{}

func decodeConfig(icfg interface{}) (cfg Config, err error) {
	// Marshal the config back into bytes.
	bytes, err := yaml.Marshal(icfg)
	if err != nil {
		return cfg, err
	}

	// Unmarshal the bytes into the proper config type.
	err = yaml.Unmarshal(bytes, &cfg)
	return cfg, err
}

func (d postgresDriver) NewStore(icfg interface{}) (storage.Store, error) {
	cfg, err := decodeConfig(icfg)
	if err != nil {
		return nil, err
	}

	return NewPostgres(cfg)
}

func (d sqliteDriver) NewStore(icfg interface{}) (storage.Store, error) {
	cfg, err := decodeConfig(icfg)
	if err != nil {
		return nil, err
	}

	return NewSqlite(cfg)
}

// Config holds the configuration of a database Store.
type Config struct {
	PrometheusReportingInterval time.Duration `yaml:"prometheus_reporting_interval"`
	MaxOpenConns                int           `yaml:"max_open_conns"`
	Dsn                         string        `yaml:"dsn"`
	LogQueries                  bool          `yaml:"log_queries"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg Config) LogFields() log.Fields {
	return log.Fields{
		"name":               Name,
		"promReportInterval": cfg.PrometheusReportingInterval,
		"maxOpenConns":       cfg.MaxOpenConns,
		"dsn":                cfg.Dsn,
		"logQueries":         cfg.LogQueries,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg Config) Validate() Config {
	validcfg := cfg

	if cfg.Dsn == "" {
		validcfg.Dsn = defaultDsn
		log.Warn("falling back to default dsn", log.Fields{
			"name":     Name + ".dsn",
			"provided": cfg.Dsn,
			"default":  validcfg.Dsn,
		})
	}

	if cfg.MaxOpenConns <= 0 {
		validcfg.MaxOpenConns = defaultMaxOpenConns
		log.Warn("falling back to default configuration", log.Fields{
			"name":     Name + ".MaxOpenConns",
			"provided": cfg.MaxOpenConns,
			"default":  validcfg.MaxOpenConns,
		})
	}

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

func gormConfig(cfg Config) *gorm.Config {
	gcfg := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC() },
		Logger:  logger.Default.LogMode(logger.Silent),
	}
	if cfg.LogQueries {
		gcfg.Logger = logger.Default.LogMode(logger.Info)
	}
	return gcfg
}

// NewPostgres creates a new Store backed by a postgres database.
func NewPostgres(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	db, err := gorm.Open(postgres.Open(cfg.Dsn), gormConfig(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect to postgres")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)

	return newStore(cfg, db)
}

// NewSqlite creates a new Store backed by an sqlite database.
//
// sqlite allows a single writer, so the pool is limited to one connection.
// This also keeps ":memory:" databases alive for the lifetime of the Store.
func NewSqlite(provided Config) (storage.Store, error) {
	cfg := provided.Validate()

	db, err := gorm.Open(sqlite.Open(cfg.Dsn), gormConfig(cfg))
	if err != nil {
		return nil, errors.Wrap(err, "unable to open the sqlite database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, errors.Wrap(err, "unable to enable foreign keys")
	}

	return newStore(cfg, db)
}

func newStore(cfg Config, db *gorm.DB) (*store, error) {
	if err := db.AutoMigrate(&torrentRow{}, &accountRow{}, &peerRow{}); err != nil {
		return nil, errors.Wrap(err, "unable to migrate database")
	}

	s := &store{
		cfg:    cfg,
		db:     db,
		closed: make(chan struct{}),
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
				before := time.Now()
				s.populateProm()
				log.Debug("storage: populateProm() finished", log.Fields{"timeTaken": time.Since(before)})
			}
		}
	}()

	return s, nil
}

type store struct {
	cfg    Config
	db     *gorm.DB
	closed chan struct{}
	wg     sync.WaitGroup
}

var _ storage.Store = &store{}

// populateProm aggregates metrics over all tables and then posts them to
// prometheus.
func (s *store) populateProm() {
	var stats storage.Stats

	s.db.Model(&torrentRow{}).Count(&stats.Torrents)
	s.db.Model(&peerRow{}).Count(&stats.Peers)
	s.db.Model(&torrentRow{}).
		Select("COALESCE(SUM(seeders), 0) AS seeders, COALESCE(SUM(leechers), 0) AS leechers").
		Scan(&stats)

	stats.Report()
}

func (s *store) assertOpen() {
	select {
	case <-s.closed:
		panic("attempted to interact with stopped database store")
	default:
	}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrResourceDoesNotExist
	}
	return err
}

// tx implements storage.Tx on top of a gorm transaction.
type tx struct {
	db *gorm.DB
}

func (t *tx) FindPeer(ctx context.Context, key storage.PeerKey) (storage.Peer, error) {
	var row peerRow
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(identityQuery, identity(key)...).
		Take(&row).Error
	if err != nil {
		return storage.Peer{}, notFound(err)
	}
	return row.peer(), nil
}

func (t *tx) UpsertPeer(ctx context.Context, p storage.Peer) (storage.Peer, error) {
	if err := p.Validate(); err != nil {
		return storage.Peer{}, err
	}
	if p.LastAnnounce.IsZero() {
		p.LastAnnounce = time.Now()
	}
	row := fromPeer(p)
	db := t.db.WithContext(ctx)

	var existing peerRow
	err := db.Select("id").Where(identityQuery, identity(p.Key())...).Take(&existing).Error
	switch {
	case err == nil:
		row.ID = existing.ID
		err = db.Model(&peerRow{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"account_id":    row.AccountID,
			"uploaded":      row.Uploaded,
			"downloaded":    row.Downloaded,
			"bytes_left":    row.Left,
			"event":         row.Event,
			"last_announce": row.LastAnnounce,
		}).Error
		if err != nil {
			return storage.Peer{}, errors.Wrap(err, "failed to update peer")
		}
		return row.peer(), nil

	case errors.Is(err, gorm.ErrRecordNotFound):
		if row.ID == "" {
			row.ID = storage.NewID()
		}

		columns := make([]clause.Column, 0, len(identityColumns))
		for _, c := range identityColumns {
			columns = append(columns, clause.Column{Name: c})
		}

		res := db.Clauses(clause.OnConflict{Columns: columns, DoNothing: true}).
			Omit(clause.Associations).
			Create(&row)
		if res.Error != nil {
			return storage.Peer{}, errors.Wrap(res.Error, "failed to insert peer")
		}
		if res.RowsAffected == 0 {
			return storage.Peer{}, storage.ErrConflict
		}
		return row.peer(), nil

	default:
		return storage.Peer{}, err
	}
}

func (t *tx) DeletePeer(ctx context.Context, key storage.PeerKey) error {
	res := t.db.WithContext(ctx).Where(identityQuery, identity(key)...).Delete(&peerRow{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}

func (t *tx) ApplyDelta(ctx context.Context, accountID string, uploaded, downloaded int64) error {
	res := t.db.WithContext(ctx).Model(&accountRow{}).Where("id = ?", accountID).Updates(map[string]interface{}{
		"uploaded":   gorm.Expr("uploaded + ?", uploaded),
		"downloaded": gorm.Expr("downloaded + ?", downloaded),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}

func (s *store) Update(ctx context.Context, fn func(storage.Tx) error) error {
	s.assertOpen()

	return storage.RetryOnConflict(func() error {
		return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
			return fn(&tx{db: gtx})
		})
	})
}

func (s *store) FindTorrentByInfoHash(ctx context.Context, infoHash string) (storage.Torrent, error) {
	s.assertOpen()

	var row torrentRow
	if err := s.db.WithContext(ctx).Where("info_hash = ?", infoHash).Take(&row).Error; err != nil {
		return storage.Torrent{}, notFound(err)
	}
	return row.torrent(), nil
}

func (s *store) FindTorrentByID(ctx context.Context, id string) (storage.Torrent, error) {
	s.assertOpen()

	var row torrentRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return storage.Torrent{}, notFound(err)
	}
	return row.torrent(), nil
}

func (s *store) FindAccount(ctx context.Context, id string) (storage.Account, error) {
	s.assertOpen()

	var row accountRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		return storage.Account{}, notFound(err)
	}
	return row.account(), nil
}

func (s *store) ActivePeers(ctx context.Context, torrentID string, since time.Time, limit int) ([]storage.Peer, error) {
	s.assertOpen()

	var rows []peerRow
	err := s.db.WithContext(ctx).
		Where("torrent_id = ? AND last_announce >= ?", torrentID, since.UTC()).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	peers := make([]storage.Peer, 0, len(rows))
	for _, row := range rows {
		peers = append(peers, row.peer())
	}
	return peers, nil
}

func (s *store) CountActive(ctx context.Context, torrentID string, since time.Time) (seeders, leechers int64, err error) {
	s.assertOpen()

	var counts struct {
		Seeders  int64
		Leechers int64
	}
	err = s.db.WithContext(ctx).Model(&peerRow{}).
		Select("COALESCE(SUM(CASE WHEN bytes_left = 0 THEN 1 ELSE 0 END), 0) AS seeders, "+
			"COALESCE(SUM(CASE WHEN bytes_left > 0 THEN 1 ELSE 0 END), 0) AS leechers").
		Where("torrent_id = ? AND last_announce >= ?", torrentID, since.UTC()).
		Scan(&counts).Error
	return counts.Seeders, counts.Leechers, err
}

func (s *store) SetSwarmCounts(ctx context.Context, torrentID string, seeders, leechers int64) error {
	s.assertOpen()

	res := s.db.WithContext(ctx).Model(&torrentRow{}).Where("id = ?", torrentID).Updates(map[string]interface{}{
		"seeders":  seeders,
		"leechers": leechers,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrResourceDoesNotExist
	}
	return nil
}

func (s *store) DeleteStalePeers(ctx context.Context, cutoff time.Time) (torrentIDs []string, deleted int64, err error) {
	s.assertOpen()
	cutoff = cutoff.UTC()

	err = s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if err := gtx.Model(&peerRow{}).
			Where("last_announce < ?", cutoff).
			Distinct().
			Pluck("torrent_id", &torrentIDs).Error; err != nil {
			return err
		}

		res := gtx.Where("last_announce < ?", cutoff).Delete(&peerRow{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return nil, 0, err
	}
	return torrentIDs, deleted, nil
}

func (s *store) PutTorrent(ctx context.Context, t storage.Torrent) (storage.Torrent, error) {
	s.assertOpen()
	t = t.Canonical()
	if err := t.Validate(); err != nil {
		return storage.Torrent{}, err
	}

	if _, err := s.FindTorrentByInfoHash(ctx, t.InfoHash); err == nil {
		return storage.Torrent{}, errors.Wrap(storage.ErrInvalidRecord, "info_hash already tracked")
	}
	if t.ID == "" {
		t.ID = storage.NewID()
	}

	row := fromTorrent(t)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storage.Torrent{}, errors.Wrap(err, "failed to insert torrent")
	}
	return row.torrent(), nil
}

// DeleteTorrent removes the peers of the torrent explicitly as well, so that
// the cascade does not depend on the sqlite foreign_keys pragma.
func (s *store) DeleteTorrent(ctx context.Context, id string) error {
	s.assertOpen()

	return s.db.WithContext(ctx).Transaction(func(gtx *gorm.DB) error {
		if err := gtx.Where("torrent_id = ?", id).Delete(&peerRow{}).Error; err != nil {
			return err
		}

		res := gtx.Where("id = ?", id).Delete(&torrentRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return storage.ErrResourceDoesNotExist
		}
		return nil
	})
}

func (s *store) PutAccount(ctx context.Context, a storage.Account) (storage.Account, error) {
	s.assertOpen()
	if err := a.Validate(); err != nil {
		return storage.Account{}, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&accountRow{}).Where("email = ?", a.Email).Count(&count).Error; err != nil {
		return storage.Account{}, err
	}
	if count > 0 {
		return storage.Account{}, errors.Wrap(storage.ErrInvalidRecord, "email already registered")
	}
	if a.ID == "" {
		a.ID = storage.NewID()
	}

	row := fromAccount(a)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return storage.Account{}, errors.Wrap(err, "failed to insert account")
	}
	return row.account(), nil
}

func (s *store) Stop() stop.Result {
	c := make(stop.Channel)
	go func() {
		close(s.closed)
		s.wg.Wait()

		var errs []error
		if sqlDB, err := s.db.DB(); err != nil {
			errs = append(errs, err)
		} else {
			errs = append(errs, sqlDB.Close())
		}
		c.Done(errs...)
	}()
	return c.Result()
}

func (s *store) LogFields() log.Fields {
	return s.cfg.LogFields()
}
