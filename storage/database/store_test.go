package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	s "github.com/chihaya/ratiotracker/storage"
)

func createNew(t *testing.T) s.Store {
	st, err := NewSqlite(Config{
		Dsn:                         ":memory:",
		PrometheusReportingInterval: 10 * time.Minute,
	})
	require.NoError(t, err)
	return st
}

func TestStore(t *testing.T) { s.TestStore(t, createNew(t)) }

func TestPeerIDRoundTripsArbitraryBytes(t *testing.T) {
	st := createNew(t)
	defer func() { <-st.Stop() }()
	ctx := context.Background()

	torrent, err := st.PutTorrent(ctx, s.Torrent{InfoHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Name: "bin", Size: 1})
	require.NoError(t, err)
	account, err := st.PutAccount(ctx, s.Account{Email: "bin@example.com"})
	require.NoError(t, err)

	p := s.Peer{
		TorrentID: torrent.ID,
		AccountID: account.ID,
		PeerID:    "\x00\xff\x01\xfe-binary-peer-id-",
		IP:        []byte{10, 0, 0, 1},
		Port:      6881,
	}
	require.Len(t, p.PeerID, 20)

	err = st.Update(ctx, func(tx s.Tx) error {
		_, err := tx.UpsertPeer(ctx, p)
		return err
	})
	require.NoError(t, err)

	err = st.Update(ctx, func(tx s.Tx) error {
		got, err := tx.FindPeer(ctx, p.Key())
		require.NoError(t, err)
		require.Equal(t, p.PeerID, got.PeerID)
		return nil
	})
	require.NoError(t, err)
}

func TestUpsertPeerLosesInsertRace(t *testing.T) {
	st := createNew(t)
	defer func() { <-st.Stop() }()
	ctx := context.Background()

	torrent, err := st.PutTorrent(ctx, s.Torrent{InfoHash: "dddddddddddddddddddddddddddddddddddddddd", Name: "race", Size: 1})
	require.NoError(t, err)
	account, err := st.PutAccount(ctx, s.Account{Email: "race@example.com"})
	require.NoError(t, err)

	// Insert the same identity right before the first peer insert, as a
	// concurrent announce committing in between would.
	raced := false
	db := st.(*store).db
	err = db.Callback().Create().Before("gorm:create").Register("test:concurrent_insert", func(gdb *gorm.DB) {
		row, ok := gdb.Statement.Dest.(*peerRow)
		if !ok || raced {
			return
		}
		raced = true

		dup := *row
		dup.ID = s.NewID()
		if err := gdb.Session(&gorm.Session{NewDB: true}).Omit(clause.Associations).Create(&dup).Error; err != nil {
			gdb.AddError(err)
		}
	})
	require.NoError(t, err)

	p := s.Peer{
		TorrentID: torrent.ID,
		AccountID: account.ID,
		PeerID:    "-TEST01-6wfG2wk6wWLc",
		IP:        []byte{10, 0, 0, 1},
		Port:      6881,
	}

	var attempts []error
	err = st.Update(ctx, func(tx s.Tx) error {
		_, err := tx.UpsertPeer(ctx, p)
		attempts = append(attempts, err)
		return err
	})
	require.NoError(t, err)
	require.True(t, raced)
	require.Len(t, attempts, 2)
	require.Equal(t, s.ErrConflict, attempts[0])
	require.NoError(t, attempts[1])

	peers, err := st.ActivePeers(ctx, torrent.ID, time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, peers, 1)
}

func TestMagnetAnnounceURLsPersist(t *testing.T) {
	st := createNew(t)
	defer func() { <-st.Stop() }()
	ctx := context.Background()

	torrent, err := st.PutTorrent(ctx, s.Torrent{
		InfoHash:     "cccccccccccccccccccccccccccccccccccccccc",
		Name:         "urls",
		Size:         1,
		AnnounceURLs: []string{"http://tracker1.com/announce", "http://tracker2.com/announce"},
	})
	require.NoError(t, err)

	found, err := st.FindTorrentByID(ctx, torrent.ID)
	require.NoError(t, err)
	require.Equal(t, torrent.AnnounceURLs, found.AnnounceURLs)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}.Validate()
	require.Equal(t, defaultDsn, cfg.Dsn)
	require.Equal(t, defaultMaxOpenConns, cfg.MaxOpenConns)
	require.Equal(t, defaultPrometheusReportingInterval, cfg.PrometheusReportingInterval)
}
