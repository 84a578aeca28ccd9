package storage

import (
	"context"
	"net"
	"sort"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func testPeer(torrentID, accountID, peerID string, ip string, port int64, left int64, lastAnnounce time.Time) Peer {
	return Peer{
		TorrentID:    torrentID,
		AccountID:    accountID,
		PeerID:       peerID,
		IP:           net.ParseIP(ip).To4(),
		Port:         port,
		Left:         left,
		LastAnnounce: lastAnnounce,
	}
}

func upsert(t *testing.T, s Store, p Peer) Peer {
	var stored Peer
	err := s.Update(context.Background(), func(tx Tx) (err error) {
		stored, err = tx.UpsertPeer(context.Background(), p)
		return err
	})
	require.NoError(t, err)
	return stored
}

// TestStore tests a Store implementation against the interface.
func TestStore(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	torrent, err := s.PutTorrent(ctx, Torrent{
		InfoHash: "0123456789abcdef0123456789abcdef01234567",
		Name:     "Test Movie",
		Size:     1 << 20,
	})
	require.NoError(t, err)
	require.NotEmpty(t, torrent.ID)

	other, err := s.PutTorrent(ctx, Torrent{
		InfoHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Name:     "Other",
		Size:     1,
	})
	require.NoError(t, err)

	_, err = s.PutTorrent(ctx, Torrent{InfoHash: "short", Name: "x", Size: 1})
	require.True(t, errors.Is(err, ErrInvalidRecord))

	_, err = s.PutTorrent(ctx, Torrent{InfoHash: "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", Name: "x", Size: 1})
	require.True(t, errors.Is(err, ErrInvalidRecord))

	// Uppercase hex is stored in the canonical form announces look up.
	upper, err := s.PutTorrent(ctx, Torrent{
		InfoHash: "BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB",
		Name:     "Upper",
		Size:     1,
	})
	require.NoError(t, err)
	require.Equal(t, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", upper.InfoHash)
	found, err := s.FindTorrentByInfoHash(ctx, "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	require.Equal(t, upper.ID, found.ID)

	_, err = s.PutTorrent(ctx, Torrent{InfoHash: "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", Name: "Dup", Size: 1})
	require.True(t, errors.Is(err, ErrInvalidRecord))

	account, err := s.PutAccount(ctx, Account{Email: "user@example.com"})
	require.NoError(t, err)
	require.NotEmpty(t, account.ID)

	_, err = s.PutAccount(ctx, Account{Email: "not an email"})
	require.True(t, errors.Is(err, ErrInvalidRecord))

	// Lookups.
	found, err = s.FindTorrentByInfoHash(ctx, torrent.InfoHash)
	require.NoError(t, err)
	require.Equal(t, torrent.ID, found.ID)
	require.Equal(t, "Test Movie", found.Name)

	_, err = s.FindTorrentByInfoHash(ctx, "ffffffffffffffffffffffffffffffffffffffff")
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	found, err = s.FindTorrentByID(ctx, torrent.ID)
	require.NoError(t, err)
	require.Equal(t, torrent.InfoHash, found.InfoHash)

	_, err = s.FindTorrentByID(ctx, "invalid-uuid")
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	_, err = s.FindAccount(ctx, "invalid-uuid")
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	// Unit of work: insert, read back, credit.
	p := testPeer(torrent.ID, account.ID, "-TEST01-000000000001", "10.0.0.1", 6881, 100, now)
	err = s.Update(ctx, func(tx Tx) error {
		_, err := tx.FindPeer(ctx, p.Key())
		require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

		stored, err := tx.UpsertPeer(ctx, p)
		require.NoError(t, err)
		require.NotEmpty(t, stored.ID)

		return tx.ApplyDelta(ctx, account.ID, 1024, 2048)
	})
	require.NoError(t, err)

	err = s.Update(ctx, func(tx Tx) error {
		existing, err := tx.FindPeer(ctx, p.Key())
		require.NoError(t, err)
		require.Equal(t, int64(100), existing.Left)
		require.True(t, p.IP.Equal(existing.IP))

		p.Left = 0
		p.Uploaded = 10
		p.Event = "completed"
		updated, err := tx.UpsertPeer(ctx, p)
		require.NoError(t, err)
		require.Equal(t, existing.ID, updated.ID)
		return nil
	})
	require.NoError(t, err)

	acc, err := s.FindAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1024), acc.Uploaded)
	require.Equal(t, int64(2048), acc.Downloaded)

	// A failing unit of work leaves nothing behind.
	failure := errors.New("boom")
	rolledBack := testPeer(torrent.ID, account.ID, "-TEST01-000000000002", "10.0.0.2", 6881, 5, now)
	err = s.Update(ctx, func(tx Tx) error {
		_, err := tx.UpsertPeer(ctx, rolledBack)
		require.NoError(t, err)
		require.NoError(t, tx.ApplyDelta(ctx, account.ID, 1, 1))
		return failure
	})
	require.Equal(t, failure, errors.Cause(err))

	err = s.Update(ctx, func(tx Tx) error {
		_, err := tx.FindPeer(ctx, rolledBack.Key())
		return err
	})
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	acc, err = s.FindAccount(ctx, account.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1024), acc.Uploaded)

	// Conflicts are retried.
	attempts := 0
	err = s.Update(ctx, func(tx Tx) error {
		attempts++
		if attempts == 1 {
			return errors.Wrap(ErrConflict, "simulated")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)

	attempts = 0
	err = s.Update(ctx, func(tx Tx) error {
		attempts++
		return ErrConflict
	})
	require.True(t, errors.Is(err, ErrConflict))
	require.Equal(t, MaxUpdateAttempts, attempts)

	// Validation.
	var table = []Peer{
		testPeer(torrent.ID, account.ID, "-TEST01-000000000003", "10.0.0.3", 70000, 0, now),
		testPeer(torrent.ID, account.ID, "-TEST01-000000000003", "10.0.0.3", 0, 0, now),
		testPeer(torrent.ID, account.ID, "short", "10.0.0.3", 6881, 0, now),
		testPeer(torrent.ID, account.ID, "-TEST01-000000000003", "10.0.0.3", 6881, -1, now),
		{TorrentID: torrent.ID, AccountID: account.ID, PeerID: "-TEST01-000000000003", IP: net.ParseIP("::1"), Port: 6881},
	}
	for _, invalid := range table {
		err = s.Update(ctx, func(tx Tx) error {
			_, err := tx.UpsertPeer(ctx, invalid)
			return err
		})
		require.True(t, errors.Is(err, ErrInvalidPeer), "expected invalid peer for %v", invalid.LogFields())
	}

	err = s.Update(ctx, func(tx Tx) error {
		return tx.ApplyDelta(ctx, "invalid-uuid", 1, 1)
	})
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	err = s.Update(ctx, func(tx Tx) error {
		return tx.DeletePeer(ctx, rolledBack.Key())
	})
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	// Activity window.
	upsert(t, s, testPeer(torrent.ID, account.ID, "-TEST01-000000000004", "10.0.0.4", 6881, 0, now.Add(-59*time.Minute)))
	upsert(t, s, testPeer(torrent.ID, account.ID, "-TEST01-000000000005", "10.0.0.5", 6881, 10, now))
	upsert(t, s, testPeer(torrent.ID, account.ID, "-TEST01-000000000006", "10.0.0.6", 6881, 10, now))
	upsert(t, s, testPeer(torrent.ID, account.ID, "-TEST01-000000000007", "10.0.0.7", 6881, 10, now.Add(-61*time.Minute)))
	upsert(t, s, testPeer(other.ID, account.ID, "-TEST01-000000000008", "10.0.0.8", 6881, 10, now.Add(-2*time.Hour)))

	since := now.Add(-time.Hour)

	seeders, leechers, err := s.CountActive(ctx, torrent.ID, since)
	require.NoError(t, err)
	require.Equal(t, int64(2), seeders)
	require.Equal(t, int64(2), leechers)

	peers, err := s.ActivePeers(ctx, torrent.ID, since, 50)
	require.NoError(t, err)
	require.Len(t, peers, 4)

	peers, err = s.ActivePeers(ctx, torrent.ID, since, 2)
	require.NoError(t, err)
	require.Len(t, peers, 2)

	require.NoError(t, s.SetSwarmCounts(ctx, torrent.ID, seeders, leechers))
	found, err = s.FindTorrentByID(ctx, torrent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), found.Seeders)
	require.Equal(t, int64(2), found.Leechers)

	err = s.SetSwarmCounts(ctx, "invalid-uuid", 1, 1)
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	// Reaping is strict on the cutoff and reports every affected torrent.
	torrentIDs, deleted, err := s.DeleteStalePeers(ctx, since)
	require.NoError(t, err)
	require.Equal(t, int64(2), deleted)
	sort.Strings(torrentIDs)
	expected := []string{torrent.ID, other.ID}
	sort.Strings(expected)
	require.Equal(t, expected, torrentIDs)

	torrentIDs, deleted, err = s.DeleteStalePeers(ctx, since)
	require.NoError(t, err)
	require.Equal(t, int64(0), deleted)
	require.Empty(t, torrentIDs)

	// Stopped peers are removed.
	err = s.Update(ctx, func(tx Tx) error {
		return tx.DeletePeer(ctx, p.Key())
	})
	require.NoError(t, err)
	seeders, leechers, err = s.CountActive(ctx, torrent.ID, since)
	require.NoError(t, err)
	require.Equal(t, int64(1), seeders)
	require.Equal(t, int64(2), leechers)

	// Deleting a torrent cascades to its peers.
	require.NoError(t, s.DeleteTorrent(ctx, torrent.ID))
	_, err = s.FindTorrentByID(ctx, torrent.ID)
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	peers, err = s.ActivePeers(ctx, torrent.ID, since, 50)
	require.NoError(t, err)
	require.Empty(t, peers)

	err = s.DeleteTorrent(ctx, torrent.ID)
	require.Equal(t, ErrResourceDoesNotExist, errors.Cause(err))

	e := s.Stop()
	require.Nil(t, <-e)
}
