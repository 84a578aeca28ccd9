package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/queue"
	"github.com/chihaya/ratiotracker/storage"
	"github.com/chihaya/ratiotracker/storage/memory"
)

type recordingQueue struct {
	sync.Mutex
	tasks []queue.Task
	err   error
}

func (q *recordingQueue) Enqueue(_ context.Context, t queue.Task) error {
	q.Lock()
	defer q.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *recordingQueue) Stop() stop.Result {
	c := make(stop.Channel)
	go c.Done()
	return c.Result()
}

type fakeLocker struct {
	lockErr  error
	locked   int
	unlocked int
}

func (l *fakeLocker) Lock() error {
	if l.lockErr != nil {
		return l.lockErr
	}
	l.locked++
	return nil
}

func (l *fakeLocker) Unlock() (bool, error) {
	l.unlocked++
	return true, nil
}

type fixture struct {
	store   storage.Store
	torrent storage.Torrent
	account storage.Account
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	s, err := memory.New(memory.Config{PrometheusReportingInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { <-s.Stop() })

	ctx := context.Background()
	torrent, err := s.PutTorrent(ctx, storage.Torrent{
		InfoHash: "0123456789abcdef0123456789abcdef01234567",
		Name:     "Test Movie",
		Size:     1 << 20,
	})
	require.NoError(t, err)

	account, err := s.PutAccount(ctx, storage.Account{Email: "user@example.com"})
	require.NoError(t, err)

	return &fixture{store: s, torrent: torrent, account: account, now: time.Now().UTC()}
}

func (f *fixture) addPeer(t *testing.T, n int, left int64, age time.Duration) {
	p := storage.Peer{
		TorrentID:    f.torrent.ID,
		AccountID:    f.account.ID,
		PeerID:       fmt.Sprintf("-TEST01-%012d", n),
		IP:           net.IPv4(10, 0, 0, byte(n)),
		Port:         6881,
		Left:         left,
		LastAnnounce: f.now.Add(-age),
	}
	err := f.store.Update(context.Background(), func(tx storage.Tx) error {
		_, err := tx.UpsertPeer(context.Background(), p)
		return err
	})
	require.NoError(t, err)
}

func TestRecompute(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, 1, 0, time.Minute)
	f.addPeer(t, 2, 0, 59*time.Minute)
	f.addPeer(t, 3, 100, time.Minute)
	f.addPeer(t, 4, 100, 30*time.Minute)
	f.addPeer(t, 5, 0, 61*time.Minute)
	f.addPeer(t, 6, 100, 61*time.Minute)

	r := NewRecomputer(f.store, time.Hour)
	r.now = func() time.Time { return f.now }

	ctx := context.Background()
	require.NoError(t, r.Recompute(ctx, f.torrent.ID))

	torrent, err := f.store.FindTorrentByID(ctx, f.torrent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), torrent.Seeders)
	require.Equal(t, int64(2), torrent.Leechers)

	// Idempotent.
	require.NoError(t, r.Recompute(ctx, f.torrent.ID))
	torrent, err = f.store.FindTorrentByID(ctx, f.torrent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), torrent.Seeders)
	require.Equal(t, int64(2), torrent.Leechers)
}

func TestRecomputeMissingTorrent(t *testing.T) {
	f := newFixture(t)
	r := NewRecomputer(f.store, 0)
	require.NoError(t, r.Recompute(context.Background(), storage.NewID()))
}

func TestRecomputeHandlesTasks(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, 1, 0, time.Minute)

	d := queue.NewDispatcher()
	NewRecomputer(f.store, time.Hour).Register(d)

	ctx := context.Background()
	require.NoError(t, d.Dispatch(ctx, queue.Task{Name: queue.RecomputeSwarm, TorrentID: f.torrent.ID}))

	torrent, err := f.store.FindTorrentByID(ctx, f.torrent.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), torrent.Seeders)
	require.Equal(t, int64(0), torrent.Leechers)
}

func TestSweep(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, 1, 0, time.Minute)
	f.addPeer(t, 2, 100, 59*time.Minute)
	f.addPeer(t, 3, 0, 61*time.Minute)
	f.addPeer(t, 4, 100, 2*time.Hour)

	q := &recordingQueue{}
	l := &fakeLocker{}
	r := NewReaper(Config{Interval: time.Minute, PeerLifetime: time.Hour}, f.store, q, l)
	r.now = func() time.Time { return f.now }

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{Deleted: 2, Torrents: 1}, result)
	require.Equal(t, []queue.Task{{Name: queue.RecomputeSwarm, TorrentID: f.torrent.ID}}, q.tasks)
	require.Equal(t, 1, l.locked)
	require.Equal(t, 1, l.unlocked)

	seeders, leechers, err := f.store.CountActive(context.Background(), f.torrent.ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(1), seeders)
	require.Equal(t, int64(1), leechers)

	// Nothing left to delete.
	result, err = r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, result)
	require.Len(t, q.tasks, 1)
}

func TestSweepSkipsWithoutLock(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, 1, 0, 2*time.Hour)

	q := &recordingQueue{}
	l := &fakeLocker{lockErr: errors.New("taken")}
	r := NewReaper(Config{}, f.store, q, l)
	r.now = func() time.Time { return f.now }

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.True(t, result.Skipped)
	require.Equal(t, 0, l.unlocked)

	seeders, _, err := f.store.CountActive(context.Background(), f.torrent.ID, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(1), seeders)
}

func TestSweepIgnoresEnqueueFailures(t *testing.T) {
	f := newFixture(t)
	f.addPeer(t, 1, 0, 2*time.Hour)

	q := &recordingQueue{err: queue.ErrQueueFull}
	r := NewReaper(Config{}, f.store, q, nil)
	r.now = func() time.Time { return f.now }

	result, err := r.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Deleted)
}

func TestReaperStop(t *testing.T) {
	f := newFixture(t)
	r := NewReaper(Config{Interval: time.Millisecond}, f.store, &recordingQueue{}, nil)
	r.Start()
	require.Empty(t, <-r.Stop())
	require.Empty(t, <-r.Stop())
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{}.Validate()
	require.Equal(t, defaultReapInterval, cfg.Interval)
	require.Equal(t, DefaultPeerLifetime, cfg.PeerLifetime)
}
