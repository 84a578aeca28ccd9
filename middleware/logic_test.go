package middleware

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/chihaya/ratiotracker/bittorrent"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/queue"
	"github.com/chihaya/ratiotracker/storage"
	"github.com/chihaya/ratiotracker/storage/memory"
)

const (
	testInfoHash = "0123456789abcdef0123456789abcdef01234567"
	testPeerID   = "-TEST01-6wfG2wk6wWLc"
)

type recordingQueue struct {
	sync.Mutex
	tasks []queue.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, t queue.Task) error {
	q.Lock()
	defer q.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *recordingQueue) Stop() stop.Result {
	return stop.AlreadyStopped
}

type fixture struct {
	store   storage.Store
	queue   *recordingQueue
	logic   *Logic
	torrent storage.Torrent
	account storage.Account
	now     time.Time
}

func newFixture(t *testing.T, hooks ...Hook) *fixture {
	s, err := memory.New(memory.Config{PrometheusReportingInterval: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { <-s.Stop() })

	ctx := context.Background()
	torrent, err := s.PutTorrent(ctx, storage.Torrent{
		InfoHash: testInfoHash,
		Name:     "Test Movie",
		Size:     1 << 20,
	})
	require.NoError(t, err)

	account, err := s.PutAccount(ctx, storage.Account{Email: "user@example.com"})
	require.NoError(t, err)

	q := &recordingQueue{}
	f := &fixture{
		store:   s,
		queue:   q,
		logic:   NewLogic(ResponseConfig{}, s, q, hooks, nil),
		torrent: torrent,
		account: account,
		now:     time.Now().UTC().Truncate(time.Second),
	}
	f.logic.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) request(uploaded, downloaded, left int64) *bittorrent.AnnounceRequest {
	return &bittorrent.AnnounceRequest{
		InfoHash:   testInfoHash,
		PeerID:     testPeerID,
		UserID:     f.account.ID,
		Port:       6881,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		IP:         net.ParseIP("192.168.1.1"),
	}
}

func (f *fixture) peers(t *testing.T) []storage.Peer {
	peers, err := f.store.ActivePeers(context.Background(), f.torrent.ID, time.Time{}, 100)
	require.NoError(t, err)
	return peers
}

func (f *fixture) loadAccount(t *testing.T) storage.Account {
	a, err := f.store.FindAccount(context.Background(), f.account.ID)
	require.NoError(t, err)
	return a
}

func TestAnnounceCreatesPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request(0, 0, 100)
	req.Event = bittorrent.Started
	resp, err := f.logic.HandleAnnounce(ctx, req)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, resp.Interval)
	require.Equal(t, []bittorrent.Peer{{IP: net.IPv4(192, 168, 1, 1).To4(), Port: 6881}}, resp.Peers)

	peers := f.peers(t)
	require.Len(t, peers, 1)
	require.Equal(t, "started", peers[0].Event)
	require.Equal(t, f.account.ID, peers[0].AccountID)
	require.Equal(t, int64(100), peers[0].Left)
	require.True(t, f.now.Equal(peers[0].LastAnnounce))
}

func TestAnnounceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.logic.HandleAnnounce(ctx, f.request(0, 0, 100))
		require.NoError(t, err)
	}

	require.Len(t, f.peers(t), 1)
}

func TestAnnounceAppliesDeltas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.logic.HandleAnnounce(ctx, f.request(1024, 512, 100))
	require.NoError(t, err)
	a := f.loadAccount(t)
	require.Equal(t, int64(1024), a.Uploaded)
	require.Equal(t, int64(512), a.Downloaded)

	_, err = f.logic.HandleAnnounce(ctx, f.request(3072, 512, 100))
	require.NoError(t, err)
	a = f.loadAccount(t)
	require.Equal(t, int64(3072), a.Uploaded)
	require.Equal(t, int64(512), a.Downloaded)

	// A repeated report credits nothing.
	_, err = f.logic.HandleAnnounce(ctx, f.request(3072, 512, 100))
	require.NoError(t, err)
	require.Equal(t, int64(3072), f.loadAccount(t).Uploaded)
}

func TestAnnounceAppliesBothDeltasWhenOneIsPositive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.logic.HandleAnnounce(ctx, f.request(1000, 1000, 100))
	require.NoError(t, err)

	// The client restarted its download counter.
	_, err = f.logic.HandleAnnounce(ctx, f.request(1500, 200, 100))
	require.NoError(t, err)

	a := f.loadAccount(t)
	require.Equal(t, int64(1500), a.Uploaded)
	require.Equal(t, int64(200), a.Downloaded)
}

func TestAnnounceStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.logic.HandleAnnounce(ctx, f.request(1024, 0, 100))
	require.NoError(t, err)

	req := f.request(2048, 0, 100)
	req.Event = bittorrent.Stopped
	resp, err := f.logic.HandleAnnounce(ctx, req)
	require.NoError(t, err)
	require.Empty(t, resp.Peers)

	require.Empty(t, f.peers(t))
	require.Equal(t, int64(2048), f.loadAccount(t).Uploaded)

	// Stopping an unknown peer is not an error.
	_, err = f.logic.HandleAnnounce(ctx, req)
	require.NoError(t, err)
}

func TestAnnounceNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request(0, 0, 0)
	req.InfoHash = "ffffffffffffffffffffffffffffffffffffffff"
	_, err := f.logic.HandleAnnounce(ctx, req)
	require.Equal(t, ErrTorrentNotFound, err)

	req = f.request(0, 0, 0)
	req.UserID = storage.NewID()
	_, err = f.logic.HandleAnnounce(ctx, req)
	require.Equal(t, ErrUserNotFound, err)

	req = f.request(0, 0, 0)
	req.InfoHash = ""
	_, err = f.logic.HandleAnnounce(ctx, req)
	require.Equal(t, bittorrent.ErrInvalidInfoHash, err)

	require.Empty(t, f.peers(t))
}

func TestAnnounceRawInfoHash(t *testing.T) {
	f := newFixture(t)

	req := f.request(0, 0, 0)
	req.InfoHash = "\x01\x23\x45\x67\x89\xab\xcd\xef\x01\x23\x45\x67\x89\xab\xcd\xef\x01\x23\x45\x67"
	_, err := f.logic.HandleAnnounce(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, f.peers(t), 1)
}

func TestAnnounceInvalidPeerKeepsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request(1024, 0, 100)
	req.Port = 70000
	_, err := f.logic.HandleAnnounce(ctx, req)
	require.Equal(t, ErrFailedToUpdatePeer, err)

	require.Empty(t, f.peers(t))
	require.Equal(t, int64(1024), f.loadAccount(t).Uploaded)
}

func TestAnnounceUnknownEventKeepsLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request(1024, 0, 100)
	req.EventName = "paused"
	_, err := f.logic.HandleAnnounce(ctx, req)
	require.Equal(t, ErrFailedToUpdatePeer, err)

	require.Empty(t, f.peers(t))
	require.Equal(t, int64(1024), f.loadAccount(t).Uploaded)
}

func TestAnnounceEventNamesAreCaseSensitive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.logic.HandleAnnounce(ctx, f.request(0, 0, 100))
	require.NoError(t, err)

	// Only "stopped" removes the peer.
	req := f.request(512, 0, 100)
	req.EventName = "STOPPED"
	_, err = f.logic.HandleAnnounce(ctx, req)
	require.Equal(t, ErrFailedToUpdatePeer, err)

	peers := f.peers(t)
	require.Len(t, peers, 1)
	require.Equal(t, "", peers[0].Event)
	require.Equal(t, int64(512), f.loadAccount(t).Uploaded)
}

func TestAnnounceResponseCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SetSwarmCounts(ctx, f.torrent.ID, 7, 3))

	resp, err := f.logic.HandleAnnounce(ctx, f.request(0, 0, 0))
	require.NoError(t, err)
	require.Equal(t, int64(7), resp.Complete)
	require.Equal(t, int64(3), resp.Incomplete)
}

func TestAnnounceSkipsInactivePeers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale := f.request(0, 0, 0)
	stale.PeerID = "-TEST01-000000000000"
	stale.IP = net.ParseIP("10.0.0.2")
	f.logic.now = func() time.Time { return f.now.Add(-61 * time.Minute) }
	_, err := f.logic.HandleAnnounce(ctx, stale)
	require.NoError(t, err)

	f.logic.now = func() time.Time { return f.now }
	resp, err := f.logic.HandleAnnounce(ctx, f.request(0, 0, 0))
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	require.Equal(t, uint16(6881), resp.Peers[0].Port)
	require.True(t, resp.Peers[0].IP.Equal(net.ParseIP("192.168.1.1")))
}

func TestAfterAnnounceEnqueuesRecompute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := f.request(0, 0, 0)
	resp, err := f.logic.HandleAnnounce(ctx, req)
	require.NoError(t, err)

	f.logic.AfterAnnounce(context.Background(), req, resp)
	require.Equal(t, []queue.Task{{Name: queue.RecomputeSwarm, TorrentID: f.torrent.ID}}, f.queue.tasks)
}

func TestScrape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.SetSwarmCounts(ctx, f.torrent.ID, 2, 1))

	upper := "0123456789ABCDEF0123456789ABCDEF01234567"
	resp, err := f.logic.HandleScrape(ctx, &bittorrent.ScrapeRequest{InfoHashes: []string{
		upper,
		"ffffffffffffffffffffffffffffffffffffffff",
		"",
	}})
	require.NoError(t, err)
	require.Equal(t, []bittorrent.Scrape{{Key: upper, Complete: 2, Incomplete: 1}}, resp.Files)

	_, err = f.logic.HandleScrape(ctx, &bittorrent.ScrapeRequest{})
	require.Equal(t, ErrNoInfoHash, err)
}

type denyHook struct{ called bool }

var errDenied = bittorrent.ClientError("denied")

func (h *denyHook) HandleAnnounce(ctx context.Context, _ *bittorrent.AnnounceRequest, _ *bittorrent.AnnounceResponse) (context.Context, error) {
	h.called = true
	return ctx, errDenied
}

func (h *denyHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}

func TestPreHooksRunBeforeSwarmInteraction(t *testing.T) {
	h := &denyHook{}
	f := newFixture(t, h)

	_, err := f.logic.HandleAnnounce(context.Background(), f.request(1024, 0, 0))
	require.True(t, errors.Is(err, errDenied))
	require.True(t, h.called)

	require.Empty(t, f.peers(t))
	require.Equal(t, int64(0), f.loadAccount(t).Uploaded)
}

func TestUnknownHookDriver(t *testing.T) {
	_, err := HooksFromHookConfigs([]HookConfig{{Name: "does-not-exist"}})
	require.Equal(t, ErrDriverDoesNotExist, err)
}

func TestResponseConfigValidate(t *testing.T) {
	cfg := ResponseConfig{}.Validate()
	require.Equal(t, defaultAnnounceInterval, cfg.AnnounceInterval)
	require.Equal(t, defaultMaxPeers, cfg.MaxPeers)
	require.Equal(t, defaultPeerLifetime, cfg.PeerLifetime)
}
