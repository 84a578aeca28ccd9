package middleware

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/chihaya/ratiotracker/bittorrent"
	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/queue"
	"github.com/chihaya/ratiotracker/storage"
)

// Hook abstracts the concept of anything that needs to interact with a
// BitTorrent client's request and response to a BitTorrent tracker.
type Hook interface {
	HandleAnnounce(context.Context, *bittorrent.AnnounceRequest, *bittorrent.AnnounceResponse) (context.Context, error)
	HandleScrape(context.Context, *bittorrent.ScrapeRequest, *bittorrent.ScrapeResponse) (context.Context, error)
}

// Client errors returned by announces and scrapes.
var (
	ErrTorrentNotFound    = bittorrent.ClientError("Torrent not found")
	ErrUserNotFound       = bittorrent.ClientError("User not found")
	ErrFailedToUpdatePeer = bittorrent.ClientError("Failed to update peer")
	ErrNoInfoHash         = bittorrent.ClientError("No info_hash provided")
)

type torrentKey struct{}

// TorrentKey is the key under which the swarm interaction stores the
// storage.Torrent an announce refers to.
var TorrentKey = torrentKey{}

type skipSwarmInteraction struct{}

// SkipSwarmInteractionKey is a key for the context of an Announce to control
// whether the swarm interaction middleware should run.
// Any non-nil value set for this key will cause the swarm interaction
// middleware to skip.
var SkipSwarmInteractionKey = skipSwarmInteraction{}

type swarmInteractionHook struct {
	store storage.Store
	now   func() time.Time
}

// lookup resolves the torrent and the account of an announce.
func (h *swarmInteractionHook) lookup(ctx context.Context, req *bittorrent.AnnounceRequest) (storage.Torrent, storage.Account, error) {
	infoHash, err := bittorrent.NormalizeInfoHash(req.InfoHash)
	if err != nil {
		return storage.Torrent{}, storage.Account{}, err
	}

	torrent, err := h.store.FindTorrentByInfoHash(ctx, infoHash)
	if errors.Is(err, storage.ErrResourceDoesNotExist) {
		return storage.Torrent{}, storage.Account{}, ErrTorrentNotFound
	} else if err != nil {
		return storage.Torrent{}, storage.Account{}, err
	}

	account, err := h.store.FindAccount(ctx, req.UserID)
	if errors.Is(err, storage.ErrResourceDoesNotExist) {
		return storage.Torrent{}, storage.Account{}, ErrUserNotFound
	} else if err != nil {
		return storage.Torrent{}, storage.Account{}, err
	}

	return torrent, account, nil
}

func (h *swarmInteractionHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (_ context.Context, err error) {
	torrent, account, err := h.lookup(ctx, req)
	if err != nil {
		return ctx, err
	}
	ctx = context.WithValue(ctx, TorrentKey, torrent)

	if ctx.Value(SkipSwarmInteractionKey) != nil {
		return ctx, nil
	}

	key := storage.PeerKey{
		TorrentID: torrent.ID,
		PeerID:    req.PeerID,
		IP:        req.IP,
		Port:      req.Port,
	}

	var invalid error
	err = h.store.Update(ctx, func(tx storage.Tx) error {
		invalid = nil

		var before storage.Peer
		existing, err := tx.FindPeer(ctx, key)
		switch {
		case err == nil:
			before = existing
		case errors.Is(err, storage.ErrResourceDoesNotExist):
		default:
			return err
		}

		uploaded := req.Uploaded - before.Uploaded
		downloaded := req.Downloaded - before.Downloaded
		if uploaded > 0 || downloaded > 0 {
			if err := tx.ApplyDelta(ctx, account.ID, uploaded, downloaded); err != nil {
				return errors.Wrap(err, "failed to apply transfer delta")
			}
		}

		if req.Event == bittorrent.Stopped {
			err := tx.DeletePeer(ctx, key)
			if err != nil && !errors.Is(err, storage.ErrResourceDoesNotExist) {
				return err
			}
			return nil
		}

		_, err = tx.UpsertPeer(ctx, storage.Peer{
			TorrentID:    torrent.ID,
			AccountID:    account.ID,
			PeerID:       req.PeerID,
			IP:           req.IP,
			Port:         req.Port,
			Uploaded:     req.Uploaded,
			Downloaded:   req.Downloaded,
			Left:         req.Left,
			Event:        req.PersistedEvent(),
			LastAnnounce: h.now().UTC(),
		})
		if errors.Is(err, storage.ErrInvalidPeer) {
			// The transfer delta is kept, only the peer is rejected.
			invalid = err
			return nil
		}
		return err
	})
	if err != nil {
		return ctx, err
	}

	if invalid != nil {
		log.Warn("rejected peer", req, log.Err(invalid))
		return ctx, ErrFailedToUpdatePeer
	}

	return ctx, nil
}

func (h *swarmInteractionHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes have no effect on the swarm.
	return ctx, nil
}

type skipResponseHook struct{}

// SkipResponseHookKey is a key for the context of an Announce or Scrape to
// control whether the response middleware should run.
// Any non-nil value set for this key will cause the response middleware to
// skip.
var SkipResponseHookKey = skipResponseHook{}

type responseHook struct {
	store        storage.Store
	maxPeers     int
	peerLifetime time.Duration
	now          func() time.Time
}

func (h *responseHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (_ context.Context, err error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	torrent, ok := ctx.Value(TorrentKey).(storage.Torrent)
	if !ok {
		return ctx, ErrTorrentNotFound
	}

	// The counters are the cached ones and lag behind by up to one
	// recomputation.
	resp.Complete = torrent.Seeders
	resp.Incomplete = torrent.Leechers

	since := h.now().Add(-h.peerLifetime)
	peers, err := h.store.ActivePeers(ctx, torrent.ID, since, h.maxPeers)
	if err != nil {
		return ctx, errors.Wrap(err, "failed to load peers")
	}

	resp.Peers = make([]bittorrent.Peer, 0, len(peers))
	for _, p := range peers {
		resp.Peers = append(resp.Peers, p.Endpoint())
	}

	return ctx, nil
}

func (h *responseHook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	if ctx.Value(SkipResponseHookKey) != nil {
		return ctx, nil
	}

	for _, raw := range req.InfoHashes {
		infoHash, err := bittorrent.NormalizeInfoHash(raw)
		if err != nil {
			continue
		}

		torrent, err := h.store.FindTorrentByInfoHash(ctx, infoHash)
		if errors.Is(err, storage.ErrResourceDoesNotExist) {
			continue
		} else if err != nil {
			return ctx, err
		}

		resp.Files = append(resp.Files, bittorrent.Scrape{
			Key:        raw,
			Complete:   torrent.Seeders,
			Incomplete: torrent.Leechers,
			Downloaded: torrent.Completed,
		})
	}

	return ctx, nil
}

// recomputeHook schedules a recomputation of the swarm an announce touched.
type recomputeHook struct {
	store storage.Store
	queue queue.Queue
}

func (h *recomputeHook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	torrent, ok := ctx.Value(TorrentKey).(storage.Torrent)
	if !ok {
		infoHash, err := bittorrent.NormalizeInfoHash(req.InfoHash)
		if err != nil {
			return ctx, err
		}
		if torrent, err = h.store.FindTorrentByInfoHash(ctx, infoHash); err != nil {
			return ctx, err
		}
	}

	err := h.queue.Enqueue(ctx, queue.Task{Name: queue.RecomputeSwarm, TorrentID: torrent.ID})
	return ctx, err
}

func (h *recomputeHook) HandleScrape(ctx context.Context, _ *bittorrent.ScrapeRequest, _ *bittorrent.ScrapeResponse) (context.Context, error) {
	return ctx, nil
}
