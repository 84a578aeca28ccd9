package middleware

import (
	"context"
	"time"

	"github.com/chihaya/ratiotracker/bittorrent"
	"github.com/chihaya/ratiotracker/frontend"
	"github.com/chihaya/ratiotracker/pkg/log"
	"github.com/chihaya/ratiotracker/pkg/stop"
	"github.com/chihaya/ratiotracker/queue"
	"github.com/chihaya/ratiotracker/storage"
)

// Default config constants.
const (
	defaultAnnounceInterval = 30 * time.Minute
	defaultMaxPeers         = 50
	defaultPeerLifetime     = time.Hour
)

// ResponseConfig holds the configuration used for the actual response.
type ResponseConfig struct {
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	MaxPeers         int           `yaml:"max_peers"`
	PeerLifetime     time.Duration `yaml:"peer_lifetime"`
}

// LogFields renders the current config as a set of Logrus fields.
func (cfg ResponseConfig) LogFields() log.Fields {
	return log.Fields{
		"announceInterval": cfg.AnnounceInterval,
		"maxPeers":         cfg.MaxPeers,
		"peerLifetime":     cfg.PeerLifetime,
	}
}

// Validate sanity checks values set in a config and returns a new config with
// default values replacing anything that is invalid.
//
// This function warns to the logger when a value is changed.
func (cfg ResponseConfig) Validate() ResponseConfig {
	validcfg := cfg

	if cfg.AnnounceInterval <= 0 {
		validcfg.AnnounceInterval = defaultAnnounceInterval
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "AnnounceInterval",
			"provided": cfg.AnnounceInterval,
			"default":  validcfg.AnnounceInterval,
		})
	}

	if cfg.MaxPeers <= 0 {
		validcfg.MaxPeers = defaultMaxPeers
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "MaxPeers",
			"provided": cfg.MaxPeers,
			"default":  validcfg.MaxPeers,
		})
	}

	if cfg.PeerLifetime <= 0 {
		validcfg.PeerLifetime = defaultPeerLifetime
		log.Warn("falling back to default configuration", log.Fields{
			"name":     "PeerLifetime",
			"provided": cfg.PeerLifetime,
			"default":  validcfg.PeerLifetime,
		})
	}

	return validcfg
}

var _ frontend.TrackerLogic = &Logic{}

// NewLogic creates a new instance of a TrackerLogic that executes the provided
// pre hooks before the built-in swarm interaction and response hooks, and the
// post hooks once a response was delivered.
//
// Every announce that reaches the post hooks schedules a recomputation of
// its swarm on q.
func NewLogic(provided ResponseConfig, s storage.Store, q queue.Queue, preHooks, postHooks []Hook) *Logic {
	cfg := provided.Validate()

	l := &Logic{
		announceInterval: cfg.AnnounceInterval,
		store:            s,
		now:              time.Now,
	}

	swarm := &swarmInteractionHook{store: s, now: l.clock}
	response := &responseHook{
		store:        s,
		maxPeers:     cfg.MaxPeers,
		peerLifetime: cfg.PeerLifetime,
		now:          l.clock,
	}

	l.preHooks = append(append(preHooks, swarm), response)
	l.postHooks = append(postHooks, &recomputeHook{store: s, queue: q})
	return l
}

// Logic is an implementation of the TrackerLogic that functions by
// executing a series of middleware hooks.
type Logic struct {
	announceInterval time.Duration
	store            storage.Store
	now              func() time.Time
	preHooks         []Hook
	postHooks        []Hook
}

func (l *Logic) clock() time.Time { return l.now() }

// HandleAnnounce generates a response for an Announce.
func (l *Logic) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest) (resp *bittorrent.AnnounceResponse, err error) {
	resp = &bittorrent.AnnounceResponse{
		Interval: l.announceInterval,
	}
	for _, h := range l.preHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	log.Debug("generated announce response", resp)
	return resp, nil
}

// AfterAnnounce does something with the results of an Announce after it has
// been completed.
func (l *Logic) AfterAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) {
	var err error
	for _, h := range l.postHooks {
		if ctx, err = h.HandleAnnounce(ctx, req, resp); err != nil {
			log.Error("post-announce hooks failed", req, log.Err(err))
			return
		}
	}
}

// HandleScrape generates a response for a Scrape.
func (l *Logic) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest) (resp *bittorrent.ScrapeResponse, err error) {
	if len(req.InfoHashes) == 0 {
		return nil, ErrNoInfoHash
	}

	resp = &bittorrent.ScrapeResponse{
		Files: make([]bittorrent.Scrape, 0, len(req.InfoHashes)),
	}
	for _, h := range l.preHooks {
		if ctx, err = h.HandleScrape(ctx, req, resp); err != nil {
			return nil, err
		}
	}

	log.Debug("generated scrape response", resp)
	return resp, nil
}

// Stop stops the Logic.
//
// This stops any hooks that implement stop.Stopper.
func (l *Logic) Stop() stop.Result {
	stopGroup := stop.NewGroup()
	for _, hook := range l.preHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	for _, hook := range l.postHooks {
		stoppable, ok := hook.(stop.Stopper)
		if ok {
			stopGroup.Add(stoppable)
		}
	}

	return stopGroup.Stop()
}
