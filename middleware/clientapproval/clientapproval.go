// Package clientapproval implements a Hook that fails an Announce based on a
// whitelist or blacklist of BitTorrent client IDs.
package clientapproval

import (
	"context"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/chihaya/ratiotracker/bittorrent"
	"github.com/chihaya/ratiotracker/middleware"
)

// Name is the name by which this middleware is registered.
const Name = "client approval"

func init() {
	middleware.RegisterDriver(Name, driver{})
}

var _ middleware.Driver = driver{}

type driver struct{}

func (d driver) NewHook(optionBytes []byte) (middleware.Hook, error) {
	var cfg Config
	err := yaml.Unmarshal(optionBytes, &cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid options for middleware %s", Name)
	}

	return NewHook(cfg)
}

// ErrClientUnapproved is the error returned when a client's peer_id is
// refused.
var ErrClientUnapproved = bittorrent.ClientError("unapproved client")

// Config represents all the values required by this middleware to validate
// peers based on their BitTorrent client ID.
type Config struct {
	Whitelist []string `yaml:"whitelist"`
	Blacklist []string `yaml:"blacklist"`
}

type hook struct {
	approved   map[bittorrent.ClientID]struct{}
	unapproved map[bittorrent.ClientID]struct{}
}

// NewHook returns an instance of the client approval middleware.
func NewHook(cfg Config) (middleware.Hook, error) {
	if len(cfg.Whitelist) > 0 && len(cfg.Blacklist) > 0 {
		return nil, errors.New("using both whitelist and blacklist is invalid")
	}

	approved, err := clientIDSet(cfg.Whitelist)
	if err != nil {
		return nil, err
	}
	unapproved, err := clientIDSet(cfg.Blacklist)
	if err != nil {
		return nil, err
	}

	return &hook{approved: approved, unapproved: unapproved}, nil
}

func clientIDSet(ids []string) (map[bittorrent.ClientID]struct{}, error) {
	set := make(map[bittorrent.ClientID]struct{}, len(ids))
	for _, id := range ids {
		if len(id) != 6 {
			return nil, errors.Errorf("client ID %q must be 6 bytes", id)
		}
		set[bittorrent.ClientID(id)] = struct{}{}
	}
	return set, nil
}

func (h *hook) HandleAnnounce(ctx context.Context, req *bittorrent.AnnounceRequest, resp *bittorrent.AnnounceResponse) (context.Context, error) {
	clientID := bittorrent.NewClientID(req.PeerID)

	if len(h.approved) > 0 {
		if _, found := h.approved[clientID]; !found {
			return ctx, ErrClientUnapproved
		}
	}

	if len(h.unapproved) > 0 {
		if _, found := h.unapproved[clientID]; found {
			return ctx, ErrClientUnapproved
		}
	}

	return ctx, nil
}

func (h *hook) HandleScrape(ctx context.Context, req *bittorrent.ScrapeRequest, resp *bittorrent.ScrapeResponse) (context.Context, error) {
	// Scrapes don't require any protection.
	return ctx, nil
}
