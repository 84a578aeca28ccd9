package storage

import (
	"math"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/chihaya/ratiotracker/bittorrent"
	"github.com/chihaya/ratiotracker/pkg/log"
)

// NewID returns a fresh random identifier for a torrent, peer or account.
func NewID() string {
	return uuid.New().String()
}

var canonicalInfoHash = regexp.MustCompile(`\A[0-9a-f]{40}\z`)

// Torrent is a tracked torrent along with its cached swarm counters.
//
// Seeders and Leechers are only written by the swarm recomputation.
type Torrent struct {
	ID       string
	InfoHash string
	Name     string
	Size     int64

	Seeders   int64
	Leechers  int64
	Completed int64

	// AnnounceURLs holds extra trackers advertised in the magnet link.
	AnnounceURLs []string
	CategoryID   int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogFields renders the torrent as a set of log fields.
func (t Torrent) LogFields() log.Fields {
	return log.Fields{
		"id":       t.ID,
		"infoHash": t.InfoHash,
		"name":     t.Name,
		"seeders":  t.Seeders,
		"leechers": t.Leechers,
	}
}

// Canonical returns t with its info hash lowercased, the form announces and
// scrapes look it up by.
func (t Torrent) Canonical() Torrent {
	t.InfoHash = strings.ToLower(t.InfoHash)
	return t
}

// Validate checks the fields a torrent must have before it is stored. The
// info hash must already be in canonical form.
func (t Torrent) Validate() error {
	switch {
	case !canonicalInfoHash.MatchString(t.InfoHash):
		return errors.Wrap(ErrInvalidRecord, "info_hash must be 40 lowercase hex characters")
	case t.Name == "":
		return errors.Wrap(ErrInvalidRecord, "name is required")
	case t.Size <= 0:
		return errors.Wrap(ErrInvalidRecord, "size must be positive")
	case t.Seeders < 0 || t.Leechers < 0 || t.Completed < 0:
		return errors.Wrap(ErrInvalidRecord, "counters must not be negative")
	}
	return nil
}

// MagnetLink renders the magnet URI of the torrent: its info hash, display
// name and one tr parameter per announce URL.
func (t Torrent) MagnetLink() string {
	var b strings.Builder
	b.WriteString("magnet:?xt=urn:btih:")
	b.WriteString(t.InfoHash)
	b.WriteString("&dn=")
	b.WriteString(uriEscape(t.Name))
	for _, tr := range t.AnnounceURLs {
		b.WriteString("&tr=")
		b.WriteString(uriEscape(tr))
	}
	return b.String()
}

// uriEscape percent-encodes everything but unreserved characters, spaces
// included.
func uriEscape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// PeerKey is the identity of a peer within the registry.
type PeerKey struct {
	TorrentID string
	PeerID    string
	IP        net.IP
	Port      int64
}

// Peer is one participant of a swarm as last reported by its announce.
type Peer struct {
	ID        string
	TorrentID string
	AccountID string
	PeerID    string
	IP        net.IP
	Port      int64

	Uploaded   int64
	Downloaded int64
	Left       int64

	// Event is the persisted form of the last announce event, see
	// bittorrent.Event.Persisted.
	Event        string
	LastAnnounce time.Time
}

// Key returns the identity of the peer.
func (p Peer) Key() PeerKey {
	return PeerKey{TorrentID: p.TorrentID, PeerID: p.PeerID, IP: p.IP, Port: p.Port}
}

// Seeder reports whether the peer has the complete torrent.
func (p Peer) Seeder() bool {
	return p.Left == 0
}

// Endpoint returns the address other peers use to reach p.
func (p Peer) Endpoint() bittorrent.Peer {
	return bittorrent.Peer{IP: p.IP, Port: uint16(p.Port)}
}

// Validate checks the constraints every stored peer row satisfies. The
// returned error wraps ErrInvalidPeer.
func (p Peer) Validate() error {
	switch {
	case p.TorrentID == "" || p.AccountID == "":
		return errors.Wrap(ErrInvalidPeer, "torrent and account are required")
	case len(p.PeerID) != bittorrent.PeerIDLen:
		return errors.Wrapf(ErrInvalidPeer, "peer_id must be %d bytes", bittorrent.PeerIDLen)
	case p.IP.To4() == nil:
		return errors.Wrap(ErrInvalidPeer, "ip must be an IPv4 address")
	case p.Port < 1 || p.Port > 65535:
		return errors.Wrap(ErrInvalidPeer, "port out of range")
	case p.Uploaded < 0 || p.Downloaded < 0 || p.Left < 0:
		return errors.Wrap(ErrInvalidPeer, "counters must not be negative")
	}

	switch p.Event {
	case "", bittorrent.Started.String(), bittorrent.Completed.String(), bittorrent.Stopped.String():
	default:
		return errors.Wrap(ErrInvalidPeer, "unknown event")
	}

	return nil
}

// LogFields renders the peer as a set of log fields.
func (p Peer) LogFields() log.Fields {
	return log.Fields{
		"torrentID":    p.TorrentID,
		"accountID":    p.AccountID,
		"ip":           p.IP,
		"port":         p.Port,
		"left":         p.Left,
		"event":        p.Event,
		"lastAnnounce": p.LastAnnounce,
	}
}

// Account holds the cumulative transfer counters credited by announces.
type Account struct {
	ID         string
	Email      string
	Uploaded   int64
	Downloaded int64
	CreatedAt  time.Time
}

// Validate checks the fields an account must have before it is stored.
func (a Account) Validate() error {
	if _, err := mail.ParseAddress(a.Email); err != nil {
		return errors.Wrap(ErrInvalidRecord, "email is invalid")
	}
	if a.Uploaded < 0 || a.Downloaded < 0 {
		return errors.Wrap(ErrInvalidRecord, "counters must not be negative")
	}
	return nil
}

// Ratio returns uploaded/downloaded rounded to two decimals.
//
// ok is false when the account has not transferred anything yet. An account
// that only uploaded has an infinite ratio.
func (a Account) Ratio() (ratio float64, ok bool) {
	switch {
	case a.Uploaded == 0 && a.Downloaded == 0:
		return 0, false
	case a.Downloaded == 0:
		return math.Inf(1), true
	case a.Uploaded == 0:
		return 0, true
	}
	return math.Round(float64(a.Uploaded)/float64(a.Downloaded)*100) / 100, true
}
