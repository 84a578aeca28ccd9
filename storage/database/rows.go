package database

import (
	"encoding/hex"
	"net"
	"strings"
	"time"

	"github.com/chihaya/ratiotracker/storage"
)

type torrentRow struct {
	ID           string `gorm:"primaryKey;size:36"`
	InfoHash     string `gorm:"uniqueIndex;size:40;not null"`
	Name         string `gorm:"not null"`
	Size         int64  `gorm:"not null"`
	Seeders      int64  `gorm:"not null;default:0"`
	Leechers     int64  `gorm:"not null;default:0"`
	Completed    int64  `gorm:"not null;default:0"`
	AnnounceURLs string
	CategoryID   int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (torrentRow) TableName() string { return "torrents" }

type accountRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	Email      string `gorm:"uniqueIndex;not null"`
	Uploaded   int64  `gorm:"not null;default:0"`
	Downloaded int64  `gorm:"not null;default:0"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (accountRow) TableName() string { return "accounts" }

// peerRow stores the peer_id hex encoded: clients send arbitrary bytes that a
// text column may refuse.
type peerRow struct {
	ID         string `gorm:"primaryKey;size:36"`
	TorrentID  string `gorm:"size:36;not null;uniqueIndex:idx_peer_identity,priority:1;index:idx_peer_torrent_left,priority:1"`
	AccountID  string `gorm:"size:36;not null;index"`
	PeerID     string `gorm:"size:40;not null;uniqueIndex:idx_peer_identity,priority:2"`
	IP         string `gorm:"size:15;not null;uniqueIndex:idx_peer_identity,priority:3"`
	Port       int64  `gorm:"not null;uniqueIndex:idx_peer_identity,priority:4"`
	Uploaded   int64  `gorm:"not null;default:0"`
	Downloaded int64  `gorm:"not null;default:0"`
	Left       int64  `gorm:"column:bytes_left;not null;default:0;index:idx_peer_torrent_left,priority:2"`
	Event      string `gorm:"size:16"`

	LastAnnounce time.Time `gorm:"not null;index"`

	Torrent torrentRow `gorm:"foreignKey:TorrentID;constraint:OnDelete:CASCADE"`
	Account accountRow `gorm:"foreignKey:AccountID;constraint:OnDelete:CASCADE"`
}

func (peerRow) TableName() string { return "peers" }

// identityColumns are the columns of the unique peer identity index.
var identityColumns = []string{"torrent_id", "peer_id", "ip", "port"}

// identity returns the values matching identityColumns for a key.
func identity(k storage.PeerKey) []interface{} {
	return []interface{}{
		k.TorrentID,
		hex.EncodeToString([]byte(k.PeerID)),
		k.IP.String(),
		k.Port,
	}
}

const identityQuery = "torrent_id = ? AND peer_id = ? AND ip = ? AND port = ?"

func fromTorrent(t storage.Torrent) torrentRow {
	return torrentRow{
		ID:           t.ID,
		InfoHash:     t.InfoHash,
		Name:         t.Name,
		Size:         t.Size,
		Seeders:      t.Seeders,
		Leechers:     t.Leechers,
		Completed:    t.Completed,
		AnnounceURLs: strings.Join(t.AnnounceURLs, "\n"),
		CategoryID:   t.CategoryID,
	}
}

func (r torrentRow) torrent() storage.Torrent {
	var urls []string
	if r.AnnounceURLs != "" {
		urls = strings.Split(r.AnnounceURLs, "\n")
	}

	return storage.Torrent{
		ID:           r.ID,
		InfoHash:     r.InfoHash,
		Name:         r.Name,
		Size:         r.Size,
		Seeders:      r.Seeders,
		Leechers:     r.Leechers,
		Completed:    r.Completed,
		AnnounceURLs: urls,
		CategoryID:   r.CategoryID,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fromAccount(a storage.Account) accountRow {
	return accountRow{
		ID:         a.ID,
		Email:      a.Email,
		Uploaded:   a.Uploaded,
		Downloaded: a.Downloaded,
	}
}

func (r accountRow) account() storage.Account {
	return storage.Account{
		ID:         r.ID,
		Email:      r.Email,
		Uploaded:   r.Uploaded,
		Downloaded: r.Downloaded,
		CreatedAt:  r.CreatedAt,
	}
}

func fromPeer(p storage.Peer) peerRow {
	return peerRow{
		ID:           p.ID,
		TorrentID:    p.TorrentID,
		AccountID:    p.AccountID,
		PeerID:       hex.EncodeToString([]byte(p.PeerID)),
		IP:           p.IP.String(),
		Port:         p.Port,
		Uploaded:     p.Uploaded,
		Downloaded:   p.Downloaded,
		Left:         p.Left,
		Event:        p.Event,
		LastAnnounce: p.LastAnnounce.UTC(),
	}
}

func (r peerRow) peer() storage.Peer {
	peerID, err := hex.DecodeString(r.PeerID)
	if err != nil {
		panic("non-hex peer_id stored in database")
	}

	return storage.Peer{
		ID:           r.ID,
		TorrentID:    r.TorrentID,
		AccountID:    r.AccountID,
		PeerID:       string(peerID),
		IP:           net.ParseIP(r.IP).To4(),
		Port:         r.Port,
		Uploaded:     r.Uploaded,
		Downloaded:   r.Downloaded,
		Left:         r.Left,
		Event:        r.Event,
		LastAnnounce: r.LastAnnounce,
	}
}
