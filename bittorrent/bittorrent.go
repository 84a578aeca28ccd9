// Package bittorrent implements the protocol-level abstractions shared by the
// HTTP frontend and the tracker logic: requests, responses, events, info-hash
// normalization and the compact peer format.
package bittorrent

import (
	"encoding/hex"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/chihaya/ratiotracker/pkg/log"
)

// PeerIDLen is the length in bytes of a BitTorrent peer ID.
const PeerIDLen = 20

// ErrInvalidInfoHash is returned when an info_hash value cannot be turned into
// a lookup key.
var ErrInvalidInfoHash = ClientError("invalid info_hash")

var hexInfoHash = regexp.MustCompile(`\A[0-9a-fA-F]{40}\z`)

// NormalizeInfoHash returns the canonical lowercase hex key for an info_hash
// value.
//
// Real clients send the 20 raw bytes of the hash; tests and manual calls
// usually send its 40 character hex form. A value that already is 40 hex
// characters is lowercased, anything else is treated as raw bytes and hex
// encoded.
func NormalizeInfoHash(raw string) (string, error) {
	if raw == "" {
		return "", ErrInvalidInfoHash
	}

	if hexInfoHash.MatchString(raw) {
		return strings.ToLower(raw), nil
	}

	return hex.EncodeToString([]byte(raw)), nil
}

// AnnounceRequest represents the parsed parameters from an announce request.
type AnnounceRequest struct {
	// InfoHash is the info_hash value exactly as it was sent.
	InfoHash string
	PeerID   string
	UserID   string

	Event         Event
	EventProvided bool
	// EventName is the event value as sent. It is kept when it names no
	// known Event so that the peer registry rejects it.
	EventName string

	Port       int64
	Uploaded   int64
	Downloaded int64
	Left       int64

	// IP is the address the request was observed from. It is never taken
	// from the query.
	IP net.IP

	Params
}

// LogFields renders the current request as a set of log fields.
func (r AnnounceRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHash":      hex.EncodeToString([]byte(r.InfoHash)),
		"peerID":        hex.EncodeToString([]byte(r.PeerID)),
		"userID":        r.UserID,
		"event":         r.Event,
		"eventProvided": r.EventProvided,
		"eventName":     r.EventName,
		"ip":            r.IP,
		"port":          r.Port,
		"uploaded":      r.Uploaded,
		"downloaded":    r.Downloaded,
		"left":          r.Left,
	}
}

// PersistedEvent returns the event stored alongside the peer. An unknown
// event name is returned as sent.
func (r AnnounceRequest) PersistedEvent() string {
	if r.EventName == "" {
		return r.Event.Persisted()
	}
	if e, err := NewEvent(r.EventName); err == nil {
		return e.Persisted()
	}
	return r.EventName
}

// AnnounceResponse represents the parameters used to create an announce
// response.
type AnnounceResponse struct {
	Interval   time.Duration
	Complete   int64
	Incomplete int64
	Peers      []Peer
}

// LogFields renders the current response as a set of log fields.
func (r AnnounceResponse) LogFields() log.Fields {
	return log.Fields{
		"interval":   r.Interval,
		"complete":   r.Complete,
		"incomplete": r.Incomplete,
		"peers":      len(r.Peers),
	}
}

// ScrapeRequest represents the parsed parameters from a scrape request.
type ScrapeRequest struct {
	// InfoHashes holds every info_hash value exactly as it was sent.
	InfoHashes []string
	Params     Params
}

// LogFields renders the current request as a set of log fields.
func (r ScrapeRequest) LogFields() log.Fields {
	return log.Fields{
		"infoHashes": len(r.InfoHashes),
	}
}

// ScrapeResponse represents the parameters used to create a scrape response.
type ScrapeResponse struct {
	Files []Scrape
}

// LogFields renders the current response as a set of log fields.
func (sr ScrapeResponse) LogFields() log.Fields {
	return log.Fields{
		"files": len(sr.Files),
	}
}

// Scrape represents the state of a swarm that is returned in a scrape response.
type Scrape struct {
	// Key is the info_hash value as the client sent it, used verbatim as the
	// key of the files dictionary.
	Key        string
	Complete   int64
	Incomplete int64
	Downloaded int64
}

// Peer represents the connection details of a peer that is returned in an
// announce response.
type Peer struct {
	IP   net.IP
	Port uint16
}

// ClientError represents an error that should be exposed to the client over
// the BitTorrent protocol implementation.
type ClientError string

// Error implements the error interface for ClientError.
func (c ClientError) Error() string { return string(c) }
