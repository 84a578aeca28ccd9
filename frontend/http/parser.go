package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/chihaya/ratiotracker/bittorrent"
)

// ParseOptions is the configuration used to parse an Announce Request.
//
// If RealIPHeader is not empty string, the value of the first HTTP Header with
// that name will be used as the address of the peer.
type ParseOptions struct {
	RealIPHeader string `yaml:"real_ip_header"`
}

// requiredAnnounceParams lists the announce parameters that must be present
// and non-empty, in the order they are reported when missing.
var requiredAnnounceParams = []string{
	"info_hash",
	"peer_id",
	"port",
	"uploaded",
	"downloaded",
	"left",
	"user_id",
}

// ErrMalformedQuery is returned when the query string cannot be unescaped.
var ErrMalformedQuery = bittorrent.ClientError("malformed query string")

// ParseAnnounce parses an bittorrent.AnnounceRequest from an http.Request.
func ParseAnnounce(r *http.Request, opts ParseOptions) (*bittorrent.AnnounceRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, ErrMalformedQuery
	}

	var missing []string
	for _, key := range requiredAnnounceParams {
		if v, ok := qp.String(key); !ok || v == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, bittorrent.ClientError("Missing required parameters: " + strings.Join(missing, ", "))
	}

	request := &bittorrent.AnnounceRequest{Params: qp}
	request.InfoHash, _ = qp.String("info_hash")
	request.PeerID, _ = qp.String("peer_id")
	request.UserID, _ = qp.String("user_id")

	for _, p := range []struct {
		key string
		dst *int64
	}{
		{"port", &request.Port},
		{"uploaded", &request.Uploaded},
		{"downloaded", &request.Downloaded},
		{"left", &request.Left},
	} {
		*p.dst, err = qp.Int64(p.key)
		if err != nil {
			return nil, bittorrent.ClientError("Invalid parameter: " + p.key)
		}
	}

	// An unknown event is not rejected here: the transfer delta is still
	// credited and the peer registry refuses the event.
	request.EventName, request.EventProvided = qp.String("event")
	request.Event, err = bittorrent.NewEvent(request.EventName)
	if err != nil {
		request.Event = bittorrent.None
	}

	request.IP = requestedIP(r, opts)
	if request.IP == nil {
		return nil, bittorrent.ClientError("failed to parse peer IP address")
	}

	return request, nil
}

// ParseScrape parses an bittorrent.ScrapeRequest from an http.Request.
func ParseScrape(r *http.Request) (*bittorrent.ScrapeRequest, error) {
	qp, err := bittorrent.ParseURLData(r.RequestURI)
	if err != nil {
		return nil, ErrMalformedQuery
	}

	infoHashes := qp.InfoHashes()
	if len(infoHashes) < 1 {
		return nil, bittorrent.ClientError("No info_hash provided")
	}

	return &bittorrent.ScrapeRequest{
		InfoHashes: infoHashes,
		Params:     qp,
	}, nil
}

// requestedIP determines the IP address for a BitTorrent client request.
// Addresses supplied in the query are never used.
func requestedIP(r *http.Request, opts ParseOptions) net.IP {
	if opts.RealIPHeader != "" {
		if ip := r.Header.Get(opts.RealIPHeader); ip != "" {
			return net.ParseIP(strings.TrimSpace(strings.Split(ip, ",")[0]))
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}
