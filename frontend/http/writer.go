package http

import (
	"net/http"

	"github.com/chihaya/ratiotracker/bittorrent"
	"github.com/chihaya/ratiotracker/frontend/http/bencode"
	"github.com/chihaya/ratiotracker/pkg/log"
)

func writeHeader(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
}

// WriteError communicates an error to a BitTorrent client over HTTP.
//
// Only a bittorrent.ClientError is shown to the client; anything else is
// logged and replaced by a generic message.
func WriteError(w http.ResponseWriter, err error) error {
	message := "internal server error"
	if _, clientErr := err.(bittorrent.ClientError); clientErr {
		message = err.Error()
	} else {
		log.Error("http: internal error", log.Err(err))
	}

	writeHeader(w, http.StatusBadRequest)
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"failure reason": message,
	})
}

// WriteAnnounceResponse communicates the results of an Announce to a
// BitTorrent client over HTTP.
func WriteAnnounceResponse(w http.ResponseWriter, resp *bittorrent.AnnounceResponse) error {
	bdict := bencode.Dict{
		"interval":   resp.Interval,
		"complete":   resp.Complete,
		"incomplete": resp.Incomplete,
		"peers":      bittorrent.AppendCompact([]byte{}, resp.Peers),
	}

	writeHeader(w, http.StatusOK)
	return bencode.NewEncoder(w).Encode(bdict)
}

// WriteScrapeResponse communicates the results of a Scrape to a BitTorrent
// client over HTTP.
func WriteScrapeResponse(w http.ResponseWriter, resp *bittorrent.ScrapeResponse) error {
	filesDict := bencode.NewDict()
	for _, scrape := range resp.Files {
		filesDict[scrape.Key] = bencode.Dict{
			"complete":   scrape.Complete,
			"incomplete": scrape.Incomplete,
			"downloaded": scrape.Downloaded,
		}
	}

	writeHeader(w, http.StatusOK)
	return bencode.NewEncoder(w).Encode(bencode.Dict{
		"files": filesDict,
	})
}
