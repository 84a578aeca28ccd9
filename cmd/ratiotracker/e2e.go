package main

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"time"

	"github.com/anacrolix/torrent/tracker"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/chihaya/ratiotracker/bittorrent"
	"github.com/chihaya/ratiotracker/pkg/log"
)

func e2eCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "e2e",
		Short: "exec e2e tests",
		Long:  "Announces two peers of an existing torrent to a running tracker and checks they see each other",
		RunE:  EndToEndRunCmdFunc,
	}

	cmd.Flags().String("httpaddr", "http://127.0.0.1:8000/announce", "HTTP announce URL of the tracker")
	cmd.Flags().String("infohash", "", "info hash of a registered torrent, as 40 hex characters")
	cmd.Flags().String("user", "", "id of a registered account")
	cmd.Flags().Duration("delay", time.Second, "delay between announces")

	return cmd
}

// EndToEndRunCmdFunc implements a Cobra command that runs the end-to-end test
// suite against a running tracker.
func EndToEndRunCmdFunc(cmd *cobra.Command, args []string) error {
	delay, err := cmd.Flags().GetDuration("delay")
	if err != nil {
		return err
	}

	httpAddr, err := cmd.Flags().GetString("httpaddr")
	if err != nil {
		return err
	}

	rawInfoHash, err := cmd.Flags().GetString("infohash")
	if err != nil {
		return err
	}
	infoHash, err := parseInfoHash(rawInfoHash)
	if err != nil {
		return err
	}

	userID, err := cmd.Flags().GetString("user")
	if err != nil {
		return err
	}
	if userID == "" {
		return errors.New("--user is required")
	}

	announceURL, err := withUserID(httpAddr, userID)
	if err != nil {
		return err
	}

	log.Info("testing HTTP...")
	if err := testWithInfohash(infoHash, announceURL, delay); err != nil {
		return err
	}
	log.Info("success")

	return nil
}

func parseInfoHash(raw string) (ih [20]byte, err error) {
	normalized, err := bittorrent.NormalizeInfoHash(raw)
	if err != nil || len(normalized) != 40 {
		return ih, errors.New("--infohash must be 40 hex characters")
	}

	b, err := hex.DecodeString(normalized)
	if err != nil {
		return ih, err
	}
	copy(ih[:], b)
	return ih, nil
}

// withUserID adds the user_id query parameter announces are credited to.
func withUserID(announce, userID string) (string, error) {
	u, err := url.Parse(announce)
	if err != nil {
		return "", errors.Wrap(err, "invalid announce URL")
	}

	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func announce(url string, req tracker.AnnounceRequest) (tracker.AnnounceResponse, error) {
	resp, err := tracker.Announce{
		TrackerUrl: url,
		Request:    req,
		UserAgent:  "ratiotracker-e2e",
	}.Do()
	if err != nil {
		return resp, errors.Wrap(err, "announce failed")
	}
	return resp, nil
}

func testWithInfohash(infoHash [20]byte, url string, delay time.Duration) error {
	first := tracker.AnnounceRequest{
		InfoHash:   infoHash,
		PeerId:     [20]byte{'-', 'E', '2', 'E', '0', '0', '1', '-', 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Downloaded: 50,
		Left:       100,
		Uploaded:   50,
		Event:      tracker.Started,
		NumWant:    50,
		Port:       10001,
	}

	resp, err := announce(url, first)
	if err != nil {
		return err
	}

	if !hasPort(resp, 10001) {
		return fmt.Errorf("expected the first peer in its own response, got %d peers", len(resp.Peers))
	}

	time.Sleep(delay)

	second := first
	second.PeerId[19] = 13
	second.Port = 10002

	resp, err = announce(url, second)
	if err != nil {
		return err
	}

	if !hasPort(resp, 10001) || !hasPort(resp, 10002) {
		return fmt.Errorf("expected both peers, got %d peers", len(resp.Peers))
	}

	stopped := second
	stopped.Event = tracker.Stopped
	if _, err := announce(url, stopped); err != nil {
		return err
	}

	first.Event = tracker.None
	resp, err = announce(url, first)
	if err != nil {
		return err
	}

	if hasPort(resp, 10002) {
		return errors.New("stopped peer is still listed")
	}

	return nil
}

func hasPort(resp tracker.AnnounceResponse, port int) bool {
	for _, p := range resp.Peers {
		if p.Port == port {
			return true
		}
	}
	return false
}
