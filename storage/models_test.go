package storage

import (
	"math"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestMagnetLink(t *testing.T) {
	torrent := Torrent{
		InfoHash: "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Name:     `Movie: The "Best" & Greatest!`,
	}
	require.Equal(t,
		"magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa&dn=Movie%3A%20The%20%22Best%22%20%26%20Greatest%21",
		torrent.MagnetLink())

	torrent.Name = "Test Movie 2024"
	torrent.AnnounceURLs = []string{
		"http://tracker1.com/announce",
		"http://tracker.com/announce?foo=bar baz&x=1",
	}
	require.Equal(t,
		"magnet:?xt=urn:btih:aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa&dn=Test%20Movie%202024"+
			"&tr=http%3A%2F%2Ftracker1.com%2Fannounce"+
			"&tr=http%3A%2F%2Ftracker.com%2Fannounce%3Ffoo%3Dbar%20baz%26x%3D1",
		torrent.MagnetLink())
}

func TestRatio(t *testing.T) {
	_, ok := Account{}.Ratio()
	require.False(t, ok)

	ratio, ok := Account{Uploaded: 10}.Ratio()
	require.True(t, ok)
	require.True(t, math.IsInf(ratio, 1))

	ratio, ok = Account{Downloaded: 10}.Ratio()
	require.True(t, ok)
	require.Equal(t, 0.0, ratio)

	ratio, ok = Account{Uploaded: 2, Downloaded: 3}.Ratio()
	require.True(t, ok)
	require.Equal(t, 0.67, ratio)
}

func TestPeerValidate(t *testing.T) {
	valid := Peer{
		TorrentID: "t",
		AccountID: "a",
		PeerID:    "-TEST01-6wfG2wk6wWLc",
		IP:        net.ParseIP("10.0.0.1"),
		Port:      6881,
		Event:     "started",
	}
	require.NoError(t, valid.Validate())

	var table = []func(p *Peer){
		func(p *Peer) { p.Port = 70000 },
		func(p *Peer) { p.Port = 0 },
		func(p *Peer) { p.PeerID = "short" },
		func(p *Peer) { p.IP = net.ParseIP("2001:db8::1") },
		func(p *Peer) { p.Uploaded = -1 },
		func(p *Peer) { p.Left = -1 },
		func(p *Peer) { p.Event = "paused" },
		func(p *Peer) { p.AccountID = "" },
	}
	for i, mutate := range table {
		p := valid
		mutate(&p)
		require.True(t, errors.Is(p.Validate(), ErrInvalidPeer), "case %d", i)
	}
}

func TestRetryOnConflict(t *testing.T) {
	calls := 0
	err := RetryOnConflict(func() error {
		calls++
		return errors.Wrap(ErrConflict, "lost race")
	})
	require.True(t, errors.Is(err, ErrConflict))
	require.Equal(t, MaxUpdateAttempts, calls)

	calls = 0
	boom := errors.New("boom")
	err = RetryOnConflict(func() error {
		calls++
		return boom
	})
	require.Equal(t, boom, err)
	require.Equal(t, 1, calls)
}
