package bittorrent

// ClientID represents the part of a peer_id that identifies a peer's client
// software.
type ClientID string

// NewClientID parses a ClientID from a peer_id. Azureus-style IDs
// ("-AZ2060-...") yield the six characters after the leading dash, anything
// else its first six bytes. A peer_id too short to hold one yields "".
func NewClientID(peerID string) ClientID {
	length := len(peerID)
	if length >= 6 {
		if peerID[0] == '-' {
			if length >= 7 {
				return ClientID(peerID[1:7])
			}
		} else {
			return ClientID(peerID[:6])
		}
	}

	return ""
}
