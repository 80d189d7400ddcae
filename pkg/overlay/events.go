package overlay

import (
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// EventKind discriminates the events OverlayNode delivers on its Events
// channel. Callers route on Kind rather than type-asserting payloads.
type EventKind int

const (
	NewListenAddress EventKind = iota
	PeerConnected
	PeerDisconnected
	RoutableDiscovered
	QueryProgressed
	QueryCompleted
	LocalDiscovered
	LocalExpired
)

// Event is a single overlay occurrence. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind     EventKind
	Addr     ma.Multiaddr
	Peer     peer.ID
	Peers    []peer.AddrInfo
	Key      string
	Value    []byte
	QueryErr error
}
