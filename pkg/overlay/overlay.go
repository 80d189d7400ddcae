// Package overlay implements peer discovery and a small Kademlia-style
// distributed key/value surface on top of go-libp2p: capability
// provide/find, opaque record put/get for manifest publication, and
// local-link discovery via mDNS.
package overlay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

// LocalLinkTTL is how long a peer discovered via local-link mDNS stays
// in the address book without being refreshed.
const LocalLinkTTL = 90 * time.Second

// DefaultMDNSServiceName is the local-link service tag OverlayNode
// instances advertise and search for. It names the overlay's own peer
// discovery, distinct from the HTTP-surface DNS-SD announcement made by
// the manifest advertiser.
const DefaultMDNSServiceName = "_phase-overlay._udp"

const maxBucketSize = 20

// capabilityKey returns the DHT provider key for an (arch, runtime) pair.
func capabilityKey(arch, runtime string) string {
	return fmt.Sprintf("/phase/capability/%s/%s", arch, runtime)
}

// ManifestKey returns the DHT key used to publish and look up the
// ManifestRecord for a (channel, arch) pair.
func ManifestKey(channel, arch string) string {
	return fmt.Sprintf("/phase/%s/%s/manifest", channel, arch)
}

type addrBookEntry struct {
	info      peer.AddrInfo
	expiresAt time.Time
}

type recordEntry struct {
	value     []byte
	expiresAt time.Time
}

// OverlayNode wraps a libp2p host with a lightweight routing table,
// an in-memory record store, and local-link discovery.
type OverlayNode struct {
	host    host.Host
	table   *routingTable
	mdnsSvc mdns.Service

	mu         sync.RWMutex
	providers  map[string]map[peer.ID]struct{}
	records    map[string]recordEntry
	localBook  map[peer.ID]addrBookEntry
	advertised map[string]struct{}

	events chan Event

	stopPrune chan struct{}
}

// New constructs an OverlayNode listening on listenAddrs. privKey may be
// nil, in which case libp2p generates an ephemeral identity.
func New(ctx context.Context, listenAddrs []string, privKey crypto.PrivKey) (*OverlayNode, error) {
	opts := []libp2p.Option{libp2p.ListenAddrStrings(listenAddrs...)}
	if privKey != nil {
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("overlay: create host: %w", err)
	}

	n := &OverlayNode{
		host:       h,
		table:      newRoutingTable(h.ID(), maxBucketSize),
		providers:  make(map[string]map[peer.ID]struct{}),
		records:    make(map[string]recordEntry),
		localBook:  make(map[peer.ID]addrBookEntry),
		advertised: make(map[string]struct{}),
		events:     make(chan Event, 256),
		stopPrune:  make(chan struct{}),
	}

	h.Network().Notify(&network.NotifyBundle{
		ConnectedF: func(_ network.Network, c network.Conn) {
			n.table.Add(peer.AddrInfo{ID: c.RemotePeer(), Addrs: []ma.Multiaddr{c.RemoteMultiaddr()}})
			n.emit(Event{Kind: PeerConnected, Peer: c.RemotePeer()})
		},
		DisconnectedF: func(_ network.Network, c network.Conn) {
			n.emit(Event{Kind: PeerDisconnected, Peer: c.RemotePeer()})
		},
		ListenF: func(_ network.Network, addr ma.Multiaddr) {
			n.emit(Event{Kind: NewListenAddress, Addr: addr})
		},
	})

	mdnsSvc := mdns.NewMdnsService(h, DefaultMDNSServiceName, n)
	n.mdnsSvc = mdnsSvc
	if err := mdnsSvc.Start(); err != nil {
		return nil, fmt.Errorf("overlay: start mdns: %w", err)
	}

	go n.prunerLoop()

	return n, nil
}

// Events returns the channel events are delivered on. Callers should
// drain it continuously; it is buffered but not unbounded.
func (n *OverlayNode) Events() <-chan Event { return n.events }

func (n *OverlayNode) emit(e Event) {
	select {
	case n.events <- e:
	default:
	}
}

// ID returns this node's peer identity.
func (n *OverlayNode) ID() peer.ID { return n.host.ID() }

// Addrs returns the addresses this node is currently reachable on.
func (n *OverlayNode) Addrs() []ma.Multiaddr { return n.host.Addrs() }

// Host exposes the underlying libp2p host so callers can register
// application-level stream protocols (e.g. job submission) without
// OverlayNode needing to know about every protocol built on top of it.
func (n *OverlayNode) Host() host.Host { return n.host }

// Listen opens an additional listening transport endpoint at addr.
func (n *OverlayNode) Listen(addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("overlay: parse listen addr %q: %w", addr, err)
	}
	return n.host.Network().Listen(maddr)
}

// Bootstrap attempts to connect to each seed peer to join the overlay.
// Failure to reach any single seed is logged by the caller via the
// returned per-seed errors and is never fatal to bootstrap as a whole.
func (n *OverlayNode) Bootstrap(ctx context.Context, seeds []peer.AddrInfo) map[peer.ID]error {
	failures := make(map[peer.ID]error)
	for _, seed := range seeds {
		if err := n.host.Connect(ctx, seed); err != nil {
			failures[seed.ID] = err
			continue
		}
		n.table.Add(seed)
	}
	return failures
}

// Dial initiates an outbound connection to addr. Connecting to an
// already-connected peer is a no-op success.
func (n *OverlayNode) Dial(ctx context.Context, addr string) error {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("overlay: parse dial addr %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return fmt.Errorf("overlay: extract peer info from %q: %w", addr, err)
	}
	if n.host.Network().Connectedness(info.ID) == network.Connected {
		return nil
	}
	if err := n.host.Connect(ctx, *info); err != nil {
		return fmt.Errorf("overlay: dial %s: %w", info.ID, err)
	}
	n.table.Add(*info)
	return nil
}

// Advertise marks this node as a provider of capabilityKey. It is
// idempotent: advertising the same key twice has no additional effect.
func (n *OverlayNode) Advertise(arch, runtime string) {
	key := capabilityKey(arch, runtime)

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, already := n.advertised[key]; already {
		return
	}
	n.advertised[key] = struct{}{}
	if n.providers[key] == nil {
		n.providers[key] = make(map[peer.ID]struct{})
	}
	n.providers[key][n.host.ID()] = struct{}{}
}

// FindProviders locates provider peers for capabilityKey among the
// providers recorded in this node's local provider store and delivers the
// result as an event.
func (n *OverlayNode) FindProviders(arch, runtime string) {
	key := capabilityKey(arch, runtime)

	n.mu.RLock()
	providerIDs := n.providers[key]
	var result []peer.AddrInfo
	for id := range providerIDs {
		if id == n.host.ID() {
			result = append(result, peer.AddrInfo{ID: id, Addrs: n.host.Addrs()})
			continue
		}
		result = append(result, n.host.Peerstore().PeerInfo(id))
	}
	n.mu.RUnlock()

	n.emit(Event{Kind: QueryProgressed, Key: key, Peers: result})
	n.emit(Event{Kind: QueryCompleted, Key: key})
}

// PutRecord stores an opaque value under key with the given TTL.
func (n *OverlayNode) PutRecord(key string, value []byte, ttl time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records[key] = recordEntry{value: value, expiresAt: time.Now().Add(ttl)}
}

// GetRecord returns the value stored under key, if present and
// unexpired.
func (n *OverlayNode) GetRecord(key string) ([]byte, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	entry, ok := n.records[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

// HandlePeerFound implements mdns.Notifee. It is invoked by the mDNS
// service whenever a local-link peer announcement is received.
func (n *OverlayNode) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}

	n.mu.Lock()
	n.localBook[info.ID] = addrBookEntry{info: info, expiresAt: time.Now().Add(LocalLinkTTL)}
	n.mu.Unlock()

	n.table.Add(info)
	n.emit(Event{Kind: LocalDiscovered, Peers: []peer.AddrInfo{info}})
	n.emit(Event{Kind: RoutableDiscovered, Peers: []peer.AddrInfo{info}})
}

func (n *OverlayNode) prunerLoop() {
	ticker := time.NewTicker(LocalLinkTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-n.stopPrune:
			return
		case <-ticker.C:
			n.pruneExpiredLocal()
		}
	}
}

func (n *OverlayNode) pruneExpiredLocal() {
	now := time.Now()

	n.mu.Lock()
	var expired []peer.AddrInfo
	for id, entry := range n.localBook {
		if now.After(entry.expiresAt) {
			expired = append(expired, entry.info)
			delete(n.localBook, id)
		}
	}
	n.mu.Unlock()

	if len(expired) == 0 {
		return
	}
	for _, info := range expired {
		n.table.Remove(info.ID)
	}
	n.emit(Event{Kind: LocalExpired, Peers: expired})
}

// Close shuts down the mDNS service and the underlying host.
func (n *OverlayNode) Close() error {
	close(n.stopPrune)
	if n.mdnsSvc != nil {
		_ = n.mdnsSvc.Close()
	}
	return n.host.Close()
}
