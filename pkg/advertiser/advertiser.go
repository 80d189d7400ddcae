// Package advertiser publishes a node's HTTP artifact surface onto the
// overlay's DHT-like record store and announces it on the local link
// via DNS-SD, keeping the published record refreshed as it ages.
package advertiser

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/phase-network/phase-daemon/pkg/overlay"
)

// DefaultManifestTTL is how long a published ManifestRecord is
// considered fresh before it must be refreshed.
const DefaultManifestTTL = 3600 * time.Second

// dnsSDServiceType is the local-link service type the advertiser
// registers, per the boot-manifest discovery convention.
const dnsSDServiceType = "_phase-image._tcp"

// ManifestRecord is the small DHT value pointing from a (channel, arch)
// pair to the HTTP endpoint serving the full signed manifest.
type ManifestRecord struct {
	Channel         string `json:"channel"`
	Arch            string `json:"arch"`
	ManifestURL     string `json:"manifest_url"`
	HTTPAddr        string `json:"http_addr"`
	ManifestVersion int    `json:"manifest_version"`
	CreatedAt       string `json:"created_at"`
	TTLSecs         uint64 `json:"ttl_secs"`
}

// Advertiser periodically publishes a ManifestRecord for one
// (channel, arch) pair and keeps a DNS-SD announcement alive for
// local-link discovery.
type Advertiser struct {
	overlay     *overlay.OverlayNode
	channel     string
	arch        string
	httpAddr    string
	manifestURL string
	httpPort    int
	log         *log.Logger

	mu              sync.Mutex
	manifestVersion int

	zeroconfServer *zeroconf.Server
	stop           chan struct{}
}

// New constructs an Advertiser. httpAddr is the reachable host:port of
// the artifact server; manifestURL is the path clients should fetch the
// signed manifest from.
func New(node *overlay.OverlayNode, channel, arch, httpAddr, manifestURL string, httpPort int, logger *log.Logger) *Advertiser {
	if logger == nil {
		logger = log.Default()
	}
	return &Advertiser{
		overlay:     node,
		channel:     channel,
		arch:        arch,
		httpAddr:    httpAddr,
		manifestURL: manifestURL,
		httpPort:    httpPort,
		log:         logger,
		stop:        make(chan struct{}),
	}
}

// Start publishes the initial record, registers the DNS-SD service, and
// schedules periodic refresh at DefaultManifestTTL/2.
func (a *Advertiser) Start(ctx context.Context, manifestVersion int) error {
	a.mu.Lock()
	a.manifestVersion = manifestVersion
	a.mu.Unlock()

	if err := a.publish(); err != nil {
		return fmt.Errorf("advertiser: initial publish: %w", err)
	}

	srv, err := zeroconf.Register(
		fmt.Sprintf("phase-%s-%s", a.channel, a.arch),
		dnsSDServiceType,
		"local.",
		a.httpPort,
		[]string{
			"channel=" + a.channel,
			"arch=" + a.arch,
			"version=" + strconv.Itoa(manifestVersion),
			"http_port=" + strconv.Itoa(a.httpPort),
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("advertiser: register dns-sd service: %w", err)
	}
	a.zeroconfServer = srv

	go a.refreshLoop()
	return nil
}

func (a *Advertiser) refreshLoop() {
	ticker := time.NewTicker(DefaultManifestTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.publish(); err != nil {
				a.log.Printf("advertiser: refresh publish failed: %v", err)
			}
		}
	}
}

// OnManifestVersionChange republishes immediately if newVersion differs
// from the last published version.
func (a *Advertiser) OnManifestVersionChange(newVersion int) {
	a.mu.Lock()
	changed := newVersion != a.manifestVersion
	a.manifestVersion = newVersion
	a.mu.Unlock()

	if !changed {
		return
	}
	if err := a.publish(); err != nil {
		a.log.Printf("advertiser: version-change publish failed: %v", err)
	}
}

func (a *Advertiser) publish() error {
	a.mu.Lock()
	record := ManifestRecord{
		Channel:         a.channel,
		Arch:            a.arch,
		ManifestURL:     a.manifestURL,
		HTTPAddr:        a.httpAddr,
		ManifestVersion: a.manifestVersion,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
		TTLSecs:         uint64(DefaultManifestTTL.Seconds()),
	}
	a.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal manifest record: %w", err)
	}

	key := overlay.ManifestKey(a.channel, a.arch)
	a.overlay.PutRecord(key, data, DefaultManifestTTL)
	return nil
}

// Stop halts the refresh loop and the DNS-SD announcement.
func (a *Advertiser) Stop() {
	close(a.stop)
	if a.zeroconfServer != nil {
		a.zeroconfServer.Shutdown()
	}
}
