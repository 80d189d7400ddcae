// Command phased runs a phase-network compute node: it executes
// incoming WebAssembly jobs under sandboxed limits, signs execution
// receipts, and serves its boot-artifact catalog over HTTP, discovered
// through a Kademlia-style overlay plus local-link multicast.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/phase-network/phase-daemon/internal/config"
	"github.com/phase-network/phase-daemon/pkg/admission"
	"github.com/phase-network/phase-daemon/pkg/advertiser"
	"github.com/phase-network/phase-daemon/pkg/artifactserver"
	"github.com/phase-network/phase-daemon/pkg/artifactstore"
	"github.com/phase-network/phase-daemon/pkg/executor"
	"github.com/phase-network/phase-daemon/pkg/manifest"
	"github.com/phase-network/phase-daemon/pkg/overlay"
	"github.com/phase-network/phase-daemon/pkg/sandbox"
)

func main() {
	logger := log.New(os.Stderr, "[phased] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	signingKey, err := loadOrCreateSigningKey(cfg.SigningKeyPath)
	if err != nil {
		logger.Fatalf("signing key: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := artifactstore.New(cfg.ArtifactBaseDir, log.New(os.Stderr, "[artifactstore] ", log.LstdFlags))
	sb := sandbox.New()
	exec := executor.New(sb, signingKey)

	node, err := overlay.New(ctx, cfg.ListenAddrs, nil)
	if err != nil {
		logger.Fatalf("start overlay: %v", err)
	}
	defer node.Close()

	node.Advertise(cfg.Arch, cfg.Runtime)

	if failures := node.Bootstrap(ctx, parseSeeds(cfg.PeerSeeds, logger)); len(failures) > 0 {
		for id, ferr := range failures {
			logger.Printf("bootstrap: could not reach seed %s: %v", id, ferr)
		}
	}

	caps := admission.PeerCapabilities{
		Arch:     cfg.Arch,
		Runtime:  cfg.Runtime,
		CPUCores: cfg.CPUCores,
		MemoryMB: cfg.MemoryMB,
	}
	jobs := newJobServer(node, exec, caps, cfg.MaxInFlight, cfg.JobTimeoutSec, log.New(os.Stderr, "[jobserver] ", log.LstdFlags))
	jobs.register()

	httpAddr := fmt.Sprintf("%s:%d", cfg.HTTPAddr, cfg.HTTPPort)
	srv := artifactserver.New(store, signingKey, artifactserver.Config{
		Channel:          cfg.Channel,
		Arch:             cfg.Arch,
		Version:          cfg.Version,
		ProviderHTTPAddr: cfg.PublicAddr,
		ProviderPeerID:   node.ID().String(),
	})
	httpServer := &http.Server{Addr: httpAddr, Handler: srv.Router()}

	go func() {
		logger.Printf("artifact server listening on %s", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server: %v", err)
		}
	}()

	// The published record version survives restarts through the rollback
	// cache, so peers never observe this node's manifest version move
	// backwards after a redeploy.
	recordVersion := 1
	verCache := manifest.NewRollbackCache(cfg.RollbackCachePath)
	if v, ok, err := verCache.Read(); err != nil {
		logger.Printf("rollback cache: %v", err)
	} else if ok {
		recordVersion = v
	}
	if err := verCache.CheckAndAdvance(recordVersion); err != nil {
		logger.Printf("rollback cache: %v", err)
	}

	adv := advertiser.New(node, cfg.Channel, cfg.Arch, cfg.PublicAddr, "/manifest.json", cfg.HTTPPort, log.New(os.Stderr, "[advertiser] ", log.LstdFlags))
	if err := adv.Start(ctx, recordVersion); err != nil {
		logger.Printf("advertiser start: %v", err)
	}
	defer adv.Stop()

	go logOverlayEvents(ctx, node, logger, cfg.LogLevel == "debug")

	waitForShutdown(logger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown: %v", err)
	}
}

func waitForShutdown(logger *log.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("received %s, shutting down", sig)
}

func logOverlayEvents(ctx context.Context, node *overlay.OverlayNode, logger *log.Logger, verbose bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-node.Events():
			switch ev.Kind {
			case overlay.NewListenAddress:
				logger.Printf("listening on %s", ev.Addr)
			case overlay.PeerConnected:
				logger.Printf("peer connected: %s", ev.Peer)
			case overlay.PeerDisconnected:
				logger.Printf("peer disconnected: %s", ev.Peer)
			case overlay.LocalDiscovered:
				if verbose {
					logger.Printf("local-link discovered %d peer(s)", len(ev.Peers))
				}
			case overlay.LocalExpired:
				if verbose {
					logger.Printf("local-link expired %d peer(s)", len(ev.Peers))
				}
			case overlay.QueryProgressed:
				if verbose {
					logger.Printf("query %s returned %d peer(s)", ev.Key, len(ev.Peers))
				}
			}
		}
	}
}

func parseSeeds(seeds []string, logger *log.Logger) []peer.AddrInfo {
	var infos []peer.AddrInfo
	for _, s := range seeds {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			logger.Printf("bootstrap: invalid seed multiaddr %q: %v", s, err)
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			logger.Printf("bootstrap: seed %q has no peer id: %v", s, err)
			continue
		}
		infos = append(infos, *info)
	}
	return infos
}

func loadOrCreateSigningKey(path string) (ed25519.PrivateKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		if len(data) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("signing key at %s has unexpected length %d", path, len(data))
		}
		return ed25519.PrivateKey(data), nil
	}

	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, signingKey, 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	return signingKey, nil
}
