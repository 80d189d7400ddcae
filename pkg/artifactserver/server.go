// Package artifactserver exposes boot artifacts and their signed
// manifest over HTTP, with resumable range reads and basic liveness and
// metrics endpoints.
package artifactserver

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/phase-network/phase-daemon/pkg/artifactstore"
	"github.com/phase-network/phase-daemon/pkg/manifest"
)

// Config configures a Server instance.
type Config struct {
	Channel          string
	Arch             string
	Version          string
	ProviderHTTPAddr string
	ProviderPeerID   string
}

// Server serves the daemon's HTTP surface: server info, health, status,
// manifests, and artifact bodies.
type Server struct {
	store      *artifactstore.Store
	signingKey ed25519.PrivateKey
	cfg        Config
	startTime  time.Time

	registry         *prometheus.Registry
	requestsTotal    prometheus.Counter
	bytesServedTotal prometheus.Counter
	requestsTotalRaw atomic.Uint64
	bytesServedRaw   atomic.Uint64

	manifestMu    sync.Mutex
	manifestCache map[string]*manifest.BootManifest
}

// manifestRevalidateWindow is the remaining-validity threshold below
// which a cached manifest is rebuilt and re-signed instead of served
// as-is.
const manifestRevalidateWindow = time.Hour

// New constructs a Server backed by store and signing manifests with
// signingKey.
func New(store *artifactstore.Store, signingKey ed25519.PrivateKey, cfg Config) *Server {
	registry := prometheus.NewRegistry()
	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phase_artifactserver_requests_total",
		Help: "Total artifact handler invocations.",
	})
	bytesServedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "phase_artifactserver_bytes_served_total",
		Help: "Total bytes written to clients by the artifact handler.",
	})
	registry.MustRegister(requestsTotal, bytesServedTotal)

	s := &Server{
		store:            store,
		signingKey:       signingKey,
		cfg:              cfg,
		startTime:        time.Now(),
		registry:         registry,
		requestsTotal:    requestsTotal,
		bytesServedTotal: bytesServedTotal,
		manifestCache:    make(map[string]*manifest.BootManifest),
	}

	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "phase_artifactserver_uptime_seconds",
		Help: "Seconds since the artifact server started.",
	}, func() float64 { return s.uptime().Seconds() }))

	return s
}

// Router builds the chi router exposing every endpoint.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/", s.handleInfo)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/manifest.json", s.handleDefaultManifest)
	r.Get("/{channel}/{arch}/manifest.json", s.handleManifest)
	r.Get("/{channel}/{arch}/{artifact}", s.handleArtifact)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) uptime() time.Duration { return time.Since(s.startTime) }

type infoPayload struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	Channel       string `json:"channel"`
	Arch          string `json:"arch"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infoPayload{
		Name:          "phase-daemon",
		Version:       s.cfg.Version,
		Channel:       s.cfg.Channel,
		Arch:          s.cfg.Arch,
		UptimeSeconds: int64(s.uptime().Seconds()),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.artifactDirHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) artifactDirHealthy() bool {
	dir := s.store.Base()
	if _, err := os.Stat(dir); err != nil {
		return false
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return false
	}
	freeBytes := stat.Bavail * uint64(stat.Bsize)
	return freeBytes > 0
}

type statusPayload struct {
	infoPayload
	Healthy          bool   `json:"healthy"`
	RequestsTotal    uint64 `json:"requests_total"`
	BytesServedTotal uint64 `json:"bytes_served_total"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusPayload{
		infoPayload: infoPayload{
			Name:          "phase-daemon",
			Version:       s.cfg.Version,
			Channel:       s.cfg.Channel,
			Arch:          s.cfg.Arch,
			UptimeSeconds: int64(s.uptime().Seconds()),
		},
		Healthy:          s.artifactDirHealthy(),
		RequestsTotal:    s.requestsTotalRaw.Load(),
		BytesServedTotal: s.bytesServedRaw.Load(),
	})
}

func (s *Server) handleDefaultManifest(w http.ResponseWriter, r *http.Request) {
	s.serveManifest(w, r, s.cfg.Channel, s.cfg.Arch)
}

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	s.serveManifest(w, r, chi.URLParam(r, "channel"), chi.URLParam(r, "arch"))
}

func (s *Server) serveManifest(w http.ResponseWriter, r *http.Request, channel, arch string) {
	m, err := s.manifestFor(channel, arch)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// manifestFor returns the cached signed manifest for (channel, arch),
// rebuilding it when none is cached yet or the cached one has less than
// manifestRevalidateWindow of validity left.
func (s *Server) manifestFor(channel, arch string) (*manifest.BootManifest, error) {
	key := channel + "/" + arch

	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	if cached, ok := s.manifestCache[key]; ok && manifestStillFresh(cached) {
		return cached, nil
	}

	m, err := s.buildManifest(channel, arch)
	if err != nil {
		return nil, err
	}
	s.manifestCache[key] = m
	return m, nil
}

func manifestStillFresh(m *manifest.BootManifest) bool {
	expires, err := time.Parse(time.RFC3339, m.ExpiresAt)
	if err != nil {
		return false
	}
	return time.Until(expires) > manifestRevalidateWindow
}

func (s *Server) buildManifest(channel, arch string) (*manifest.BootManifest, error) {
	kernel, ok := s.store.Get(channel, arch, "kernel")
	if !ok {
		return nil, fmt.Errorf("artifactserver: no kernel artifact for %s/%s", channel, arch)
	}

	builder := manifest.NewBuilder().
		Version(s.cfg.Version).
		Channel(channel).
		Arch(arch).
		WithArtifact(manifest.KernelArtifactKey, artifactInfoFor(kernel, channel, arch, manifest.KernelArtifactKey))

	for _, name := range []string{"initramfs", "rootfs"} {
		if meta, ok := s.store.Get(channel, arch, name); ok {
			builder = builder.WithArtifact(name, artifactInfoFor(meta, channel, arch, name))
		}
	}

	if s.cfg.ProviderHTTPAddr != "" || s.cfg.ProviderPeerID != "" {
		builder = builder.WithProvider(&manifest.ProviderInfo{
			HTTPAddr: s.cfg.ProviderHTTPAddr,
			PeerID:   s.cfg.ProviderPeerID,
		})
	}

	m, err := builder.Build()
	if err != nil {
		return nil, err
	}

	if len(s.signingKey) == ed25519.PrivateKeySize {
		if _, err := manifest.Sign(m, s.signingKey); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func artifactInfoFor(meta *artifactstore.Meta, channel, arch, canonicalName string) manifest.ArtifactInfo {
	return manifest.ArtifactInfo{
		Filename:    meta.Name,
		SizeBytes:   meta.SizeBytes,
		Hash:        meta.Hash,
		DownloadURL: fmt.Sprintf("/%s/%s/%s", channel, arch, canonicalName),
	}
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	s.requestsTotal.Inc()
	s.requestsTotalRaw.Add(1)

	channel := chi.URLParam(r, "channel")
	arch := chi.URLParam(r, "arch")
	artifact := chi.URLParam(r, "artifact")

	meta, ok := s.store.Get(channel, arch, artifact)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	f, err := os.Open(meta.Path)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Artifact-Hash", meta.Hash)

	rng, present, valid := parseRange(r.Header.Get("Range"), meta.SizeBytes)
	switch {
	case !present:
		w.Header().Set("Content-Length", strconv.FormatUint(meta.SizeBytes, 10))
		w.WriteHeader(http.StatusOK)
		written, _ := io.Copy(w, f)
		s.bytesServedTotal.Add(float64(written))
		s.bytesServedRaw.Add(uint64(written))
	case !valid:
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", meta.SizeBytes))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	default:
		length := rng.End - rng.Start + 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, meta.SizeBytes))
		w.Header().Set("Content-Length", strconv.FormatUint(length, 10))
		w.WriteHeader(http.StatusPartialContent)

		if _, err := f.Seek(int64(rng.Start), io.SeekStart); err != nil {
			return
		}
		written, _ := io.CopyN(w, f, int64(length))
		s.bytesServedTotal.Add(float64(written))
		s.bytesServedRaw.Add(uint64(written))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
