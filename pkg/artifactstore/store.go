// Package artifactstore implements the content-addressed, read-only store
// of boot artifacts on disk, keyed by (channel, architecture, name).
package artifactstore

import (
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/phase-network/phase-daemon/pkg/crypto"
)

// Meta describes a resolved artifact file.
type Meta struct {
	Name      string
	Path      string
	SizeBytes uint64
	Hash      string
}

var archAliases = map[string][]string{
	"aarch64": {"aarch64", "arm64"},
	"arm64":   {"arm64", "aarch64"},
	"x86_64":  {"x86_64", "amd64"},
	"amd64":   {"amd64", "x86_64"},
}

var nameAliases = map[string][]string{
	"kernel":    {"kernel", "vmlinuz", "vmlinuz-arm64", "bzImage"},
	"initramfs": {"initramfs", "initramfs.img", "initrd", "initramfs-arm64.img"},
	"rootfs":    {"rootfs", "rootfs.img", "rootfs.squashfs"},
}

type cacheKey struct {
	channel, arch, name string
}

// Store is a read-many/write-one cache of artifact hashes layered over
// <base>/<channel>/<arch>/<name> on disk.
type Store struct {
	base string
	log  *log.Logger

	mu    sync.RWMutex
	cache map[cacheKey]Meta
}

// New creates a Store rooted at base. logger may be nil, in which case a
// logger writing to standard error is used.
func New(base string, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[ArtifactStore] ", log.LstdFlags)
	}
	return &Store{
		base:  base,
		log:   logger,
		cache: make(map[cacheKey]Meta),
	}
}

// Base returns the store's root directory.
func (s *Store) Base() string { return s.base }

// isSafeComponent rejects any path component containing "/", "\", "..",
// equal to ".", or empty.
func isSafeComponent(c string) bool {
	if c == "" || c == "." || strings.Contains(c, "..") {
		return false
	}
	return !strings.ContainsAny(c, `/\`)
}

func archCandidates(arch string) []string {
	if aliases, ok := archAliases[arch]; ok {
		return aliases
	}
	return []string{arch}
}

func nameCandidates(name string) []string {
	for _, aliases := range nameAliases {
		for _, alias := range aliases {
			if alias != name {
				continue
			}
			out := make([]string, 0, len(aliases))
			out = append(out, name)
			for _, a := range aliases {
				if a != name {
					out = append(out, a)
				}
			}
			return out
		}
	}
	return []string{name}
}

// Get resolves (channel, arch, name) to its metadata, expanding arch and
// name aliases, and never returning a path outside
// base/<channel>/<arch>/.
func (s *Store) Get(channel, arch, name string) (*Meta, bool) {
	if !isSafeComponent(channel) || !isSafeComponent(arch) || !isSafeComponent(name) {
		s.log.Printf("rejected unsafe path component: channel=%q arch=%q name=%q", channel, arch, name)
		return nil, false
	}

	for _, triedArch := range archCandidates(arch) {
		if !isSafeComponent(triedArch) {
			continue
		}
		for _, triedName := range nameCandidates(name) {
			if !isSafeComponent(triedName) {
				continue
			}
			if meta, ok := s.resolve(channel, triedArch, triedName); ok {
				return &meta, true
			}
		}
	}
	return nil, false
}

func (s *Store) resolve(channel, arch, name string) (Meta, bool) {
	key := cacheKey{channel, arch, name}

	dir := filepath.Join(s.base, channel, arch)
	path := filepath.Join(dir, name)

	// Guard against any alias resolving outside the expected directory.
	if rel, err := filepath.Rel(dir, path); err != nil || strings.HasPrefix(rel, "..") {
		return Meta{}, false
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return Meta{}, false
	}

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		cached.SizeBytes = uint64(info.Size())
		return cached, true
	}

	hash, err := crypto.SHA256File(path)
	if err != nil {
		s.log.Printf("failed to hash %s: %v", path, err)
		return Meta{}, false
	}

	meta := Meta{Name: name, Path: path, SizeBytes: uint64(info.Size()), Hash: hash}
	s.mu.Lock()
	s.cache[key] = meta
	s.mu.Unlock()
	return meta, true
}

// List enumerates the first existing arch-alias directory for channel.
func (s *Store) List(channel, arch string) ([]Meta, error) {
	if !isSafeComponent(channel) || !isSafeComponent(arch) {
		return nil, errors.New("artifactstore: invalid channel or arch")
	}

	var dir string
	for _, triedArch := range archCandidates(arch) {
		candidate := filepath.Join(s.base, channel, triedArch)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			dir = candidate
			arch = triedArch
			break
		}
	}
	if dir == "" {
		return nil, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	metas := make([]Meta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if meta, ok := s.resolve(channel, arch, entry.Name()); ok {
			metas = append(metas, meta)
		}
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Name < metas[j].Name })
	return metas, nil
}
