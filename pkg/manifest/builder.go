package manifest

import "time"

// DefaultValidity is the window a freshly built manifest is valid for.
const DefaultValidity = 30 * 24 * time.Hour

// Builder accumulates fields and emits a BootManifest.
type Builder struct {
	version   string
	channel   string
	arch      string
	artifacts map[string]ArtifactInfo
	provider  *ProviderInfo
}

// NewBuilder starts a new manifest builder.
func NewBuilder() *Builder {
	return &Builder{artifacts: make(map[string]ArtifactInfo)}
}

func (b *Builder) Version(v string) *Builder { b.version = v; return b }
func (b *Builder) Channel(c string) *Builder { b.channel = c; return b }
func (b *Builder) Arch(a string) *Builder    { b.arch = a; return b }

func (b *Builder) WithArtifact(name string, info ArtifactInfo) *Builder {
	b.artifacts[name] = info
	return b
}

func (b *Builder) WithProvider(p *ProviderInfo) *Builder {
	b.provider = p
	return b
}

// Build emits the BootManifest, defaulting CreatedAt to now and ExpiresAt
// to now+DefaultValidity. It fails with a *MissingFieldError when Version
// is unset and with a *MissingArtifactError when the "kernel" artifact is
// absent.
func (b *Builder) Build() (*BootManifest, error) {
	if b.version == "" {
		return nil, &MissingFieldError{Field: "version"}
	}
	if _, ok := b.artifacts[KernelArtifactKey]; !ok {
		return nil, &MissingArtifactError{Name: KernelArtifactKey}
	}

	now := time.Now()
	artifacts := make(map[string]ArtifactInfo, len(b.artifacts))
	for k, v := range b.artifacts {
		artifacts[k] = v
	}

	return &BootManifest{
		ManifestVersion: 1,
		Version:         b.version,
		Channel:         b.channel,
		Arch:            b.arch,
		CreatedAt:       formatISO8601(now),
		ExpiresAt:       formatISO8601(now.Add(DefaultValidity)),
		Artifacts:       artifacts,
		Signatures:      []Signature{},
		Provider:        b.provider,
	}, nil
}
