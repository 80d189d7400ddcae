package advertiser

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phase-network/phase-daemon/pkg/overlay"
)

func newTestAdvertiser(t *testing.T) *Advertiser {
	t.Helper()
	node, err := overlay.New(context.Background(), []string{"/ip4/127.0.0.1/tcp/0"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = node.Close() })
	return New(node, "stable", "arm64", "127.0.0.1:8080", "/manifest.json", 8080, nil)
}

func TestPublishStoresRecordOnOverlay(t *testing.T) {
	a := newTestAdvertiser(t)
	a.manifestVersion = 3

	require.NoError(t, a.publish())

	key := overlay.ManifestKey("stable", "arm64")
	data, ok := a.overlay.GetRecord(key)
	require.True(t, ok)

	var record ManifestRecord
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "stable", record.Channel)
	assert.Equal(t, "arm64", record.Arch)
	assert.Equal(t, 3, record.ManifestVersion)
	assert.Equal(t, uint64(DefaultManifestTTL.Seconds()), record.TTLSecs)
}

func TestOnManifestVersionChangeRepublishesOnlyOnChange(t *testing.T) {
	a := newTestAdvertiser(t)
	require.NoError(t, a.publish())

	key := overlay.ManifestKey("stable", "arm64")
	first, _ := a.overlay.GetRecord(key)

	a.OnManifestVersionChange(0)
	unchanged, _ := a.overlay.GetRecord(key)
	assert.Equal(t, first, unchanged)

	a.OnManifestVersionChange(7)
	time.Sleep(10 * time.Millisecond)
	changed, ok := a.overlay.GetRecord(key)
	require.True(t, ok)

	var record ManifestRecord
	require.NoError(t, json.Unmarshal(changed, &record))
	assert.Equal(t, 7, record.ManifestVersion)
}
