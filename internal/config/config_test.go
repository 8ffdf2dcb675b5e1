package config

import (
	"testing"
	"time"

	"github.com/meshdrop/meshdrop/pkg/bytesize"
	"github.com/meshdrop/meshdrop/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadNodeConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
node_id: node-a
node_url: "http://10.0.0.1:8080"
listen: ":9000"
network_secret: "s3cret"
data_dir: /srv/meshdrop
seeds:
  - http://10.0.0.2:8080/
  - http://10.0.0.3:8080
replication_factor: 2
archive_after: 30d
delete_delay: 12h
max_upload_size: 64MB
scheduler:
  intervals:
    check_peers: 30s
    archive_old_files: "0"
`
	path := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "http://10.0.0.1:8080/", cfg.NodeURL)
	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, "/srv/meshdrop", cfg.DataDir)
	assert.Equal(t, []string{"http://10.0.0.2:8080/", "http://10.0.0.3:8080/"}, cfg.Seeds)
	assert.Equal(t, 2, cfg.ReplicationFactor)
	assert.Equal(t, 30*24*time.Hour, cfg.ArchiveAfter.Std())
	assert.Equal(t, 12*time.Hour, cfg.DeleteDelay.Std())
	assert.Equal(t, 64*bytesize.MB, cfg.MaxUploadSize.Bytes())
	assert.Equal(t, 30*time.Second, cfg.TaskInterval("check_peers"))
	assert.Equal(t, time.Duration(0), cfg.TaskInterval("archive_old_files"))
	assert.Equal(t, 5*time.Minute, cfg.TaskInterval("gossip_peers"))
}

func TestLoadNodeConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
node_url: "https://node.example.org"
network_secret: "s3cret"
`
	path := testutil.TempFile(t, dir, "node.yaml", content)

	cfg, err := LoadNodeConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "/var/lib/meshdrop", cfg.DataDir)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, 3, cfg.ReplicationFactor)
	assert.Equal(t, 3, cfg.GossipFanout)
	assert.Equal(t, 10, cfg.MetadataSample)
	assert.Equal(t, 180*24*time.Hour, cfg.ArchiveAfter.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.RearchiveWindow.Std())
	assert.Equal(t, 48*time.Hour, cfg.DeleteDelay.Std())
	assert.Equal(t, time.Duration(0), cfg.TombstoneRetention.Std())
	assert.Equal(t, 10*time.Second, cfg.PeerTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.HealthTimeout.Std())
	assert.Equal(t, []string{"sha256", "blake2b256", "md5"}, cfg.ChecksumAlgorithms)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadNodeConfig_Invalid(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	tests := []struct {
		name    string
		content string
	}{
		{"missing url", `network_secret: x`},
		{"bad url", "node_url: ftp://x\nnetwork_secret: x"},
		{"missing secret", `node_url: http://a`},
		{"bad seed", "node_url: http://a\nnetwork_secret: x\nseeds: [\"not a url\"]"},
		{"unknown task", "node_url: http://a\nnetwork_secret: x\nscheduler:\n  intervals:\n    frobnicate: 1m"},
		{"bad duration", "node_url: http://a\nnetwork_secret: x\ndelete_delay: soon"},
		{"invalid yaml", "node_url: [oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := testutil.TempFile(t, dir, tt.name+".yaml", tt.content)
			_, err := LoadNodeConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadNodeConfig_FileNotFound(t *testing.T) {
	_, err := LoadNodeConfig("/nonexistent/path/node.yaml")
	assert.Error(t, err)
}

func TestLoadGatewayConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
network_secret: "s3cret"
seeds: ["http://10.0.0.1:8080"]
refresh_interval: 1m
`
	path := testutil.TempFile(t, dir, "gateway.yaml", content)

	cfg, err := LoadGatewayConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":8090", cfg.Listen)
	assert.Equal(t, []string{"http://10.0.0.1:8080/"}, cfg.Seeds)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout.Std())
	assert.Equal(t, 600*time.Second, cfg.DownloadTimeout.Std())
	assert.Equal(t, time.Minute, cfg.Refresh())
}

func TestLoadGatewayConfig_RefreshInterval(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "default.yaml", "network_secret: s\nseeds: [\"http://a:1\"]\n")
	cfg, err := LoadGatewayConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Refresh())

	path = testutil.TempFile(t, dir, "off.yaml", "network_secret: s\nseeds: [\"http://a:1\"]\nrefresh_interval: \"0\"\n")
	cfg, err = LoadGatewayConfig(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Refresh())
}

func TestLoadGatewayConfig_RequiresSeeds(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	path := testutil.TempFile(t, dir, "gateway.yaml", `network_secret: "s3cret"`)
	_, err := LoadGatewayConfig(path)
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("1.5d")
	require.NoError(t, err)
	assert.Equal(t, 36*time.Hour, d)

	d, err = ParseDuration("0")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = ParseDuration("xd")
	assert.Error(t, err)
}
