package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 6667, cfg.Server.TCPPort)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, float64(1), cfg.Limits.RatePerSec)
	assert.Equal(t, 10, cfg.Limits.Burst)
	assert.Equal(t, 50, cfg.Limits.ReplayWindow)
	assert.Equal(t, 512*1024, cfg.Limits.MaxFrameBytes)
	assert.Equal(t, 120*time.Second, cfg.Auth.ChallengeTTL())
	assert.Equal(t, 24*time.Hour, cfg.Market.ProposalTTL())
	assert.Equal(t, 10*time.Minute, cfg.Dispute.RevealTimeout())
	assert.Equal(t, 30*time.Minute, cfg.Dispute.ResponseTimeout())
	assert.Equal(t, time.Hour, cfg.Dispute.EvidenceWindow())
	assert.Equal(t, time.Hour, cfg.Dispute.VoteWindow())
	assert.Equal(t, 30*24*time.Hour, cfg.Dispute.IndependenceWindow())
	assert.Equal(t, 3, cfg.Dispute.PanelSize)
	assert.Equal(t, 1200, cfg.Dispute.MinRating)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "", cfg.Redis.Addr)
	assert.Equal(t, "agentchat:events:", cfg.Redis.ChannelPrefix)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentchat.yaml")
	data := `
server:
  tcp_port: 7000
limits:
  burst: 20
dispute:
  panel_size: 5
  filing_fee: 25
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Server.TCPPort)
	assert.Equal(t, 20, cfg.Limits.Burst)
	assert.Equal(t, 5, cfg.Dispute.PanelSize)
	assert.Equal(t, float64(25), cfg.Dispute.FilingFee)
	// Untouched fields keep defaults.
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 1200, cfg.Dispute.MinRating)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("AGENTCHAT_TCP_PORT", "9000")
	t.Setenv("AGENTCHAT_DATA_DIR", "/var/lib/agentchat")
	t.Setenv("AGENTCHAT_REDIS_ADDR", "localhost:6379")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.TCPPort)
	assert.Equal(t, "/var/lib/agentchat", cfg.Storage.DataDir)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/agentchat.yaml")
	assert.Error(t, err)
}
