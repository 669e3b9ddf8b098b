package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"walletrelay/backend/internal/domain"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoad_RejectsDefaultSecret(t *testing.T) {
	// 未设置密钥时 Load 必须失败
	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "JWT secret")
}

func TestLoad_RejectsShortSecret(t *testing.T) {
	t.Setenv("WALLETRELAY_JWT_SECRET", "too-short")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("WALLETRELAY_JWT_SECRET", testSecret)

	cfg, err := Load()
	assert.NoError(t, err)
	assert.NotNil(t, cfg)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int64(8*1024*1024), cfg.Relay.MaxEnvelopeBytes)
	assert.Equal(t, domain.TierFree, cfg.Relay.DefaultTier)
	assert.Equal(t, 50, cfg.Relay.FetchPageSize)

	free := cfg.Tiers[domain.TierFree]
	assert.Equal(t, int64(30*1024*1024), free.QuotaBytes)
	assert.Equal(t, int64(30*24*3600), free.TTLSeconds)
	assert.Equal(t, 0, free.OverflowGracePct)
	assert.Equal(t, 0.8, free.WarningRatio)

	assert.Equal(t, 10*time.Minute, cfg.Reaper.Interval)
	assert.Equal(t, 100, cfg.Reaper.PageSize)
	assert.Equal(t, 500, cfg.Reconciler.BatchSize)
	assert.True(t, cfg.Reconciler.Repair)
	assert.False(t, cfg.Reconciler.CheckHistory)

	assert.Equal(t, int64(60), cfg.RateLimit.Enqueue.Max)
	assert.Equal(t, time.Minute, cfg.RateLimit.Enqueue.Window)
	assert.Equal(t, int64(5), cfg.Abuse.Threshold)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("WALLETRELAY_JWT_SECRET", testSecret)
	t.Setenv("WALLETRELAY_SERVER_PORT", "9090")
	t.Setenv("WALLETRELAY_RELAY_DEFAULT_TIER", "pro")
	t.Setenv("WALLETRELAY_REAPER_INTERVAL", "1m")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, domain.TierPro, cfg.Relay.DefaultTier)
	assert.Equal(t, time.Minute, cfg.Reaper.Interval)
}

func TestLoad_InvalidTier(t *testing.T) {
	t.Setenv("WALLETRELAY_JWT_SECRET", testSecret)
	t.Setenv("WALLETRELAY_RELAY_DEFAULT_TIER", "platinum")

	cfg, err := Load()
	assert.Error(t, err)
	assert.Nil(t, cfg)
}

func TestConfig_PolicyTable(t *testing.T) {
	t.Setenv("WALLETRELAY_JWT_SECRET", testSecret)

	cfg, err := Load()
	assert.NoError(t, err)

	table := cfg.PolicyTable()
	policy := table.Resolve(&domain.Account{Wallet: "0xabc", Tier: domain.TierBusiness})
	assert.Equal(t, int64(1024*1024*1024), policy.QuotaBytes)
	assert.Equal(t, 20, policy.OverflowGracePct)
}
