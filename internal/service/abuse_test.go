package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/storage/memory"
)

func newTestTracker(t *testing.T, cfg config.AbuseConfig) (*AbuseTracker, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewAbuseTracker(store, cfg, nil), store
}

func TestAbuseTracker(t *testing.T) {
	cfg := config.AbuseConfig{
		Window:    10 * time.Minute,
		Threshold: 3,
		BlockBase: time.Minute,
		BlockMax:  time.Hour,
	}

	t.Run("未达阈值不封禁", func(t *testing.T) {
		tracker, _ := newTestTracker(t, cfg)

		for i := 0; i < 2; i++ {
			blocked, _, err := tracker.RecordViolation(domain.ScopeWallet, "0xalice")
			require.NoError(t, err)
			assert.False(t, blocked)
		}

		blocked, _, err := tracker.CheckBlocked(domain.ScopeWallet, "0xalice")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("达到阈值触发基准时长封禁", func(t *testing.T) {
		tracker, _ := newTestTracker(t, cfg)

		var until time.Time
		for i := 0; i < 3; i++ {
			var blocked bool
			var err error
			blocked, until, err = tracker.RecordViolation(domain.ScopeWallet, "0xalice")
			require.NoError(t, err)
			if i < 2 {
				assert.False(t, blocked)
			} else {
				assert.True(t, blocked)
			}
		}
		assert.WithinDuration(t, time.Now().UTC().Add(cfg.BlockBase), until, 5*time.Second)

		blocked, retryAfter, err := tracker.CheckBlocked(domain.ScopeWallet, "0xalice")
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Greater(t, retryAfter, time.Duration(0))
		assert.LessOrEqual(t, retryAfter, cfg.BlockBase)
	})

	t.Run("持续违规封禁时长翻倍并封顶", func(t *testing.T) {
		tracker, _ := newTestTracker(t, cfg)

		// 第 3 次 1m，第 4 次 2m，第 5 次 4m……
		assert.Equal(t, time.Minute, tracker.blockDuration(3))
		assert.Equal(t, 2*time.Minute, tracker.blockDuration(4))
		assert.Equal(t, 4*time.Minute, tracker.blockDuration(5))
		assert.Equal(t, 32*time.Minute, tracker.blockDuration(8))
		assert.Equal(t, time.Hour, tracker.blockDuration(9))
		assert.Equal(t, time.Hour, tracker.blockDuration(100))
	})

	t.Run("封禁过期后自动失效", func(t *testing.T) {
		tracker, store := newTestTracker(t, cfg)

		require.NoError(t, store.SetBlock(domain.ScopeIP, "10.0.0.1",
			time.Now().UTC().Add(-time.Second)))

		blocked, _, err := tracker.CheckBlocked(domain.ScopeIP, "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("钱包与 IP 两个维度互不影响", func(t *testing.T) {
		tracker, _ := newTestTracker(t, cfg)

		for i := 0; i < 3; i++ {
			_, _, err := tracker.RecordViolation(domain.ScopeWallet, "0xalice")
			require.NoError(t, err)
		}

		blocked, _, err := tracker.CheckBlocked(domain.ScopeWallet, "0xalice")
		require.NoError(t, err)
		assert.True(t, blocked)

		blocked, _, err = tracker.CheckBlocked(domain.ScopeIP, "0xalice")
		require.NoError(t, err)
		assert.False(t, blocked)
	})

	t.Run("管理员手工解封", func(t *testing.T) {
		tracker, _ := newTestTracker(t, cfg)

		for i := 0; i < 3; i++ {
			_, _, err := tracker.RecordViolation(domain.ScopeWallet, "0xalice")
			require.NoError(t, err)
		}
		blocked, _, err := tracker.CheckBlocked(domain.ScopeWallet, "0xalice")
		require.NoError(t, err)
		require.True(t, blocked)

		require.NoError(t, tracker.Unblock(domain.ScopeWallet, "0xalice"))

		blocked, _, err = tracker.CheckBlocked(domain.ScopeWallet, "0xalice")
		require.NoError(t, err)
		assert.False(t, blocked)
	})
}
