package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/storage/memory"
)

func newTestReaper(t *testing.T) (*Reaper, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	cfg := testConfig()
	return NewReaper(store, cfg.PolicyTable(), cfg.Reaper, nil), store
}

// seedMailbox 直接落一封指定入队时间的信封并同步记账。
func seedMailbox(t *testing.T, store *memory.Store, wallet, id string, size int, enqueuedAt time.Time) {
	t.Helper()
	require.NoError(t, store.SaveEnvelope(&domain.Envelope{
		ID:          id,
		To:          wallet,
		From:        "0xsender",
		Box:         makeBox(size),
		BoxSize:     int64(size),
		IV:          []byte("nonce"),
		MessageType: domain.MessageTypeText,
		EnqueuedAt:  enqueuedAt,
	}))
	require.NoError(t, store.AddUsedBytes(wallet, int64(size)))
}

// seedAccount 建档并设置配额覆盖。
func seedAccount(t *testing.T, store *memory.Store, wallet string, tier domain.Tier, quota int64) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, store.SaveAccount(&domain.Account{
		Wallet:     wallet,
		Tier:       tier,
		QuotaBytes: &quota,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
}

func TestReaper_RunOnce(t *testing.T) {
	t.Run("达到告警线的账户删除过期信封", func(t *testing.T) {
		reaper, store := newTestReaper(t)

		// free 档告警线 0.8：配额 1000、已用 900 → 触发删除
		seedAccount(t, store, "0xhot", domain.TierFree, 1000)
		old := time.Now().UTC().Add(-31 * 24 * time.Hour)
		seedMailbox(t, store, "0xhot", "expired-1", 500, old)
		seedMailbox(t, store, "0xhot", "expired-2", 400, old)
		seedMailbox(t, store, "0xhot", "fresh", 100, time.Now().UTC())

		result := reaper.RunOnce()
		assert.False(t, result.Skipped)
		assert.Equal(t, 1, result.AccountsScanned)
		assert.Equal(t, 2, result.Deleted)
		assert.Equal(t, int64(900), result.BytesFreed)
		assert.Equal(t, 0, result.Errors)

		// 过期信封已删，新信封保留
		_, err := store.GetEnvelope("0xhot", "expired-1")
		assert.Error(t, err)
		_, err = store.GetEnvelope("0xhot", "fresh")
		assert.NoError(t, err)

		// 用量重算为剩余真实字节和
		account, err := store.GetAccount("0xhot")
		require.NoError(t, err)
		assert.Equal(t, int64(100), account.UsedBytes)
	})

	t.Run("低水位账户保留过期信封", func(t *testing.T) {
		reaper, store := newTestReaper(t)

		// 配额 10000、已用 600 → 使用率 0.06，远低于告警线
		seedAccount(t, store, "0xcold", domain.TierFree, 10000)
		old := time.Now().UTC().Add(-31 * 24 * time.Hour)
		seedMailbox(t, store, "0xcold", "expired-1", 600, old)

		result := reaper.RunOnce()
		assert.Equal(t, 0, result.Deleted)
		assert.Equal(t, int64(0), result.BytesFreed)

		// 过期但未删
		_, err := store.GetEnvelope("0xcold", "expired-1")
		assert.NoError(t, err)
	})

	t.Run("重算步骤自愈计数漂移", func(t *testing.T) {
		reaper, store := newTestReaper(t)

		seedAccount(t, store, "0xdrift", domain.TierFree, 10000)
		seedMailbox(t, store, "0xdrift", "msg-1", 300, time.Now().UTC())

		// 人为制造漂移：计数器偏大
		require.NoError(t, store.SetUsedBytes("0xdrift", 9999))

		result := reaper.RunOnce()
		assert.Equal(t, 0, result.Errors)

		account, err := store.GetAccount("0xdrift")
		require.NoError(t, err)
		assert.Equal(t, int64(300), account.UsedBytes)
	})

	t.Run("账户级覆盖的 TTL 生效", func(t *testing.T) {
		reaper, store := newTestReaper(t)

		// TTL 覆盖为 1 小时，2 小时前的信封已过期
		quota := int64(1000)
		ttl := int64(3600)
		now := time.Now().UTC()
		require.NoError(t, store.SaveAccount(&domain.Account{
			Wallet:     "0xshort",
			Tier:       domain.TierFree,
			QuotaBytes: &quota,
			TTLSeconds: &ttl,
			CreatedAt:  now,
			UpdatedAt:  now,
		}))
		seedMailbox(t, store, "0xshort", "stale", 900, now.Add(-2*time.Hour))

		result := reaper.RunOnce()
		assert.Equal(t, 1, result.Deleted)
		assert.Equal(t, int64(900), result.BytesFreed)
	})

	t.Run("按等级汇总", func(t *testing.T) {
		reaper, store := newTestReaper(t)

		old := time.Now().UTC().Add(-200 * 24 * time.Hour)
		seedAccount(t, store, "0xfree", domain.TierFree, 1000)
		seedMailbox(t, store, "0xfree", "f1", 900, old)
		seedAccount(t, store, "0xbiz", domain.TierBusiness, 1000)
		seedMailbox(t, store, "0xbiz", "b1", 950, old)

		result := reaper.RunOnce()
		require.Contains(t, result.PerTier, domain.TierFree)
		require.Contains(t, result.PerTier, domain.TierBusiness)
		assert.Equal(t, 1, result.PerTier[domain.TierFree].Deleted)
		assert.Equal(t, int64(900), result.PerTier[domain.TierFree].BytesFreed)
		assert.Equal(t, 1, result.PerTier[domain.TierBusiness].Deleted)
	})

	t.Run("并发触发时第二次直接跳过", func(t *testing.T) {
		reaper, _ := newTestReaper(t)

		reaper.running.Store(true)
		result := reaper.RunOnce()
		assert.True(t, result.Skipped)

		reaper.running.Store(false)
		result = reaper.RunOnce()
		assert.False(t, result.Skipped)
	})
}
