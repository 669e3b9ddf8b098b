package service

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletrelay/backend/internal/config"
	"walletrelay/backend/internal/domain"
	"walletrelay/backend/internal/storage/memory"
)

// testConfig 构造测试用配置，等级策略与内置默认一致。
func testConfig() *config.Config {
	return &config.Config{
		Relay: config.RelayConfig{
			MaxEnvelopeBytes: 8 * 1024 * 1024,
			DefaultTier:      domain.TierFree,
			FetchPageSize:    50,
			FetchMaxPageSize: 200,
		},
		Tiers: map[domain.Tier]config.TierConfig{
			domain.TierFree: {
				QuotaBytes:       30 * 1024 * 1024,
				TTLSeconds:       30 * 24 * 3600,
				OverflowGracePct: 0,
				WarningRatio:     0.8,
			},
			domain.TierPro: {
				QuotaBytes:       200 * 1024 * 1024,
				TTLSeconds:       90 * 24 * 3600,
				OverflowGracePct: 10,
				WarningRatio:     0.8,
			},
			domain.TierBusiness: {
				QuotaBytes:       1024 * 1024 * 1024,
				TTLSeconds:       180 * 24 * 3600,
				OverflowGracePct: 20,
				WarningRatio:     0.9,
			},
		},
		Reaper: config.ReaperConfig{
			Interval: 10 * time.Minute,
			PageSize: 100,
		},
		Reconciler: config.ReconcilerConfig{
			Interval:        5 * time.Minute,
			BatchSize:       500,
			Repair:          true,
			RepairPerSecond: 0, // 测试不限速
		},
		Abuse: config.AbuseConfig{
			Window:    10 * time.Minute,
			Threshold: 3,
			BlockBase: time.Minute,
			BlockMax:  time.Hour,
		},
	}
}

func newTestService(t *testing.T) (*RelayService, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	return NewRelayService(store, testConfig(), nil), store
}

func makeBox(size int) []byte {
	return bytes.Repeat([]byte{0xAB}, size)
}

func TestRelayService_Enqueue(t *testing.T) {
	t.Run("接收信封并按默认等级建档", func(t *testing.T) {
		svc, store := newTestService(t)

		result, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-1",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(1024),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.NoError(t, err)
		assert.True(t, result.Accepted)
		assert.Equal(t, int64(1024), result.DeltaApplied)
		assert.Equal(t, int64(1024), result.UsedBytes)

		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, domain.TierFree, account.Tier)
		assert.Equal(t, int64(1024), account.UsedBytes)

		saved, err := store.GetEnvelope("0xalice", "msg-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1024), saved.BoxSize)
		assert.False(t, saved.EnqueuedAt.IsZero())
	})

	t.Run("未指定 ID 时由服务端生成", func(t *testing.T) {
		svc, _ := newTestService(t)

		result, err := svc.Enqueue(EnqueueInput{
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(100),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, result.ID)
	})

	t.Run("同键重发不重复扣配额", func(t *testing.T) {
		svc, store := newTestService(t)

		input := EnqueueInput{
			ID:          "msg-1",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(2048),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		}
		first, err := svc.Enqueue(input)
		require.NoError(t, err)
		firstSaved, err := store.GetEnvelope("0xalice", "msg-1")
		require.NoError(t, err)

		second, err := svc.Enqueue(input)
		require.NoError(t, err)
		assert.Equal(t, int64(2048), first.DeltaApplied)
		assert.Equal(t, int64(0), second.DeltaApplied)

		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, int64(2048), account.UsedBytes)

		// 首次入队时间保留
		secondSaved, err := store.GetEnvelope("0xalice", "msg-1")
		require.NoError(t, err)
		assert.Equal(t, firstSaved.EnqueuedAt, secondSaved.EnqueuedAt)
	})

	t.Run("重发更大的负载只记差值", func(t *testing.T) {
		svc, store := newTestService(t)

		input := EnqueueInput{
			ID:          "msg-1",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(1000),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		}
		_, err := svc.Enqueue(input)
		require.NoError(t, err)

		input.Box = makeBox(1500)
		result, err := svc.Enqueue(input)
		require.NoError(t, err)
		assert.Equal(t, int64(500), result.DeltaApplied)

		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, int64(1500), account.UsedBytes)
	})

	t.Run("超过单封硬上限拒收", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-big",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(8*1024*1024 + 1),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeMedia,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrPayloadTooLarge)

		var detail *PayloadTooLargeError
		require.ErrorAs(t, err, &detail)
		assert.Equal(t, int64(8*1024*1024+1), detail.BoxSize)
		assert.Equal(t, int64(8*1024*1024), detail.MaxBytes)
	})

	t.Run("配额拒绝带结构化详情", func(t *testing.T) {
		svc, store := newTestService(t)

		// free 档 30MB 配额无宽限，已用 29.9MB，再投 200KB 必须被拒
		usedBytes := int64(299 * 1024 * 1024 / 10)
		now := time.Now().UTC()
		require.NoError(t, store.SaveAccount(&domain.Account{
			Wallet:    "0xalice",
			Tier:      domain.TierFree,
			UsedBytes: usedBytes,
			CreatedAt: now,
			UpdatedAt: now,
		}))

		_, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-1",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(200 * 1024),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeMedia,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrQuotaExceeded)

		var detail *QuotaExceededError
		require.ErrorAs(t, err, &detail)
		assert.Equal(t, int64(30*1024*1024), detail.QuotaBytes)
		assert.Equal(t, usedBytes, detail.UsedBytes)
		assert.Equal(t, int64(200*1024), detail.IncomingBytes)

		// 被拒的信封不落库、不记账
		_, err = store.GetEnvelope("0xalice", "msg-1")
		assert.Error(t, err)
		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, usedBytes, account.UsedBytes)
	})

	t.Run("恰好打满宽限阈值成功再多一字节失败", func(t *testing.T) {
		svc, store := newTestService(t)

		quota := int64(1000)
		now := time.Now().UTC()
		require.NoError(t, store.SaveAccount(&domain.Account{
			Wallet:     "0xbob",
			Tier:       domain.TierFree,
			QuotaBytes: &quota,
			CreatedAt:  now,
			UpdatedAt:  now,
		}))

		result, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-exact",
			From:        "0xsender",
			To:          "0xbob",
			Box:         makeBox(1000),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1000), result.UsedBytes)

		_, err = svc.Enqueue(EnqueueInput{
			ID:          "msg-over",
			From:        "0xsender",
			To:          "0xbob",
			Box:         makeBox(1),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})

	t.Run("宽限百分比抬高拒收阈值", func(t *testing.T) {
		svc, store := newTestService(t)

		// pro 档 10% 宽限：配额 1000 时阈值 1100
		quota := int64(1000)
		now := time.Now().UTC()
		require.NoError(t, store.SaveAccount(&domain.Account{
			Wallet:     "0xcarol",
			Tier:       domain.TierPro,
			QuotaBytes: &quota,
			CreatedAt:  now,
			UpdatedAt:  now,
		}))

		_, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-grace",
			From:        "0xsender",
			To:          "0xcarol",
			Box:         makeBox(1100),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.NoError(t, err)

		_, err = svc.Enqueue(EnqueueInput{
			ID:          "msg-grace-2",
			From:        "0xsender",
			To:          "0xcarol",
			Box:         makeBox(1),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		assert.ErrorIs(t, err, ErrQuotaExceeded)
	})

	t.Run("并发投递不突破宽限上限", func(t *testing.T) {
		svc, store := newTestService(t)

		// free 档无宽限，配额覆盖为 1000 字节：16 个 900 字节的并发
		// 投递最多只能有一个被接收
		quota := int64(1000)
		now := time.Now().UTC()
		require.NoError(t, store.SaveAccount(&domain.Account{
			Wallet:     "0xhot",
			Tier:       domain.TierFree,
			QuotaBytes: &quota,
			CreatedAt:  now,
			UpdatedAt:  now,
		}))

		var wg sync.WaitGroup
		var accepted atomic.Int64
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := svc.Enqueue(EnqueueInput{
					ID:          fmt.Sprintf("msg-%d", i),
					From:        "0xsender",
					To:          "0xhot",
					Box:         makeBox(900),
					IV:          []byte("nonce"),
					MessageType: domain.MessageTypeText,
				})
				if err == nil {
					accepted.Add(1)
				} else {
					assert.ErrorIs(t, err, ErrQuotaExceeded)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int64(1), accepted.Load())

		// 落库的字节总和与计数器都不越过宽限上限
		snapshot, err := store.MailboxSnapshot("0xhot")
		require.NoError(t, err)
		assert.Equal(t, int64(900), snapshot.Bytes)
		account, err := store.GetAccount("0xhot")
		require.NoError(t, err)
		assert.Equal(t, snapshot.Bytes, account.UsedBytes)
	})

	t.Run("预留后写入失败回滚计数", func(t *testing.T) {
		svc, store := newTestService(t)

		store.FailSaveEnvelope(fmt.Errorf("disk full"))
		_, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-fail",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(700),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.Error(t, err)

		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), account.UsedBytes)

		// 故障恢复后同一封信正常入队
		store.FailSaveEnvelope(nil)
		result, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-fail",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(700),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(700), result.UsedBytes)
	})

	t.Run("非法信封拒收", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-empty",
			From:        "0xsender",
			To:          "0xalice",
			Box:         nil,
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		assert.ErrorIs(t, err, ErrInvalidEnvelope)

		_, err = svc.Enqueue(EnqueueInput{
			ID:          "msg-noto",
			From:        "0xsender",
			Box:         makeBox(10),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		assert.ErrorIs(t, err, ErrInvalidEnvelope)
	})

	t.Run("入队触发新消息通知", func(t *testing.T) {
		svc, store := newTestService(t)

		var notified []string
		store.SetNewMailFunc(func(wallet string, envelope *domain.Envelope) {
			notified = append(notified, wallet+"/"+envelope.ID)
		})

		_, err := svc.Enqueue(EnqueueInput{
			ID:          "msg-notify",
			From:        "0xsender",
			To:          "0xalice",
			Box:         makeBox(64),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"0xalice/msg-notify"}, notified)
	})
}
