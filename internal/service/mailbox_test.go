package service

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"walletrelay/backend/internal/domain"
)

// enqueueN 按固定间隔入队 n 封指定大小的信封。
func enqueueN(t *testing.T, svc *RelayService, wallet string, sizes []int) {
	t.Helper()
	for i, size := range sizes {
		_, err := svc.Enqueue(EnqueueInput{
			ID:          fmt.Sprintf("msg-%03d", i),
			From:        "0xsender",
			To:          wallet,
			Box:         makeBox(size),
			IV:          []byte("nonce"),
			MessageType: domain.MessageTypeText,
		})
		require.NoError(t, err)
	}
}

func TestRelayService_Fetch(t *testing.T) {
	t.Run("按入队顺序分页拉取", func(t *testing.T) {
		svc, _ := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{10, 20, 30, 40, 50})

		page1, err := svc.Fetch("0xalice", "", 2)
		require.NoError(t, err)
		require.Len(t, page1.Envelopes, 2)
		assert.NotEmpty(t, page1.NextCursor)

		page2, err := svc.Fetch("0xalice", page1.NextCursor, 2)
		require.NoError(t, err)
		require.Len(t, page2.Envelopes, 2)

		page3, err := svc.Fetch("0xalice", page2.NextCursor, 2)
		require.NoError(t, err)
		require.Len(t, page3.Envelopes, 1)

		// 三页合起来不重不漏
		seen := make(map[string]bool)
		for _, page := range []*FetchResult{page1, page2, page3} {
			for _, envelope := range page.Envelopes {
				assert.False(t, seen[envelope.ID], "duplicate envelope %s", envelope.ID)
				seen[envelope.ID] = true
			}
		}
		assert.Len(t, seen, 5)
	})

	t.Run("首次拉取标记投递时间且幂等", func(t *testing.T) {
		svc, store := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{10})

		first, err := svc.Fetch("0xalice", "", 10)
		require.NoError(t, err)
		require.Len(t, first.Envelopes, 1)
		require.NotNil(t, first.Envelopes[0].DeliveredAt)

		saved, err := store.GetEnvelope("0xalice", first.Envelopes[0].ID)
		require.NoError(t, err)
		require.NotNil(t, saved.DeliveredAt)
		delivered := *saved.DeliveredAt

		// 重复拉取不改写投递时间
		second, err := svc.Fetch("0xalice", "", 10)
		require.NoError(t, err)
		require.Len(t, second.Envelopes, 1)
		saved, err = store.GetEnvelope("0xalice", second.Envelopes[0].ID)
		require.NoError(t, err)
		assert.Equal(t, delivered, *saved.DeliveredAt)
	})

	t.Run("拉取不改动用量", func(t *testing.T) {
		svc, store := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{100, 200})

		_, err := svc.Fetch("0xalice", "", 10)
		require.NoError(t, err)

		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, int64(300), account.UsedBytes)
	})

	t.Run("分页参数钳制到默认与上限", func(t *testing.T) {
		svc, _ := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{10, 10, 10})

		// limit <= 0 用默认值
		result, err := svc.Fetch("0xalice", "", 0)
		require.NoError(t, err)
		assert.Len(t, result.Envelopes, 3)

		// 超过上限被钳制（上限 200，这里只验证不报错）
		result, err = svc.Fetch("0xalice", "", 10000)
		require.NoError(t, err)
		assert.Len(t, result.Envelopes, 3)
	})

	t.Run("非法游标报错", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.Fetch("0xalice", "!!!not-base64!!!", 10)
		assert.Error(t, err)
	})
}

func TestRelayService_Ack(t *testing.T) {
	t.Run("确认删除信封", func(t *testing.T) {
		svc, store := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{10, 20, 30})

		result, err := svc.Ack("0xalice", []string{"msg-000", "msg-002"})
		require.NoError(t, err)
		assert.Equal(t, 2, result.Acked)

		_, err = store.GetEnvelope("0xalice", "msg-000")
		assert.Error(t, err)
		_, err = store.GetEnvelope("0xalice", "msg-001")
		assert.NoError(t, err)
	})

	t.Run("确认已删除的 ID 是空操作", func(t *testing.T) {
		svc, _ := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{10})

		result, err := svc.Ack("0xalice", []string{"msg-000"})
		require.NoError(t, err)
		assert.Equal(t, 1, result.Acked)

		result, err = svc.Ack("0xalice", []string{"msg-000", "ghost"})
		require.NoError(t, err)
		assert.Equal(t, 0, result.Acked)
	})

	t.Run("确认不释放配额", func(t *testing.T) {
		svc, store := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{100})

		_, err := svc.Ack("0xalice", []string{"msg-000"})
		require.NoError(t, err)

		// 字节释放交给 TTL 清理或清空信箱
		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, int64(100), account.UsedBytes)
	})

	t.Run("空 ID 列表直接返回", func(t *testing.T) {
		svc, _ := newTestService(t)

		result, err := svc.Ack("0xalice", nil)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Acked)
	})
}

func TestRelayService_Purge(t *testing.T) {
	t.Run("清空信箱并归零用量", func(t *testing.T) {
		svc, store := newTestService(t)

		// 12 封共 4404019 字节
		sizes := make([]int, 12)
		for i := 0; i < 11; i++ {
			sizes[i] = 367000
		}
		sizes[11] = 367019
		enqueueN(t, svc, "0xalice", sizes)

		result, err := svc.Purge("0xalice")
		require.NoError(t, err)
		assert.Equal(t, 12, result.MessagesDeleted)
		assert.Equal(t, int64(4404019), result.BytesFreed)
		assert.Equal(t, int64(0), result.UsedBytesNow)

		account, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, int64(0), account.UsedBytes)

		snapshot, err := store.MailboxSnapshot("0xalice")
		require.NoError(t, err)
		assert.Equal(t, 0, snapshot.Count)
	})

	t.Run("清空空信箱返回零", func(t *testing.T) {
		svc, _ := newTestService(t)

		result, err := svc.Purge("0xnobody")
		require.NoError(t, err)
		assert.Equal(t, 0, result.MessagesDeleted)
		assert.Equal(t, int64(0), result.BytesFreed)
	})
}

func TestRelayService_Usage(t *testing.T) {
	t.Run("返回配额与用量概览", func(t *testing.T) {
		svc, _ := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{1000, 2000})

		usage, err := svc.Usage("0xalice")
		require.NoError(t, err)
		assert.Equal(t, domain.TierFree, usage.Tier)
		assert.Equal(t, int64(30*1024*1024), usage.QuotaBytes)
		assert.Equal(t, int64(3000), usage.UsedBytes)
		assert.Equal(t, int64(30*1024*1024-3000), usage.FreeBytes)
		assert.Equal(t, 2, usage.MessageCount)
		assert.Equal(t, int64(8*1024*1024), usage.MaxEnvelopeBytes)
	})

	t.Run("未建档账户按默认等级返回", func(t *testing.T) {
		svc, _ := newTestService(t)

		usage, err := svc.Usage("0xnobody")
		require.NoError(t, err)
		assert.Equal(t, domain.TierFree, usage.Tier)
		assert.Equal(t, int64(0), usage.UsedBytes)
		assert.Equal(t, 0, usage.MessageCount)
	})
}

func TestRelayService_SetTier(t *testing.T) {
	t.Run("调整等级", func(t *testing.T) {
		svc, store := newTestService(t)
		enqueueN(t, svc, "0xalice", []int{10})

		account, err := svc.SetTier("0xalice", domain.TierBusiness)
		require.NoError(t, err)
		assert.Equal(t, domain.TierBusiness, account.Tier)

		saved, err := store.GetAccount("0xalice")
		require.NoError(t, err)
		assert.Equal(t, domain.TierBusiness, saved.Tier)
		assert.WithinDuration(t, time.Now().UTC(), saved.UpdatedAt, time.Minute)
	})

	t.Run("非法等级报错", func(t *testing.T) {
		svc, _ := newTestService(t)

		_, err := svc.SetTier("0xalice", domain.Tier("platinum"))
		assert.Error(t, err)
	})
}
