package syncer

import (
	"context"
	"testing"
	"time"

	"tradevault/broker"
	"tradevault/lock"
	"tradevault/storage"
)

// fakeBroker 可注入数据与错误的适配器
type fakeBroker struct {
	*broker.BaseAdapter
	trades      []*broker.Trade
	positions   []*broker.Position
	balances    []*broker.Balance
	tradesErr   error
	positionErr error
	balanceErr  error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		BaseAdapter: broker.NewBaseAdapter(&broker.Metadata{
			ID:             "fake",
			Name:           "Fake Broker",
			Category:       broker.CategoryCryptoCEX,
			ConnectionType: broker.ConnectionAPIKey,
		}),
	}
}

func (f *fakeBroker) Connect(ctx context.Context, creds *broker.Credentials) error {
	f.SetCredentials(creds)
	f.SetConnected()
	return nil
}

func (f *fakeBroker) Disconnect(ctx context.Context) error {
	f.SetDisconnected()
	return nil
}

func (f *fakeBroker) TestConnection(ctx context.Context) error { return nil }

func (f *fakeBroker) GetAccount(ctx context.Context) (*broker.Account, error) {
	return &broker.Account{AccountID: "fake"}, nil
}

func (f *fakeBroker) GetBalances(ctx context.Context) ([]*broker.Balance, error) {
	return f.balances, f.balanceErr
}

func (f *fakeBroker) GetTrades(ctx context.Context, query *broker.TradeQuery) ([]*broker.Trade, error) {
	return f.trades, f.tradesErr
}

func (f *fakeBroker) GetPositions(ctx context.Context) ([]*broker.Position, error) {
	return f.positions, f.positionErr
}

func (f *fakeBroker) Sync(ctx context.Context, opts *broker.SyncOptions) *broker.SyncResult {
	return f.RunSync(ctx, f, opts)
}

func (f *fakeBroker) MapTrade(raw map[string]interface{}) (*broker.Trade, error) {
	return nil, nil
}

// heldLock TryLock 永远失败，模拟其他实例持有锁
type heldLock struct{ lock.NopLock }

func (h *heldLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}

func newTestEnv(t *testing.T, fb *fakeBroker, locker lock.DistributedLock) (*Syncer, storage.Storage, *broker.Registry) {
	t.Helper()

	store, err := storage.NewStorage(&storage.Config{Type: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("创建存储失败: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := broker.NewRegistry()
	if err := registry.Register(fb.Metadata(), func() (broker.Broker, error) { return fb, nil }); err != nil {
		t.Fatalf("注册失败: %v", err)
	}
	creds := &broker.Credentials{APIKey: "k", APISecret: "s"}
	if _, err := registry.ConnectBroker(context.Background(), "fake", creds, "fake_default"); err != nil {
		t.Fatalf("连接失败: %v", err)
	}

	if locker == nil {
		locker = lock.NewNopLock()
	}
	return New(registry, store, locker, nil), store, registry
}

func sampleData() ([]*broker.Trade, []*broker.Position, []*broker.Balance) {
	now := time.Now().Truncate(time.Second)
	trades := []*broker.Trade{
		{ID: "fake_1", Symbol: "BTCUSDT", Side: broker.SideBuy, Quantity: 1, Price: 40000, Status: broker.OrderStatusFilled, ExecutedAt: now},
		{ID: "fake_2", Symbol: "ETHUSDT", Side: broker.SideSell, Quantity: 2, Price: 2500, Status: broker.OrderStatusFilled, ExecutedAt: now.Add(-time.Hour)},
	}
	positions := []*broker.Position{
		{Symbol: "BTCUSDT", Side: broker.PositionLong, Quantity: 1, EntryPrice: 40000},
	}
	balances := []*broker.Balance{
		{Asset: "USDT", Free: 1000, Locked: 0, Total: 1000},
	}
	return trades, positions, balances
}

func TestSyncConnectionPersists(t *testing.T) {
	fb := newFakeBroker()
	fb.trades, fb.positions, fb.balances = sampleData()
	s, store, _ := newTestEnv(t, fb, nil)
	ctx := context.Background()

	result, err := s.SyncConnection(ctx, "fake_default")
	if err != nil {
		t.Fatalf("同步失败: %v", err)
	}
	if !result.Success || result.TradesImported != 2 {
		t.Errorf("同步结果错误: %+v", result)
	}

	count, _ := store.CountTrades(ctx, nil)
	if count != 2 {
		t.Errorf("成交未落库: %d", count)
	}
	positions, _ := store.GetPositions(ctx, "fake_default")
	if len(positions) != 1 {
		t.Errorf("持仓未落库: %d", len(positions))
	}
	balances, _ := store.GetBalances(ctx, "fake_default")
	if len(balances) != 1 {
		t.Errorf("余额未落库: %d", len(balances))
	}
	runs, _ := store.GetSyncRuns(ctx, nil)
	if len(runs) != 1 || !runs[0].Success {
		t.Errorf("同步历史错误: %v", runs)
	}
}

func TestSyncConnectionIdempotent(t *testing.T) {
	fb := newFakeBroker()
	fb.trades, fb.positions, fb.balances = sampleData()
	s, store, _ := newTestEnv(t, fb, nil)
	ctx := context.Background()

	s.SyncConnection(ctx, "fake_default")
	s.SyncConnection(ctx, "fake_default")

	count, _ := store.CountTrades(ctx, nil)
	if count != 2 {
		t.Errorf("重复同步不应产生重复成交: %d", count)
	}
	positions, _ := store.GetPositions(ctx, "fake_default")
	if len(positions) != 1 {
		t.Errorf("持仓快照应整体替换: %d", len(positions))
	}
}

func TestSyncSkippedWhenLockHeld(t *testing.T) {
	fb := newFakeBroker()
	fb.trades, fb.positions, fb.balances = sampleData()
	s, store, _ := newTestEnv(t, fb, &heldLock{})
	ctx := context.Background()

	_, err := s.SyncConnection(ctx, "fake_default")
	if err != ErrSyncInProgress {
		t.Fatalf("锁被持有时应返回 ErrSyncInProgress: %v", err)
	}

	count, _ := store.CountTrades(ctx, nil)
	if count != 0 {
		t.Errorf("被跳过的同步不应落库: %d", count)
	}
}

func TestSyncPartialFailureKeepsSnapshot(t *testing.T) {
	fb := newFakeBroker()
	fb.trades, fb.positions, fb.balances = sampleData()
	s, store, _ := newTestEnv(t, fb, nil)
	ctx := context.Background()

	// 第一轮全部成功
	s.SyncConnection(ctx, "fake_default")

	// 第二轮持仓拉取失败：成交照常导入，持仓快照保留上一轮
	fb.positionErr = broker.NewError(broker.ErrBrokerUnavailable, "维护中")
	result, err := s.SyncConnection(ctx, "fake_default")
	if err != nil {
		t.Fatalf("同步失败: %v", err)
	}
	if result.Success {
		t.Error("持仓失败时 Success 应为 false")
	}

	positions, _ := store.GetPositions(ctx, "fake_default")
	if len(positions) != 1 {
		t.Errorf("拉取失败不应清空旧快照: %d", len(positions))
	}

	runs, _ := store.GetSyncRuns(ctx, &storage.SyncRunFilter{OnlyFailed: true})
	if len(runs) != 1 {
		t.Errorf("失败历史应有 1 条: %d", len(runs))
	}
}

func TestSyncUnknownConnection(t *testing.T) {
	fb := newFakeBroker()
	s, _, _ := newTestEnv(t, fb, nil)

	if _, err := s.SyncConnection(context.Background(), "ghost"); err == nil {
		t.Error("不存在的连接应返回错误")
	}
}

func TestSyncAllHonorsAutoSyncFlag(t *testing.T) {
	fb := newFakeBroker()
	fb.trades, fb.positions, fb.balances = sampleData()
	s, store, _ := newTestEnv(t, fb, nil)
	ctx := context.Background()

	s.SetAutoSync("fake_default", false)
	s.SyncAll(ctx)

	runs, _ := store.GetSyncRuns(ctx, nil)
	if len(runs) != 0 {
		t.Errorf("关闭自动同步的连接不应被同步: %d", len(runs))
	}

	s.SetAutoSync("fake_default", true)
	s.SyncAll(ctx)

	runs, _ = store.GetSyncRuns(ctx, nil)
	if len(runs) != 1 {
		t.Errorf("开启自动同步后应同步一次: %d", len(runs))
	}
}

func TestSyncUpdatesConnectionRecord(t *testing.T) {
	fb := newFakeBroker()
	fb.trades, fb.positions, fb.balances = sampleData()
	s, store, _ := newTestEnv(t, fb, nil)
	ctx := context.Background()

	store.SaveConnection(ctx, &storage.ConnectionRecord{
		ConnectionID: "fake_default",
		BrokerID:     "fake",
		AutoSync:     true,
	})

	s.SyncConnection(ctx, "fake_default")

	conn, _ := store.GetConnection(ctx, "fake_default")
	if conn == nil || conn.LastSyncAt.IsZero() {
		t.Error("同步后应回写最后同步时间")
	}
}
