package binance

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tradevault/broker"
)

// newTestAdapter 创建指向 mock 服务器的已连接适配器
func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	a, err := New()
	if err != nil {
		t.Fatalf("创建适配器失败: %v", err)
	}
	adapter := a.(*Adapter)

	client := NewClient("test_key", "test_secret", false)
	client.SetBaseURL(server.URL)
	adapter.SetClient(client)

	creds := &broker.Credentials{APIKey: "test_key", APISecret: "test_secret"}
	if err := adapter.Connect(context.Background(), creds); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	// 测试不探测合约持仓
	adapter.SetFuturesClient(nil)
	return adapter, server
}

// accountJSON 标准账户响应
const accountJSON = `{
	"canTrade": true,
	"accountType": "SPOT",
	"balances": [
		{"asset": "BTC", "free": "0.5", "locked": "0.1"},
		{"asset": "ETH", "free": "2.0", "locked": "0"},
		{"asset": "USDT", "free": "1000", "locked": "50"},
		{"asset": "XRP", "free": "0", "locked": "0"}
	],
	"permissions": ["SPOT"]
}`

func TestConnectLifecycle(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(accountJSON))
	})

	status := adapter.Status()
	if !status.Connected {
		t.Fatal("连接后状态应为已连接")
	}
	if status.LastConnectedAt.IsZero() {
		t.Error("连接后应记录连接时间")
	}

	// 断开后状态翻转，数据操作返回 INVALID_CREDENTIALS
	if err := adapter.Disconnect(context.Background()); err != nil {
		t.Fatalf("断开不应失败: %v", err)
	}
	if adapter.Status().Connected {
		t.Error("断开后状态应为未连接")
	}

	_, err := adapter.GetBalances(context.Background())
	if !broker.IsCode(err, broker.ErrInvalidCredentials) {
		t.Errorf("断开后查询应返回 INVALID_CREDENTIALS, 得到 %v", err)
	}
}

func TestConnectInvalidCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"code":-2014,"msg":"API-key format invalid."}`))
	}))
	defer server.Close()

	a, _ := New()
	adapter := a.(*Adapter)
	client := NewClient("bad_key", "bad_secret", false)
	client.SetBaseURL(server.URL)
	adapter.SetClient(client)

	err := adapter.Connect(context.Background(), &broker.Credentials{APIKey: "bad_key", APISecret: "bad_secret"})
	if !broker.IsCode(err, broker.ErrInvalidCredentials) {
		t.Errorf("期望 INVALID_CREDENTIALS, 得到 %v", err)
	}
	if adapter.Status().Connected {
		t.Error("验证失败后应保持断开状态")
	}
}

func TestGetBalancesNormalized(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		// total 与 free+locked 不一致时以重算值为准（余额只有 free/locked 两个来源字段）
		w.Write([]byte(accountJSON))
	})

	balances, err := adapter.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}

	// 零余额资产被过滤
	if len(balances) != 3 {
		t.Fatalf("期望 3 个非零余额, 得到 %d", len(balances))
	}
	for _, b := range balances {
		if diff := b.Total - (b.Free + b.Locked); diff > 1e-8 || diff < -1e-8 {
			t.Errorf("%s 余额不变式被破坏: total=%f free=%f locked=%f", b.Asset, b.Total, b.Free, b.Locked)
		}
	}
}

func TestMapTradeStableID(t *testing.T) {
	a, _ := New()
	adapter := a.(*Adapter)

	raw := map[string]interface{}{
		"id":              json.Number("28457"),
		"orderId":         json.Number("100234"),
		"symbol":          "BTCUSDT",
		"price":           "4000.00000000",
		"qty":             "12.00000000",
		"commission":      "10.10000000",
		"commissionAsset": "BNB",
		"time":            json.Number("1499865549590"),
		"isBuyer":         true,
		"isMaker":         false,
	}

	trade, err := adapter.MapTrade(raw)
	if err != nil {
		t.Fatalf("映射失败: %v", err)
	}

	// ID 必须带券商前缀且对相同输入稳定
	if trade.ID != "binance_28457" {
		t.Errorf("成交 ID 错误: %s", trade.ID)
	}
	if !strings.HasPrefix(trade.ID, adapter.Metadata().ID+"_") {
		t.Errorf("成交 ID 缺少券商前缀: %s", trade.ID)
	}

	trade2, _ := adapter.MapTrade(raw)
	if trade2.ID != trade.ID {
		t.Error("相同成交重复映射应得到相同 ID")
	}

	if trade.Side != broker.SideBuy {
		t.Errorf("方向错误: %s", trade.Side)
	}
	if trade.Quantity != 12 || trade.Price != 4000 {
		t.Errorf("数量/价格错误: %f @ %f", trade.Quantity, trade.Price)
	}
	if trade.FeeCurrency != "BNB" {
		t.Errorf("手续费币种错误: %s", trade.FeeCurrency)
	}
	if trade.Raw == nil {
		t.Error("必须保留原始报文")
	}
}

func TestGetTradesMergeAndSort(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/v3/account") {
			w.Write([]byte(accountJSON))
			return
		}
		symbol := r.URL.Query().Get("symbol")
		switch symbol {
		case "BTCUSDT":
			w.Write([]byte(`[{"id":1,"orderId":10,"symbol":"BTCUSDT","price":"100","qty":"1","commission":"0.1","commissionAsset":"USDT","time":1000,"isBuyer":true,"isMaker":true}]`))
		case "ETHUSDT":
			w.Write([]byte(`[{"id":2,"orderId":11,"symbol":"ETHUSDT","price":"200","qty":"2","commission":"0.2","commissionAsset":"USDT","time":2000,"isBuyer":false,"isMaker":false}]`))
		default:
			// 其他交易对模拟失败：必须被跳过而不是中断整体
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
		}
	})

	trades, err := adapter.GetTrades(context.Background(), nil)
	if err != nil {
		t.Fatalf("拉取成交失败: %v", err)
	}

	if len(trades) != 2 {
		t.Fatalf("期望 2 笔成交, 得到 %d", len(trades))
	}
	// 按成交时间倒序
	if !trades[0].ExecutedAt.After(trades[1].ExecutedAt) {
		t.Error("成交应按时间倒序排列")
	}
	if trades[0].ID != "binance_2" || trades[1].ID != "binance_1" {
		t.Errorf("成交顺序错误: %s, %s", trades[0].ID, trades[1].ID)
	}
}

func TestGetPositionsWithoutFutures(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(accountJSON))
	})

	// 未开通合约（客户端为 nil）时返回空列表而不是错误
	positions, err := adapter.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("持仓探测不应报错: %v", err)
	}
	if len(positions) != 0 {
		t.Errorf("期望空持仓列表, 得到 %d", len(positions))
	}
}

func TestDeriveSymbols(t *testing.T) {
	balances := []AccountBalance{
		{Asset: "BTC", Free: "1", Locked: "0"},
		{Asset: "USDT", Free: "1000", Locked: "0"}, // 计价资产不推导
		{Asset: "ETH", Free: "0", Locked: "0.5"},
		{Asset: "XRP", Free: "0", Locked: "0"}, // 零余额不推导
	}

	symbols := deriveSymbols(balances)
	if len(symbols) != 2 {
		t.Fatalf("期望 2 个交易对, 得到 %v", symbols)
	}
	if symbols[0] != "BTCUSDT" || symbols[1] != "ETHUSDT" {
		t.Errorf("交易对推导错误: %v", symbols)
	}
}

func TestDeriveSymbolsCap(t *testing.T) {
	var balances []AccountBalance
	for i := 0; i < 30; i++ {
		balances = append(balances, AccountBalance{Asset: "A" + string(rune('A'+i)), Free: "1", Locked: "0"})
	}

	symbols := deriveSymbols(balances)
	if len(symbols) != maxTradeSymbols {
		t.Errorf("交易对数量应被限制在 %d, 得到 %d", maxTradeSymbols, len(symbols))
	}
}

func TestSyncNeverFails(t *testing.T) {
	adapter, _ := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(accountJSON))
	})

	// 断开后同步：不 panic、不报错，结果标记失败
	adapter.Disconnect(context.Background())

	result := adapter.Sync(context.Background(), nil)
	if result == nil {
		t.Fatal("Sync 必须返回结果")
	}
	if result.Success {
		t.Error("断开状态下同步不应成功")
	}
	if len(result.Errors) == 0 {
		t.Error("失败原因应被记录")
	}
}

func TestFuturesClientPerEnvironment(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(accountJSON))
	})

	connect := func(testnet bool) *Adapter {
		server := httptest.NewServer(handler)
		t.Cleanup(server.Close)

		a, err := New()
		if err != nil {
			t.Fatalf("创建适配器失败: %v", err)
		}
		adapter := a.(*Adapter)

		client := NewClient("test_key", "test_secret", testnet)
		client.SetBaseURL(server.URL)
		adapter.SetClient(client)

		creds := &broker.Credentials{APIKey: "test_key", APISecret: "test_secret", Testnet: testnet}
		if err := adapter.Connect(context.Background(), creds); err != nil {
			t.Fatalf("连接失败: %v", err)
		}
		return adapter
	}

	mainnet := connect(false)
	testnet := connect(true)

	if testnet.futuresClient.BaseURL != FuturesTestnetRestURL {
		t.Errorf("测试网合约地址错误: %s", testnet.futuresClient.BaseURL)
	}
	// 合约地址按实例隔离，后建立的测试网连接不影响已连接的主网实例
	if mainnet.futuresClient.BaseURL != FuturesMainnetRestURL {
		t.Errorf("主网合约地址被测试网连接影响: %s", mainnet.futuresClient.BaseURL)
	}
}
