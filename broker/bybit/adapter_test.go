package bybit

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
func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
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
	return adapter
}

// walletJSON 统一账户余额响应
const walletJSON = `{
	"retCode": 0,
	"retMsg": "OK",
	"result": {
		"list": [{
			"totalEquity": "10500.50",
			"totalAvailableBalance": "9000",
			"totalMarginBalance": "10000",
			"totalPerpUPL": "120.5",
			"totalInitialMargin": "1500",
			"coin": [
				{"coin": "USDT", "walletBalance": "8000", "locked": "500", "usdValue": "8000"},
				{"coin": "BTC", "walletBalance": "0.05", "locked": "0", "usdValue": "2500"},
				{"coin": "DOGE", "walletBalance": "0", "locked": "0", "usdValue": "0"}
			]
		}]
	}
}`

func TestConnectLifecycle(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(walletJSON))
	})

	if !adapter.Status().Connected {
		t.Fatal("连接后状态应为已连接")
	}

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
		w.Write([]byte(`{"retCode":10003,"retMsg":"API key is invalid.","result":{}}`))
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

func TestGetBalancesUnified(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(walletJSON))
	})

	balances, err := adapter.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}

	// 零余额币种被过滤
	if len(balances) != 2 {
		t.Fatalf("期望 2 个非零余额, 得到 %d", len(balances))
	}
	for _, b := range balances {
		if diff := b.Total - (b.Free + b.Locked); diff > 1e-8 || diff < -1e-8 {
			t.Errorf("%s 余额不变式被破坏: total=%f free=%f locked=%f", b.Asset, b.Total, b.Free, b.Locked)
		}
	}

	// Bybit 返回总额与锁定额，可用额由两者推出
	usdt := balances[0]
	if usdt.Asset != "USDT" || usdt.Free != 7500 || usdt.Locked != 500 {
		t.Errorf("USDT 余额拆分错误: free=%f locked=%f", usdt.Free, usdt.Locked)
	}
}

func TestGetAccountUnified(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(walletJSON))
	})

	account, err := adapter.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("查询账户失败: %v", err)
	}
	if account.Balance != 10500.50 {
		t.Errorf("账户权益错误: %f", account.Balance)
	}
	if account.UnrealizedPnL != 120.5 {
		t.Errorf("未实现盈亏错误: %f", account.UnrealizedPnL)
	}
}

func TestMapTradeStableID(t *testing.T) {
	a, _ := New()
	adapter := a.(*Adapter)

	raw := map[string]interface{}{
		"execId":    "e-abc123",
		"orderId":   "order-789",
		"symbol":    "BTCUSDT",
		"side":      "Buy",
		"orderType": "Limit",
		"execQty":   "0.5",
		"execPrice": "40000",
		"execFee":   "0.0001",
		"execTime":  "1499865549590",
		"closedPnl": "12.5",
	}

	trade, err := adapter.MapTrade(raw)
	if err != nil {
		t.Fatalf("映射失败: %v", err)
	}

	if trade.ID != "bybit_e-abc123" {
		t.Errorf("成交 ID 错误: %s", trade.ID)
	}
	if !strings.HasPrefix(trade.ID, adapter.Metadata().ID+"_") {
		t.Errorf("成交 ID 缺少券商前缀: %s", trade.ID)
	}

	trade2, _ := adapter.MapTrade(raw)
	if trade2.ID != trade.ID {
		t.Error("相同成交重复映射应得到相同 ID")
	}

	if trade.Side != broker.SideBuy || trade.Type != broker.OrderTypeLimit {
		t.Errorf("方向/类型错误: %s %s", trade.Side, trade.Type)
	}
	if trade.Quantity != 0.5 || trade.Price != 40000 {
		t.Errorf("数量/价格错误: %f @ %f", trade.Quantity, trade.Price)
	}
	if trade.RealizedPnL == nil || *trade.RealizedPnL != 12.5 {
		t.Error("已实现盈亏应被保留")
	}
	if trade.Raw == nil {
		t.Error("必须保留原始报文")
	}
}

func TestMapTradeMissingExecID(t *testing.T) {
	a, _ := New()
	adapter := a.(*Adapter)

	_, err := adapter.MapTrade(map[string]interface{}{"symbol": "BTCUSDT"})
	if err == nil {
		t.Fatal("缺少 execId 应返回错误")
	}
}

func TestGetTradesMergesCategories(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v5/account/wallet-balance") {
			w.Write([]byte(walletJSON))
			return
		}
		switch r.URL.Query().Get("category") {
		case "spot":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"execId":"s1","orderId":"o1","symbol":"BTCUSDT","side":"Buy","orderType":"Market","execQty":"1","execPrice":"100","execFee":"0.1","execTime":"1000"}
			]}}`))
		case "linear":
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"execId":"l1","orderId":"o2","symbol":"ETHUSDT","side":"Sell","orderType":"Limit","execQty":"2","execPrice":"200","execFee":"0.2","execTime":"2000","closedPnl":"5"}
			]}}`))
		default:
			w.Write([]byte(`{"retCode":10001,"retMsg":"Invalid category.","result":{}}`))
		}
	})

	trades, err := adapter.GetTrades(context.Background(), nil)
	if err != nil {
		t.Fatalf("拉取成交失败: %v", err)
	}

	if len(trades) != 2 {
		t.Fatalf("期望 2 笔成交, 得到 %d", len(trades))
	}
	// 按成交时间倒序：合约成交在前
	if trades[0].ID != "bybit_l1" || trades[1].ID != "bybit_s1" {
		t.Errorf("成交顺序错误: %s, %s", trades[0].ID, trades[1].ID)
	}
}

func TestGetTradesCategoryFailureSkipped(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v5/account/wallet-balance") {
			w.Write([]byte(walletJSON))
			return
		}
		if r.URL.Query().Get("category") == "spot" {
			// 现货失败不应中断合约成交的拉取
			w.Write([]byte(`{"retCode":10016,"retMsg":"Server error.","result":{}}`))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"execId":"l1","orderId":"o2","symbol":"ETHUSDT","side":"Sell","orderType":"Limit","execQty":"2","execPrice":"200","execFee":"0.2","execTime":"2000"}
		]}}`))
	})

	trades, err := adapter.GetTrades(context.Background(), nil)
	if err != nil {
		t.Fatalf("部分失败不应导致整体错误: %v", err)
	}
	if len(trades) != 1 || trades[0].ID != "bybit_l1" {
		t.Errorf("合约成交应被保留: %v", trades)
	}
}

func TestGetPositions(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v5/account/wallet-balance") {
			w.Write([]byte(walletJSON))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
			{"symbol":"BTCUSDT","side":"Buy","size":"0.5","avgPrice":"40000","markPrice":"41000","unrealisedPnl":"500","leverage":"10","liqPrice":"36000","tradeMode":0},
			{"symbol":"ETHUSDT","side":"Sell","size":"2","avgPrice":"2000","markPrice":"1950","unrealisedPnl":"100","leverage":"5","liqPrice":"2400","tradeMode":1},
			{"symbol":"SOLUSDT","side":"None","size":"0","avgPrice":"0","markPrice":"0","unrealisedPnl":"0","leverage":"0","liqPrice":"0","tradeMode":0}
		]}}`))
	})

	positions, err := adapter.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}

	// 零仓位被过滤
	if len(positions) != 2 {
		t.Fatalf("期望 2 个持仓, 得到 %d", len(positions))
	}
	if positions[0].Side != broker.PositionLong || positions[0].Leverage != 10 {
		t.Errorf("多头持仓映射错误: %+v", positions[0])
	}
	if positions[1].Side != broker.PositionShort || positions[1].MarginType != broker.MarginIsolated {
		t.Errorf("空头持仓映射错误: %+v", positions[1])
	}
}

func TestFeaturesBackedByCapabilities(t *testing.T) {
	a, _ := New()
	for _, f := range a.Metadata().Features {
		switch f {
		case broker.FeatureOrders:
			if _, ok := a.(broker.OrderManager); !ok {
				t.Errorf("声明了 %s 但未实现订单管理接口", f)
			}
		case broker.FeatureMarketData:
			if _, ok := a.(broker.MarketDataProvider); !ok {
				t.Errorf("声明了 %s 但未实现行情接口", f)
			}
		case broker.FeaturePositions:
			if _, ok := a.(broker.PositionMapper); !ok {
				t.Errorf("声明了 %s 但未实现持仓映射接口", f)
			}
		}
	}
}

func TestGetOHLCVAscending(t *testing.T) {
	var gotInterval string
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v5/account/wallet-balance") {
			w.Write([]byte(walletJSON))
			return
		}
		gotInterval = r.URL.Query().Get("interval")
		// Bybit 返回倒序 K 线
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"category":"spot","symbol":"BTCUSDT","list":[
			["1700003600000","101","103","100","102","12","1212"],
			["1700000000000","100","102","99","101","10","1010"]
		]}}`))
	})

	candles, err := adapter.GetOHLCV(context.Background(), "BTCUSDT", "1h", 2)
	if err != nil {
		t.Fatalf("拉取 K 线失败: %v", err)
	}
	if gotInterval != "60" {
		t.Errorf("周期 1h 应映射为 60, 得到 %s", gotInterval)
	}
	if len(candles) != 2 {
		t.Fatalf("期望 2 根 K 线, 得到 %d", len(candles))
	}
	if !candles[0].OpenTime.Before(candles[1].OpenTime) {
		t.Error("K 线应按时间升序返回")
	}
	if candles[0].Open != 100 || candles[0].Close != 101 || candles[0].Volume != 10 {
		t.Errorf("首根 K 线字段解析错误: %+v", candles[0])
	}
}

func TestGetOrderHistoryFallback(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/v5/account/wallet-balance"):
			w.Write([]byte(walletJSON))
		case strings.HasPrefix(r.URL.Path, "/v5/order/realtime"):
			// 已完结订单不出现在活动列表
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
		case strings.HasPrefix(r.URL.Path, "/v5/order/history"):
			if r.URL.Query().Get("category") != "spot" {
				w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
				return
			}
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[
				{"orderId":"o-42","symbol":"BTCUSDT","side":"Buy","orderType":"Limit","qty":"1","price":"100","cumExecQty":"1","orderStatus":"Filled","createdTime":"1000","updatedTime":"2000"}
			]}}`))
		default:
			w.Write([]byte(`{"retCode":10001,"retMsg":"Unknown path.","result":{}}`))
		}
	})

	order, err := adapter.GetOrder(context.Background(), "BTCUSDT", "o-42")
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if order.OrderID != "o-42" || order.Status != broker.OrderStatusFilled {
		t.Errorf("历史订单映射错误: %+v", order)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v5/account/wallet-balance") {
			w.Write([]byte(walletJSON))
			return
		}
		w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"list":[]}}`))
	})

	if _, err := adapter.GetOrder(context.Background(), "BTCUSDT", "missing"); err == nil {
		t.Fatal("各类别均未命中时应返回错误")
	}
}

func TestCancelOrderCategoryFallback(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/v5/account/wallet-balance") {
			w.Write([]byte(walletJSON))
			return
		}
		if r.URL.Path != "/v5/order/cancel" {
			w.Write([]byte(`{"retCode":10001,"retMsg":"Unknown path.","result":{}}`))
			return
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		// 订单挂在合约侧，现货侧撤单失败
		if body["category"] == "linear" {
			w.Write([]byte(`{"retCode":0,"retMsg":"OK","result":{"orderId":"o-42"}}`))
			return
		}
		w.Write([]byte(`{"retCode":110001,"retMsg":"Order does not exist.","result":{}}`))
	})

	if err := adapter.CancelOrder(context.Background(), "BTCUSDT", "o-42"); err != nil {
		t.Fatalf("任一类别撤单成功即不应报错: %v", err)
	}
}

func TestSyncNeverFails(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(walletJSON))
	})

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
