package tdameritrade

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"tradevault/broker"
)

const accountsJSON = `[{
	"securitiesAccount": {
		"accountId": "123456789",
		"type": "MARGIN",
		"currentBalances": {
			"cashBalance": 25000,
			"availableFunds": 20000,
			"liquidationValue": 85000,
			"buyingPower": 40000
		},
		"positions": [
			{"longQuantity": 100, "shortQuantity": 0, "averagePrice": 150, "currentDayProfitLoss": 250,
			 "instrument": {"symbol": "AAPL", "assetType": "EQUITY"}},
			{"longQuantity": 0, "shortQuantity": 3, "averagePrice": 2.5, "currentDayProfitLoss": -30,
			 "instrument": {"symbol": "SPY_062126C500", "assetType": "OPTION"}}
		]
	}
}]`

const transactionsJSON = `[
	{"type": "TRADE", "transactionId": 90001, "orderId": "T100", "transactionDate": "2026-08-20T14:30:00+0000",
	 "fees": {"commission": 0.65, "regFee": 0.01},
	 "transactionItem": {"amount": 100, "price": 150.25, "instruction": "BUY",
	  "instrument": {"symbol": "AAPL", "assetType": "EQUITY"}}},
	{"type": "TRADE", "transactionId": 90002, "orderId": "T101", "transactionDate": "2026-08-21T10:00:00+0000",
	 "fees": {"commission": 0},
	 "transactionItem": {"amount": 50, "price": 420.1, "instruction": "SELL",
	  "instrument": {"symbol": "MSFT", "assetType": "EQUITY"}}}
]`

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

	client := NewClient("test_access_token", "test_client_id")
	client.SetBaseURL(server.URL)
	adapter.SetClient(client)

	creds := &broker.Credentials{
		AccessToken:  "test_access_token",
		RefreshToken: "test_refresh_token",
	}
	if err := adapter.Connect(context.Background(), creds); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	return adapter
}

// apiHandler 标准 mock 服务端
func apiHandler(transactions string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/accounts":
			w.Write([]byte(accountsJSON))
		case strings.HasSuffix(r.URL.Path, "/transactions"):
			w.Write([]byte(transactions))
		case strings.HasPrefix(r.URL.Path, "/accounts/"):
			// 单账户查询复用同一份数据
			w.Write([]byte(accountsJSON[1 : len(accountsJSON)-1]))
		default:
			w.Write([]byte("{}"))
		}
	}
}

func TestConnectLifecycle(t *testing.T) {
	adapter := newTestAdapter(t, apiHandler("[]"))

	if !adapter.Status().Connected {
		t.Fatal("连接后状态应为已连接")
	}
	_, selected := adapter.restClient()
	if selected != "123456789" {
		t.Errorf("应选中账户 123456789, 得到 %s", selected)
	}

	if err := adapter.Disconnect(context.Background()); err != nil {
		t.Fatalf("断开不应失败: %v", err)
	}
	_, err := adapter.GetBalances(context.Background())
	if !broker.IsCode(err, broker.ErrInvalidCredentials) {
		t.Errorf("断开后查询应返回 INVALID_CREDENTIALS, 得到 %v", err)
	}
}

func TestConnectRequiresAccessToken(t *testing.T) {
	a, _ := New()
	adapter := a.(*Adapter)

	err := adapter.Connect(context.Background(), &broker.Credentials{APIKey: "key", APISecret: "secret"})
	if !broker.IsCode(err, broker.ErrInvalidCredentials) {
		t.Errorf("OAuth 适配器缺少令牌应报 INVALID_CREDENTIALS, 得到 %v", err)
	}
}

func TestAuthRefreshRetriesExactlyOnce(t *testing.T) {
	var accountCalls, refreshCalls int32
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/accounts":
			w.Write([]byte(accountsJSON))
		case r.URL.Path == "/oauth2/token":
			atomic.AddInt32(&refreshCalls, 1)
			if r.FormValue("grant_type") != "refresh_token" {
				t.Errorf("grant_type 错误: %s", r.FormValue("grant_type"))
			}
			if r.FormValue("client_id") != "test_client_id" {
				t.Errorf("client_id 错误: %s", r.FormValue("client_id"))
			}
			w.Write([]byte(`{"access_token": "new_token", "expires_in": 1800}`))
		case strings.HasPrefix(r.URL.Path, "/accounts/"):
			// 第一次返回 401，刷新后放行
			if atomic.AddInt32(&accountCalls, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if r.Header.Get("Authorization") != "Bearer new_token" {
				t.Errorf("重试应携带新令牌, 得到 %s", r.Header.Get("Authorization"))
			}
			w.Write([]byte(accountsJSON[1 : len(accountsJSON)-1]))
		}
	})

	account, err := adapter.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("刷新后重试应成功: %v", err)
	}
	if account.Balance != 85000 {
		t.Errorf("账户余额错误: %f", account.Balance)
	}
	if atomic.LoadInt32(&refreshCalls) != 1 {
		t.Errorf("令牌应恰好刷新一次, 实际 %d 次", refreshCalls)
	}
	if atomic.LoadInt32(&accountCalls) != 2 {
		t.Errorf("账户接口应请求两次 (401 + 重试), 实际 %d 次", accountCalls)
	}
}

func TestGetBalancesInvariant(t *testing.T) {
	adapter := newTestAdapter(t, apiHandler("[]"))

	balances, err := adapter.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("期望单条 USD 余额, 得到 %d", len(balances))
	}

	bal := balances[0]
	if bal.Asset != "USD" || bal.Total != 25000 || bal.Free != 20000 || bal.Locked != 5000 {
		t.Errorf("余额拆分错误: %+v", bal)
	}
	if diff := bal.Total - (bal.Free + bal.Locked); diff > 1e-8 || diff < -1e-8 {
		t.Errorf("余额不变式被破坏: total=%f free=%f locked=%f", bal.Total, bal.Free, bal.Locked)
	}
}

func TestMapTradeStableID(t *testing.T) {
	a, _ := New()
	adapter := a.(*Adapter)

	raw := map[string]interface{}{
		"type":            "TRADE",
		"transactionId":   float64(90001),
		"orderId":         "T100",
		"transactionDate": "2026-08-20T14:30:00Z",
		"fees":            map[string]interface{}{"commission": 0.65, "regFee": 0.01},
		"transactionItem": map[string]interface{}{
			"amount":      float64(100),
			"price":       float64(150.25),
			"instruction": "BUY",
			"instrument":  map[string]interface{}{"symbol": "AAPL", "assetType": "EQUITY"},
		},
	}

	trade, err := adapter.MapTrade(raw)
	if err != nil {
		t.Fatalf("映射失败: %v", err)
	}

	if trade.ID != "tdameritrade_90001" {
		t.Errorf("成交 ID 错误: %s", trade.ID)
	}
	trade2, _ := adapter.MapTrade(raw)
	if trade2.ID != trade.ID {
		t.Error("相同成交重复映射应得到相同 ID")
	}

	if trade.Side != broker.SideBuy || trade.Symbol != "AAPL" {
		t.Errorf("字段映射错误: %+v", trade)
	}
	// 手续费为各分项之和
	if diff := trade.Fee - 0.66; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("手续费合计错误: %f", trade.Fee)
	}
	if trade.Raw == nil {
		t.Error("必须保留原始报文")
	}
}

func TestGetTradesSorted(t *testing.T) {
	adapter := newTestAdapter(t, apiHandler(transactionsJSON))

	trades, err := adapter.GetTrades(context.Background(), nil)
	if err != nil {
		t.Fatalf("拉取成交失败: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("期望 2 笔成交, 得到 %d", len(trades))
	}
	// 按成交时间倒序
	if trades[0].ID != "tdameritrade_90002" || trades[1].ID != "tdameritrade_90001" {
		t.Errorf("成交顺序错误: %s, %s", trades[0].ID, trades[1].ID)
	}
	if trades[0].Side != broker.SideSell {
		t.Errorf("方向错误: %s", trades[0].Side)
	}
}

func TestGetPositionsLongShort(t *testing.T) {
	adapter := newTestAdapter(t, apiHandler("[]"))

	positions, err := adapter.GetPositions(context.Background())
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("期望 2 个持仓, 得到 %d", len(positions))
	}

	stock := positions[0]
	if stock.Symbol != "AAPL" || stock.Side != broker.PositionLong || stock.Quantity != 100 {
		t.Errorf("多头持仓映射错误: %+v", stock)
	}
	if stock.AssetType != broker.AssetStock || stock.CostBasis != 15000 {
		t.Errorf("股票成本基础错误: %+v", stock)
	}

	option := positions[1]
	if option.Side != broker.PositionShort || option.Quantity != 3 {
		t.Errorf("空头持仓映射错误: %+v", option)
	}
	if option.AssetType != broker.AssetOption {
		t.Errorf("资产类型错误: %s", option.AssetType)
	}
}

func TestSyncNeverFails(t *testing.T) {
	adapter := newTestAdapter(t, apiHandler("[]"))

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
