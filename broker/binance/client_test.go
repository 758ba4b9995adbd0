package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradevault/broker"
)

// TestSignFixture 签名回归测试
// 固定输入下的签名必须与官方文档给出的已知值完全一致，
// 防止签名算法在重构中被改动
func TestSignFixture(t *testing.T) {
	client := NewClient(
		"vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		"NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
		false,
	)

	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"
	expected := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"

	got := client.Sign(query)
	if got != expected {
		t.Errorf("签名不匹配: 期望 %s, 得到 %s", expected, got)
	}

	// 相同输入必须产生相同签名
	if client.Sign(query) != got {
		t.Error("相同输入应该产生相同签名")
	}
}

func TestNewClient(t *testing.T) {
	client := NewClient("key", "secret", false)
	if client.baseURL != MainnetRestURL {
		t.Errorf("主网 URL 错误: 期望 %s, 得到 %s", MainnetRestURL, client.baseURL)
	}

	testnetClient := NewClient("key", "secret", true)
	if testnetClient.baseURL != TestnetRestURL {
		t.Errorf("测试网 URL 错误: 期望 %s, 得到 %s", TestnetRestURL, testnetClient.baseURL)
	}
}

func TestSignedRequestHeaders(t *testing.T) {
	var gotAPIKey string
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-MBX-APIKEY")
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"balances":[],"permissions":["SPOT"]}`))
	}))
	defer server.Close()

	client := NewClient("test_key", "test_secret", false)
	client.SetBaseURL(server.URL)
	client.now = func() time.Time { return time.UnixMilli(1499827319559) }

	if _, err := client.GetAccount(context.Background()); err != nil {
		t.Fatalf("请求失败: %v", err)
	}

	if gotAPIKey != "test_key" {
		t.Errorf("X-MBX-APIKEY 头错误: %s", gotAPIKey)
	}
	// 查询串必须包含时间戳与签名
	for _, part := range []string{"timestamp=1499827319559", "recvWindow=5000", "signature="} {
		if !strings.Contains(gotQuery, part) {
			t.Errorf("查询串缺少 %s: %s", part, gotQuery)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		wantCode broker.ErrorCode
	}{
		{"无效APIKey", 401, `{"code":-2014,"msg":"API-key format invalid."}`, broker.ErrInvalidCredentials},
		{"签名错误", 401, `{"code":-1022,"msg":"Signature for this request is not valid."}`, broker.ErrInvalidCredentials},
		{"限流", 429, `{"code":-1003,"msg":"Too many requests."}`, broker.ErrRateLimited},
		{"无效交易对", 400, `{"code":-1121,"msg":"Invalid symbol."}`, broker.ErrInvalidSymbol},
		{"订单被拒", 400, `{"code":-2010,"msg":"Account has insufficient balance."}`, broker.ErrOrderRejected},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer server.Close()

			client := NewClient("key", "secret", false)
			client.SetBaseURL(server.URL)

			_, err := client.GetAccount(context.Background())
			if err == nil {
				t.Fatal("期望返回错误")
			}
			if !broker.IsCode(err, tc.wantCode) {
				t.Errorf("错误码不匹配: 期望 %s, 得到 %v", tc.wantCode, err)
			}
		})
	}
}

func TestRateLimitRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	}))
	defer server.Close()

	client := NewClient("key", "secret", false)
	client.SetBaseURL(server.URL)

	_, err := client.GetAccount(context.Background())
	be, ok := broker.AsError(err)
	if !ok {
		t.Fatalf("期望统一错误类型, 得到 %v", err)
	}
	if !be.Retryable {
		t.Error("限流错误应该可重试")
	}
	if be.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter 错误: 期望 30s, 得到 %v", be.RetryAfter)
	}
}

// counterValue 汇总默认注册表中匹配标签的计数器样本值
func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("采集指标失败: %v", err)
	}

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			have := make(map[string]string)
			for _, l := range m.GetLabel() {
				have[l.GetName()] = l.GetValue()
			}
			matched := true
			for k, v := range labels {
				if have[k] != v {
					matched = false
					break
				}
			}
			if matched {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func TestRequestRecordsAPIMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":[],"permissions":["SPOT"]}`))
	}))
	defer server.Close()

	client := NewClient("key", "secret", false)
	client.SetBaseURL(server.URL)

	successLabels := map[string]string{"broker": "binance", "status": "success"}
	before := counterValue(t, "tradevault_broker_api_call_total", successLabels)

	if _, err := client.GetAccount(context.Background()); err != nil {
		t.Fatalf("请求失败: %v", err)
	}

	after := counterValue(t, "tradevault_broker_api_call_total", successLabels)
	if after != before+1 {
		t.Errorf("成功调用计数未增加: %f -> %f", before, after)
	}
}

func TestRateLimitRecordsMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"code":-1003,"msg":"Too many requests."}`))
	}))
	defer server.Close()

	client := NewClient("key", "secret", false)
	client.SetBaseURL(server.URL)

	errorLabels := map[string]string{"broker": "binance", "status": "error"}
	hitLabels := map[string]string{"broker": "binance"}
	errBefore := counterValue(t, "tradevault_broker_api_call_total", errorLabels)
	hitBefore := counterValue(t, "tradevault_broker_rate_limit_hit_total", hitLabels)

	if _, err := client.GetAccount(context.Background()); err == nil {
		t.Fatal("期望返回限流错误")
	}

	if after := counterValue(t, "tradevault_broker_api_call_total", errorLabels); after != errBefore+1 {
		t.Errorf("失败调用计数未增加: %f -> %f", errBefore, after)
	}
	if after := counterValue(t, "tradevault_broker_rate_limit_hit_total", hitLabels); after != hitBefore+1 {
		t.Errorf("限流计数未增加: %f -> %f", hitBefore, after)
	}
}
