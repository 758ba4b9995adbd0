package broker

import (
	"time"

	"tradevault/metrics"
)

// ObserveAPICall 记录一次券商 API 调用的结果与耗时
// 限流错误同时累加对应券商的限流计数
func ObserveAPICall(brokerID, endpoint string, start time.Time, err error) {
	pm := metrics.GetPrometheusMetrics()
	if IsCode(err, ErrRateLimited) {
		pm.RecordRateLimitHit(brokerID)
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	pm.RecordAPICall(brokerID, endpoint, status, time.Since(start))
}
