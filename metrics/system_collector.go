package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// SystemCollector 系统指标采集器
// 周期性把进程 CPU/内存与 Go 运行时状态写入 Prometheus 指标
type SystemCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	proc     *process.Process
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSystemCollector 创建系统指标采集器
func NewSystemCollector(interval time.Duration) *SystemCollector {
	ctx, cancel := context.WithCancel(context.Background())
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &SystemCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
		proc:     proc,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动采集
func (sc *SystemCollector) Start() {
	go sc.collectLoop()
}

// Stop 停止采集
func (sc *SystemCollector) Stop() {
	if sc.cancel != nil {
		sc.cancel()
	}
}

func (sc *SystemCollector) collectLoop() {
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collect()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.collect()
		}
	}
}

func (sc *SystemCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	sc.pm.SetGoroutineCount(runtime.NumGoroutine())
	sc.pm.SetMemoryAlloc(m.Alloc)

	if sc.proc == nil {
		return
	}
	if cpuPercent, err := sc.proc.CPUPercent(); err == nil {
		sc.pm.SetProcessCPUPercent(cpuPercent)
	}
	if memInfo, err := sc.proc.MemoryInfo(); err == nil {
		sc.pm.SetProcessMemoryMB(float64(memInfo.RSS) / 1024 / 1024)
	}
}
