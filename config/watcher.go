package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher 配置文件监控器
// 文件变化并通过校验后把新配置推入更新通道，
// 解析或校验失败推入错误通道，不影响正在运行的旧配置
type Watcher struct {
	configPath  string
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	isWatching  bool
	lastModTime time.Time
	updateChan  chan *Config
	errorChan   chan error
}

// NewWatcher 创建配置监控器
func NewWatcher(configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监控器失败: %v", err)
	}

	abs, err := filepath.Abs(configPath)
	if err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("解析配置路径失败: %v", err)
	}

	var lastModTime time.Time
	if info, err := os.Stat(abs); err == nil {
		lastModTime = info.ModTime()
	}

	return &Watcher{
		configPath:  abs,
		watcher:     fsWatcher,
		lastModTime: lastModTime,
		updateChan:  make(chan *Config, 1),
		errorChan:   make(chan error, 10),
	}, nil
}

// Start 开始监控配置文件
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.isWatching {
		return fmt.Errorf("配置监控器已经在运行")
	}

	// 监控所在目录，编辑器原子替换文件时事件落在目录上
	if err := w.watcher.Add(filepath.Dir(w.configPath)); err != nil {
		return fmt.Errorf("添加监控目录失败: %v", err)
	}

	w.isWatching = true
	go w.watchLoop(ctx)
	return nil
}

// Stop 停止监控
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isWatching {
		return nil
	}
	w.isWatching = false
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context) {
	// 定期比对修改时间作为 fsnotify 的备用机制
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.configPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				// 等待写入完成再读取
				time.Sleep(100 * time.Millisecond)
				w.reload()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.pushError(err)

		case <-ticker.C:
			if info, err := os.Stat(w.configPath); err == nil && info.ModTime().After(w.modTime()) {
				w.reload()
			}
		}
	}
}

func (w *Watcher) modTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastModTime
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := os.Stat(w.configPath)
	if err != nil {
		w.pushError(fmt.Errorf("获取配置文件信息失败: %v", err))
		return
	}
	if !info.ModTime().After(w.lastModTime) {
		return
	}
	w.lastModTime = info.ModTime()

	newConfig, err := LoadConfig(w.configPath)
	if err != nil {
		w.pushError(fmt.Errorf("重新加载配置失败: %v", err))
		return
	}

	select {
	case w.updateChan <- newConfig:
	default:
	}
}

func (w *Watcher) pushError(err error) {
	select {
	case w.errorChan <- err:
	default:
	}
}

// Updates 配置更新通道
func (w *Watcher) Updates() <-chan *Config {
	return w.updateChan
}

// Errors 错误通道
func (w *Watcher) Errors() <-chan error {
	return w.errorChan
}
