package core

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// 编辑器常连续写多次，压一拍再重读
const reloadDebounce = 100 * time.Millisecond

// ConfigWatcher 监听配置文件变更并热更新 [models] 与 [request]
type ConfigWatcher struct {
	watcher *fsnotify.Watcher
	cfg     *Config
	logger  *logrus.Logger
	done    chan struct{}
}

// WatchConfig 启动对 cfg.Path 的监听。监听的是所在目录而不是文件本身，
// vim 之类的编辑器通过临时文件改名落盘，直接盯文件会在第一次改名后失联。
func WatchConfig(cfg *Config, logger *logrus.Logger) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create config watcher: %w", err)
	}

	dir := filepath.Dir(cfg.Path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	w := &ConfigWatcher{
		watcher: watcher,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.run(filepath.Base(cfg.Path))

	logger.Infof("[Config] Watching %s for changes", cfg.Path)
	return w, nil
}

func (w *ConfigWatcher) run(base string) {
	defer close(w.done)

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnf("[Config] Watcher error: %v", err)
		}
	}
}

func (w *ConfigWatcher) reload() {
	restartNeeded, err := w.cfg.Reload()
	if err != nil {
		w.logger.Errorf("[Config] Reload failed, keeping previous values: %v", err)
		return
	}

	m := w.cfg.Models()
	w.logger.Infof("[Config] Reloaded: BIG=%s | MIDDLE=%s | SMALL=%s",
		m.BigModel, m.MiddleModel, m.SmallModel)
	if restartNeeded {
		w.logger.Warnf("[Config] Provider, auth or server settings changed on disk, restart required to apply them")
	}
}

// Close 停止监听并等待事件循环退出
func (w *ConfigWatcher) Close() {
	w.watcher.Close()
	<-w.done
}
