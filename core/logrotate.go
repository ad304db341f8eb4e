package core

import (
	"fmt"
	"os"
	"sync"
)

// DefaultLogMaxSizeMB 日志文件的轮转阈值
const DefaultLogMaxSizeMB = 50

// RotatingWriter 带大小轮转的日志文件写入器 (线程安全)。
// 乒乓策略：超过阈值时当前文件改名为 <path>.old 再新开一个，
// 磁盘上永远只占两个文件。
type RotatingWriter struct {
	path    string
	maxSize int64
	mu      sync.Mutex
	file    *os.File
	size    int64
}

// NewRotatingWriter 创建轮转写入器，maxSizeMB 为单个文件的上限
func NewRotatingWriter(path string, maxSizeMB int) (*RotatingWriter, error) {
	w := &RotatingWriter{
		path:    path,
		maxSize: int64(maxSizeMB) * 1024 * 1024,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	w.file = file
	w.size = stat.Size()
	return nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// rotate 把当前文件挪成 .old 备份并开新文件。调用方持有锁。
func (w *RotatingWriter) rotate() error {
	w.file.Close()

	backup := w.path + ".old"
	os.Remove(backup)
	if err := os.Rename(w.path, backup); err != nil {
		// 改名失败也要把文件重新打开，否则后续写入全部丢掉
		if openErr := w.open(); openErr != nil {
			return openErr
		}
		return err
	}
	return w.open()
}

// Close 关闭底层文件
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
