package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/coleleavitt/claude-code-proxy/models"
)

const (
	reqlogChanSize  = 1000 // 缓冲条数
	reqlogBatchSize = 100  // 批量插入大小
	reqlogFlushTime = 5 * time.Second
	reqlogKeepRows  = 100 // 日志表只保留最新这么多条
)

// RequestLogStore 异步请求日志存储 (SQLite)。
// 未配置时为 nil，nil 接收者上的所有方法都是空操作。
type RequestLogStore struct {
	db      *gorm.DB
	logChan chan *models.RequestLog
	logger  *logrus.Logger
	wg      sync.WaitGroup
	quit    chan struct{}
}

// OpenRequestLogStore 打开请求日志库并启动后台写入。
// path 为空表示功能未启用，返回 (nil, nil)。
func OpenRequestLogStore(path string, logger *logrus.Logger) (*RequestLogStore, error) {
	if path == "" {
		return nil, nil
	}

	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open request log db: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate request log db: %w", err)
	}

	s := &RequestLogStore{
		db:      db,
		logChan: make(chan *models.RequestLog, reqlogChanSize),
		logger:  logger,
		quit:    make(chan struct{}),
	}
	s.startWorker()

	logger.Infof("[ReqLog] Request logging enabled: %s", path)
	return s, nil
}

// Log 提交一条记录到写入队列，队列满时丢弃以免阻塞业务
func (s *RequestLogStore) Log(rec *models.RequestLog) {
	if s == nil {
		return
	}
	select {
	case s.logChan <- rec:
	default:
		s.logger.Warn("[ReqLog] Channel full, dropping request log")
	}
}

// startWorker 启动后台写入 Worker
func (s *RequestLogStore) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.workerLoop()
	}()
}

// workerLoop 核心循环：攒批写入，到量或到时都会刷
func (s *RequestLogStore) workerLoop() {
	var batch []*models.RequestLog
	ticker := time.NewTicker(reqlogFlushTime)
	defer ticker.Stop()

	for {
		select {
		case rec := <-s.logChan:
			batch = append(batch, rec)
			if len(batch) >= reqlogBatchSize {
				s.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = nil
			}
		case <-s.quit:
			// 退出前把剩余的刷完，包括还躺在 channel 里的
			for {
				select {
				case rec := <-s.logChan:
					batch = append(batch, rec)
				default:
					if len(batch) > 0 {
						s.flush(batch)
					}
					return
				}
			}
		}
	}
}

// flush 批量写入数据库并更新按模型聚合的统计
func (s *RequestLogStore) flush(batch []*models.RequestLog) {
	if len(batch) == 0 {
		return
	}

	if err := s.db.CreateInBatches(batch, len(batch)).Error; err != nil {
		s.logger.Errorf("[ReqLog] Failed to flush %d logs: %v", len(batch), err)
	}

	// 严格清理：只保留最新 reqlogKeepRows 条，保证数据库不膨胀
	var count int64
	s.db.Model(&models.RequestLog{}).Count(&count)
	if count > reqlogKeepRows {
		var pivotID uint
		s.db.Model(&models.RequestLog{}).Select("id").Order("id desc").
			Offset(reqlogKeepRows).Limit(1).Scan(&pivotID)
		if pivotID > 0 {
			s.db.Where("id <= ?", pivotID).Delete(&models.RequestLog{})
		}
	}

	// 聚合统计增量
	type statDelta struct {
		requests int64
		failures int64
		latency  float64
	}
	statsMap := make(map[string]*statDelta)

	for _, rec := range batch {
		if rec.MappedModel == "" {
			continue
		}
		delta, exists := statsMap[rec.MappedModel]
		if !exists {
			delta = &statDelta{}
			statsMap[rec.MappedModel] = delta
		}
		delta.requests++
		if rec.Error != "" || rec.StatusCode >= 400 {
			delta.failures++
		}
		delta.latency += rec.DurationMs
	}

	for modelName, delta := range statsMap {
		var stat models.ModelStats
		err := s.db.Where("model_name = ?", modelName).First(&stat).Error
		if err == nil {
			stat.RequestCount += delta.requests
			stat.FailureCount += delta.failures
			stat.TotalLatency += delta.latency
			s.db.Save(&stat)
		} else {
			s.db.Create(&models.ModelStats{
				ModelName:    modelName,
				RequestCount: delta.requests,
				FailureCount: delta.failures,
				TotalLatency: delta.latency,
			})
		}
	}
}

// Close 停止 Worker 并等待剩余日志落库
func (s *RequestLogStore) Close() {
	if s == nil {
		return
	}
	close(s.quit)
	s.wg.Wait()
}
