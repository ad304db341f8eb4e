package models

import (
	"time"

	"gorm.io/gorm"
)

// RequestLog 单次代理请求的落库记录
type RequestLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	RequestID    string    `gorm:"index" json:"request_id"`
	ClientModel  string    `json:"client_model"` // 客户端请求的模型名
	MappedModel  string    `json:"mapped_model"` // 映射后的后端模型名
	Provider     string    `json:"provider"`
	Stream       bool      `json:"stream"`
	StatusCode   int       `json:"status_code"`
	DurationMs   float64   `json:"duration_ms"`
	InputTokens  int       `gorm:"default:0" json:"input_tokens"`
	OutputTokens int       `gorm:"default:0" json:"output_tokens"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ModelStats 按后端模型聚合的统计信息
type ModelStats struct {
	gorm.Model
	ModelName    string  `gorm:"uniqueIndex;not null" json:"model_name"`
	RequestCount int64   `gorm:"default:0" json:"request_count"`
	FailureCount int64   `gorm:"default:0" json:"failure_count"`
	TotalLatency float64 `gorm:"default:0" json:"total_latency"` // 毫秒
}

// AutoMigrate 自动迁移数据库结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&RequestLog{},
		&ModelStats{},
	)
}
