package core

import "strings"

// passthroughPrefixes 带这些前缀的名字已经是后端模型名，原样放行 (大小写敏感)
var passthroughPrefixes = []string{"gpt-", "o1-", "ep-", "doubao-", "deepseek-"}

// ModelMapper Claude 模型名到后端模型名的映射器。
// 映射表取自 [models] 配置段，配置热更新后立即生效。
type ModelMapper struct {
	cfg *Config
}

// NewModelMapper 创建模型映射器
func NewModelMapper(cfg *Config) *ModelMapper {
	return &ModelMapper{cfg: cfg}
}

// Map 把 Claude 模型名映射为后端模型名。
// haiku/sonnet/opus 按配置映射，认不出的名字落到 big_model。
func (m *ModelMapper) Map(claudeModel string) string {
	for _, prefix := range passthroughPrefixes {
		if strings.HasPrefix(claudeModel, prefix) {
			return claudeModel
		}
	}

	mapping := m.cfg.Models()
	lower := strings.ToLower(claudeModel)
	switch {
	case strings.Contains(lower, "haiku"):
		return mapping.SmallModel
	case strings.Contains(lower, "sonnet"):
		return mapping.MiddleModel
	case strings.Contains(lower, "opus"):
		return mapping.BigModel
	default:
		return mapping.BigModel
	}
}
