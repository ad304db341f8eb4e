package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mapperConfigTOML = `
provider = "openai"

[openai]
api_key = "sk-test"

[models]
big_model = "gpt-4o"
middle_model = "gpt-4o-mid"
small_model = "gpt-4o-mini"
`

func TestModelMapperFamilies(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, mapperConfigTOML))
	require.NoError(t, err)
	m := NewModelMapper(cfg)

	tests := []struct {
		claude string
		want   string
	}{
		{"claude-3-haiku-20240307", "gpt-4o-mini"},
		{"claude-3-5-sonnet-20241022", "gpt-4o-mid"},
		{"claude-3-opus-20240229", "gpt-4o"},
		// 族名匹配大小写不敏感
		{"CLAUDE-OPUS-LATEST", "gpt-4o"},
		{"Claude-3-Haiku", "gpt-4o-mini"},
		// 认不出的名字落到 big_model
		{"some-unknown-model", "gpt-4o"},
		{"", "gpt-4o"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Map(tt.claude), "mapping %q", tt.claude)
	}
}

func TestModelMapperPassthrough(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, mapperConfigTOML))
	require.NoError(t, err)
	m := NewModelMapper(cfg)

	for _, name := range []string{"gpt-4-turbo", "o1-preview", "ep-20240101", "doubao-pro-32k", "deepseek-chat"} {
		assert.Equal(t, name, m.Map(name))
	}

	// 放行前缀优先于族名匹配
	assert.Equal(t, "gpt-haiku-custom", m.Map("gpt-haiku-custom"))
	// 前缀匹配大小写敏感
	assert.Equal(t, "gpt-4o", m.Map("GPT-4-turbo"))
}

func TestModelMapperFollowsReload(t *testing.T) {
	path := writeConfig(t, mapperConfigTOML)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	m := NewModelMapper(cfg)

	assert.Equal(t, "gpt-4o-mini", m.Map("claude-3-haiku"))

	require.NoError(t, os.WriteFile(path, []byte(`
provider = "openai"

[openai]
api_key = "sk-test"

[models]
big_model = "gpt-4o"
middle_model = "gpt-4o-mid"
small_model = "gpt-5-mini"
`), 0644))
	_, err = cfg.Reload()
	require.NoError(t, err)

	assert.Equal(t, "gpt-5-mini", m.Map("claude-3-haiku"), "mapper must see reloaded models")
}
