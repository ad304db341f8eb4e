package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotatingWriterAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	w, err := NewRotatingWriter(path, 1)
	require.NoError(t, err)

	_, err = w.Write([]byte("line one\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("line two\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", string(data))
}

func TestRotatingWriterRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	w, err := NewRotatingWriter(path, 1) // 1MB 阈值
	require.NoError(t, err)
	defer w.Close()

	big := strings.Repeat("x", 600*1024)
	_, err = w.Write([]byte(big))
	require.NoError(t, err)
	// 第二笔会越过阈值，触发轮转后写进新文件
	_, err = w.Write([]byte(big))
	require.NoError(t, err)

	backup, err := os.Stat(path + ".old")
	require.NoError(t, err, "previous file should be moved to .old")
	assert.EqualValues(t, 600*1024, backup.Size())

	current, err := os.Stat(path)
	require.NoError(t, err)
	assert.EqualValues(t, 600*1024, current.Size())
}

func TestRotatingWriterReplacesBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	w, err := NewRotatingWriter(path, 1)
	require.NoError(t, err)
	defer w.Close()

	chunk := []byte(strings.Repeat("y", 700*1024))
	for i := 0; i < 3; i++ {
		_, err = w.Write(chunk)
		require.NoError(t, err)
	}

	// 乒乓策略只留一个备份
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
