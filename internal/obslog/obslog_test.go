package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultLoggerIsNop(t *testing.T) {
	assert.NotNil(t, L())
	L().Info("ignored")
}

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "match.log")
	logger, err := New(Config{Level: "debug", Format: "json", ToFile: true, FilePath: path})
	require.NoError(t, err)
	logger.Info("match_move", zap.String("game_id", "g1"))
	require.NoError(t, logger.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	line := string(raw)
	assert.True(t, strings.Contains(line, `"msg":"match_move"`), line)
	assert.True(t, strings.Contains(line, `"game_id":"g1"`), line)
}

func TestSetRoutesGlobalLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	L().Info("ws_connect", zap.String("conn_id", "c1"))
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "ws_connect", logs.All()[0].Message)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARNING"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}
