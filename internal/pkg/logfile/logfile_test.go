package logfile

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesDailyFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	f, err := New(dir, ".test")
	require.NoError(t, err)
	_, err = f.WriteString("hello\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.FileExists(t, Filename(dir, time.Now(), ".test"))
}
