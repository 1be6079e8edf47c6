package pkg

import (
	"testing"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
)

func TestFormatMerryStacktrace(t *testing.T) {
	s := FormatMerryStacktrace(merry.New("boom"), "\n")
	assert.Contains(t, s, "TestFormatMerryStacktrace")
	assert.NotContains(t, s, "runtime.goexit")
	assert.Equal(t, "github.com/x/y/z.go", trimModulePath(`/home/u/go/pkg/mod/github.com/x/y@v1.2.3/z.go`))
}
