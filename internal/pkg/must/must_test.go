package must

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPanicIf(t *testing.T) {
	assert.NotPanics(t, func() { PanicIf(nil) })
	assert.Panics(t, func() { PanicIf(errors.New("boom")) })
}

func TestYamlRoundTrip(t *testing.T) {
	type x struct {
		A int    `yaml:"a"`
		B string `yaml:"b"`
	}
	var y x
	UnmarshalYaml(MarshalYaml(x{A: 1, B: "z"}), &y)
	assert.Equal(t, x{A: 1, B: "z"}, y)
}
