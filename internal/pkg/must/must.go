// Package must holds panic-on-error wrappers for start-up code and tests.
package must

import (
	"gopkg.in/yaml.v3"
)

// PanicIf will call panic(err) in case given err is not nil.
func PanicIf(err error) {
	if err != nil {
		panic(err)
	}
}

// UnmarshalYaml is a wrapper for yaml.Unmarshal.
func UnmarshalYaml(data []byte, v interface{}) {
	PanicIf(yaml.Unmarshal(data, v))
}

// MarshalYaml is a wrapper for yaml.Marshal.
func MarshalYaml(v interface{}) []byte {
	data, err := yaml.Marshal(v)
	PanicIf(err)
	return data
}
