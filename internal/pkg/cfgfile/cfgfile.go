// Package cfgfile reads and writes one structured settings file with the
// given marshal/unmarshal pair.
package cfgfile

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/ansel1/merry"
)

type MarshalFunc = func(in interface{}) (out []byte, err error)
type UnmarshalFunc = func(in []byte, out interface{}) error

type F struct {
	filename  string
	marshal   MarshalFunc
	unmarshal UnmarshalFunc
}

// New binds filename to a codec. A relative filename is resolved against the
// directory of the executable.
func New(filename string, marshal MarshalFunc, unmarshal UnmarshalFunc) *F {
	if !filepath.IsAbs(filename) {
		filename = filepath.Join(filepath.Dir(os.Args[0]), filename)
	}
	return &F{
		filename:  filename,
		marshal:   marshal,
		unmarshal: unmarshal,
	}
}

func (x *F) Set(in interface{}) error {
	data, err := x.marshal(in)
	if err != nil {
		return x.err(err)
	}
	if err := os.MkdirAll(filepath.Dir(x.filename), os.ModePerm); err != nil {
		return x.err(err)
	}
	if err := ioutil.WriteFile(x.filename, data, 0666); err != nil {
		return x.err(err)
	}
	return nil
}

func (x *F) Get(out interface{}) error {
	data, err := ioutil.ReadFile(x.filename)
	if err != nil {
		return x.err(err)
	}
	return x.err(x.unmarshal(data, out))
}

func (x *F) Exists() bool {
	_, err := os.Stat(x.filename)
	return err == nil
}

func (x *F) err(err error) error {
	if err == nil {
		return nil
	}
	return merry.Append(err, x.filename)
}

func (x *F) Filename() string {
	return x.filename
}
