// Package devicecfg reads and writes frequency-meter device documents, the
// per-instance yaml files kept in the devices directory.
package devicecfg

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/transport"
	"gopkg.in/yaml.v3"
)

const Ext = ".yml"

var ErrInvalid = merry.New("invalid device document")

type Doc struct {
	General        General        `yaml:"general"`
	Communications Communications `yaml:"communications"`
	Channels       Channels       `yaml:"channels"`
	Impedance      Impedance      `yaml:"impedance"`

	// older documents spell the section "chanels"
	LegacyChannels *Channels `yaml:"chanels,omitempty"`
}

type General struct {
	Name        string `yaml:"Name"`
	Vendor      string `yaml:"Vendor"`
	Model       string `yaml:"Model"`
	SerialN     string `yaml:"Serial_N"`
	FirmVersion string `yaml:"FirmVersion"`
}

type Communications struct {
	Protocol   string     `yaml:"Protocol"`
	Properties Properties `yaml:"Properties"`
}

type Properties struct {
	CommProp1 string `yaml:"CommProp1"`
	CommProp2 string `yaml:"CommProp2"`
	CommProp3 string `yaml:"CommProp3"`
	CommProp4 string `yaml:"CommProp4"`
}

type Channels struct {
	Quantity string   `yaml:"Quantity"`
	Signals  string   `yaml:"Signals"`
	SigTypes SigTypes `yaml:"SigTypes"`
}

type SigTypes struct {
	S1 string `yaml:"S1"`
	S2 string `yaml:"S2"`
	S3 string `yaml:"S3"`
	S4 string `yaml:"S4"`
}

// Impedance flags are stored as the strings "True" / "False".
type Impedance struct {
	R50Ohm string `yaml:"R50Ohm"`
	R1MOhm string `yaml:"R1MOhm"`
}

func Parse(b []byte) (Doc, error) {
	var d Doc
	if err := yaml.Unmarshal(b, &d); err != nil {
		return Doc{}, merry.Prepend(ErrInvalid.Here(), err.Error())
	}
	if d.LegacyChannels != nil {
		if d.Channels == (Channels{}) {
			d.Channels = *d.LegacyChannels
		}
		d.LegacyChannels = nil
	}
	if err := d.Validate(); err != nil {
		return Doc{}, err
	}
	return d, nil
}

func LoadFile(filename string) (Doc, error) {
	b, err := ioutil.ReadFile(filename)
	if err != nil {
		return Doc{}, merry.Append(err, "device document")
	}
	d, err := Parse(b)
	if err != nil {
		return Doc{}, merry.Append(err, filename)
	}
	return d, nil
}

// Load reads the document of the named device from dir.
func Load(dir, name string) (Doc, error) {
	return LoadFile(Filename(dir, name))
}

func Filename(dir, name string) string {
	return filepath.Join(dir, name+Ext)
}

// Save writes d as dir/<Name>.yml, replacing an existing document.
func Save(dir string, d Doc) error {
	if err := d.Validate(); err != nil {
		return err
	}
	b, err := yaml.Marshal(d)
	if err != nil {
		return merry.Wrap(err)
	}
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return merry.Wrap(err)
	}
	return ioutil.WriteFile(Filename(dir, d.General.Name), b, 0666)
}

// List returns the sorted names of the device documents found in dir.
func List(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+Ext))
	if err != nil {
		return nil, merry.Wrap(err)
	}
	var names []string
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), Ext))
	}
	sort.Strings(names)
	return names, nil
}

// Exists reports whether the named device document is still in dir.
func Exists(dir, name string) bool {
	_, err := os.Stat(Filename(dir, name))
	return err == nil
}

func (d Doc) Name() string {
	return d.General.Name
}

func (d Doc) Validate() error {
	if strings.TrimSpace(d.General.Name) == "" {
		return merry.Append(ErrInvalid, "'Name' field cannot be empty")
	}
	if reSpaces.MatchString(d.General.Name) {
		return merry.Appendf(ErrInvalid, "name %q must not contain spaces", d.General.Name)
	}
	if strings.TrimSpace(d.General.Vendor) == "" {
		return merry.Appendf(ErrInvalid, "device %q: vendor is empty", d.General.Name)
	}
	if err := transport.Protocol(d.Communications.Protocol).Validate(); err != nil {
		return merry.Appendf(err, "device %q", d.General.Name)
	}
	if _, err := d.ChannelCount(); err != nil {
		return err
	}
	if _, err := d.SignalTypes(); err != nil {
		return err
	}
	if len(d.Impedances()) == 0 {
		return merry.Appendf(ErrInvalid, "device %q: at least one impedance must be selected", d.General.Name)
	}
	return nil
}

func (d Doc) ChannelCount() (int, error) {
	return parseCount(d.General.Name, "Quantity", d.Channels.Quantity)
}

// SignalTypes returns the first Signals entries of S1..S4.
func (d Doc) SignalTypes() ([]string, error) {
	n, err := parseCount(d.General.Name, "Signals", d.Channels.Signals)
	if err != nil {
		return nil, err
	}
	all := []string{d.Channels.SigTypes.S1, d.Channels.SigTypes.S2, d.Channels.SigTypes.S3, d.Channels.SigTypes.S4}
	return all[:n], nil
}

// Impedances returns the selected input impedance labels.
func (d Doc) Impedances() (xs []string) {
	if isTrue(d.Impedance.R50Ohm) {
		xs = append(xs, Impedance50Ohm)
	}
	if isTrue(d.Impedance.R1MOhm) {
		xs = append(xs, Impedance1MOhm)
	}
	return
}

const (
	Impedance50Ohm = "50Ω"
	Impedance1MOhm = "1MΩ"
)

// Transport fills the protocol and properties of base from the document.
func (d Doc) Transport(base transport.Config) transport.Config {
	base.Protocol = transport.Protocol(d.Communications.Protocol)
	p := d.Communications.Properties
	base.Properties = [4]string{p.CommProp1, p.CommProp2, p.CommProp3, p.CommProp4}
	return base
}

func parseCount(device, field, s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 || n > 4 {
		return 0, merry.Appendf(ErrInvalid, "device %q: %s=%q must be a number in 1..4", device, field, s)
	}
	return n, nil
}

func isTrue(s string) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	return err == nil && b
}

var reSpaces = regexp.MustCompile(`\s+`)
