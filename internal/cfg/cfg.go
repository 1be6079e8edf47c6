// Package cfg holds the application settings kept in a yaml file.
package cfg

import (
	"fmt"
	"sync"
	"time"

	"github.com/fpawel/freqmeter/internal/calib"
	"github.com/fpawel/freqmeter/internal/devicecfg"
	"github.com/fpawel/freqmeter/internal/pkg/cfgfile"
	"github.com/fpawel/freqmeter/internal/pkg/must"
	"github.com/fpawel/freqmeter/internal/transport"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LogComm    bool      `yaml:"log_comm"`
	DevicesDir string    `yaml:"devices_dir"`
	Database   string    `yaml:"database"`
	Transport  Transport `yaml:"transport"`
	Coarse     Coarse    `yaml:"coarse"`
	Fine       Fine      `yaml:"fine"`
}

type Transport struct {
	Timeout    time.Duration `yaml:"timeout"`
	Terminator string        `yaml:"terminator"`
	MaxReply   int           `yaml:"max_reply"`
}

type Coarse struct {
	SampleTime         time.Duration `yaml:"sample_time"`
	FetchPeriod        time.Duration `yaml:"fetch_period"`
	DisplayPeriod      time.Duration `yaml:"display_period"`
	StabilityThreshold float64       `yaml:"stability_threshold"`
	MinSamples         int           `yaml:"min_samples"`
	MWindow            int           `yaml:"m_window"`
	TargetSignal       string        `yaml:"target_signal"`
	ReferenceSignal    string        `yaml:"reference_signal"`
	Channel            int           `yaml:"channel"`
	Impedance          string        `yaml:"impedance"`
	Threaded           bool          `yaml:"threaded"`
}

type Fine struct {
	GateTime   time.Duration `yaml:"gate_time"`
	PollPeriod time.Duration `yaml:"poll_period"`
	Channel    int           `yaml:"channel"`
}

func Default() Config {
	c := calib.DefaultConfig()
	return Config{
		DevicesDir: "devices",
		Database:   "freqmeter.sqlite",
		Transport: Transport{
			Timeout:    transport.DefaultTimeout,
			Terminator: transport.DefaultTerminator,
			MaxReply:   transport.DefaultMaxReply,
		},
		Coarse: Coarse{
			SampleTime:         c.SampleTime,
			FetchPeriod:        c.FetchPeriod,
			DisplayPeriod:      c.DisplayPeriod,
			StabilityThreshold: c.StabilityThreshold,
			MinSamples:         c.MinSamples,
			TargetSignal:       c.TargetSignal,
			Threaded:           c.Threaded,
		},
		Fine: Fine{
			GateTime:   c.FineGateTime,
			PollPeriod: c.FinePollPeriod,
		},
	}
}

func (c Config) Validate() error {
	if c.DevicesDir == "" {
		return fmt.Errorf("devices_dir: must be set")
	}
	if c.Database == "" {
		return fmt.Errorf("database: must be set")
	}
	if c.Transport.Timeout <= 0 {
		return fmt.Errorf("transport.timeout: must be positive, got %v", c.Transport.Timeout)
	}
	if c.Transport.MaxReply < 16 {
		return fmt.Errorf("transport.max_reply: must be at least 16, got %d", c.Transport.MaxReply)
	}
	if c.Coarse.Impedance != "" && c.Coarse.Impedance != devicecfg.Impedance50Ohm &&
		c.Coarse.Impedance != devicecfg.Impedance1MOhm {
		return fmt.Errorf("coarse.impedance: %q, expected %q or %q",
			c.Coarse.Impedance, devicecfg.Impedance50Ohm, devicecfg.Impedance1MOhm)
	}
	if err := c.Calib().Validate(); err != nil {
		return fmt.Errorf("coarse/fine: %w", err)
	}
	return nil
}

// TransportConfig is the base transport configuration of every device.
func (c Config) TransportConfig() transport.Config {
	return transport.Config{
		Timeout:    c.Transport.Timeout,
		Terminator: c.Transport.Terminator,
		MaxReply:   c.Transport.MaxReply,
		LogComm:    c.LogComm,
	}
}

func (c Config) Calib() calib.Config {
	return calib.Config{
		SampleTime:         c.Coarse.SampleTime,
		FetchPeriod:        c.Coarse.FetchPeriod,
		DisplayPeriod:      c.Coarse.DisplayPeriod,
		StabilityThreshold: c.Coarse.StabilityThreshold,
		MinSamples:         c.Coarse.MinSamples,
		MWindow:            c.Coarse.MWindow,
		TargetSignal:       c.Coarse.TargetSignal,
		ReferenceSignal:    c.Coarse.ReferenceSignal,
		Channel:            c.Coarse.Channel,
		Impedance:          c.Coarse.Impedance,
		Threaded:           c.Coarse.Threaded,
		FineGateTime:       c.Fine.GateTime,
		FinePollPeriod:     c.Fine.PollPeriod,
		FineChannel:        c.Fine.Channel,
	}
}

// File is the settings file. Get and Set are safe for concurrent use.
type File struct {
	mu sync.Mutex
	f  *cfgfile.F
	c  Config
}

// Open reads filename, creating it with the default settings when it does
// not exist yet.
func Open(filename string) (*File, error) {
	x := &File{f: cfgfile.New(filename, yaml.Marshal, yaml.Unmarshal)}
	if !x.f.Exists() {
		if err := x.Set(Default()); err != nil {
			return nil, err
		}
		return x, nil
	}
	c := Default()
	if err := x.f.Get(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", x.f.Filename(), err)
	}
	x.c = c
	return x, nil
}

func (x *File) Filename() string {
	return x.f.Filename()
}

func (x *File) Get() Config {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.c
}

// Set validates c and writes it.
func (x *File) Set(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.f.Set(c); err != nil {
		return err
	}
	x.c = c
	return nil
}

// SetYaml replaces the settings with a yaml document.
func (x *File) SetYaml(b []byte) error {
	c := Default()
	if err := yaml.Unmarshal(b, &c); err != nil {
		return err
	}
	return x.Set(c)
}

func (c Config) Yaml() []byte {
	return must.MarshalYaml(c)
}
