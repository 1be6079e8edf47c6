package freqmeter

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/devicecfg"
	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/fpawel/freqmeter/internal/transport"
)

type Vendor string

const (
	VendorUvigo   Vendor = "Uvigo"
	VendorAgilent Vendor = "Agilent"
	VendorTest    Vendor = "Test"
)

const (
	SignalCoarse  = "coarse"
	SignalFine    = "fine"
	SignalFineCDT = "fineCDT"
)

// Descriptor is the class-level metadata of a vendor: every device of the
// vendor shares it.
type Descriptor struct {
	Vendor     Vendor
	Channels   int
	Signals    []string
	Protocols  []transport.Protocol
	Impedances []string
	Coarse     bool // has the coarse calibration register
	CDT        bool // supports the code density test
}

func (d Descriptor) clone() Descriptor {
	d.Signals = append([]string(nil), d.Signals...)
	d.Protocols = append([]transport.Protocol(nil), d.Protocols...)
	d.Impedances = append([]string(nil), d.Impedances...)
	return d
}

func (d Descriptor) SupportsProtocol(p transport.Protocol) bool {
	for _, x := range d.Protocols {
		if x == p {
			return true
		}
	}
	return false
}

func (d Descriptor) SupportsImpedance(s string) bool {
	for _, x := range d.Impedances {
		if x == s {
			return true
		}
	}
	return false
}

type command struct {
	text  string
	reply bool // the instrument answers and the answer must be consumed
}

type profile struct {
	Descriptor
	start    func(sampleTime time.Duration, channel int, impedance string) []command
	fetch    command
	simulate func(rnd *rand.Rand) []float64 // replaces fetch when set
}

var profiles = map[Vendor]*profile{
	VendorUvigo: {
		Descriptor: Descriptor{
			Vendor:     VendorUvigo,
			Channels:   1,
			Signals:    []string{SignalCoarse, SignalFine, SignalFineCDT},
			Protocols:  []transport.Protocol{transport.ProtocolTCP},
			Impedances: []string{devicecfg.Impedance50Ohm, devicecfg.Impedance1MOhm},
			Coarse:     true,
			CDT:        true,
		},
		start: func(sampleTime time.Duration, _ int, _ string) []command {
			return []command{
				{"*RST", false},
				{"SENS:MODE:SAVELAST", true},
				{"SENS:FREQ:ALL:ARM:TIM " + pkg.FormatSeconds(sampleTime.Seconds()), true},
				{"INIT", true},
			}
		},
		fetch: command{"FETCH:FREQ:ALL", true},
	},
	VendorAgilent: {
		Descriptor: Descriptor{
			Vendor:     VendorAgilent,
			Channels:   2,
			Signals:    []string{SignalFineCDT},
			Protocols:  []transport.Protocol{transport.ProtocolVISA},
			Impedances: []string{devicecfg.Impedance50Ohm, devicecfg.Impedance1MOhm},
		},
		start: func(sampleTime time.Duration, channel int, impedance string) []command {
			input := channel + 1
			imp := "1E6"
			if impedance == devicecfg.Impedance50Ohm {
				imp = "50"
			}
			return []command{
				{"*RST", false},
				{"*CLS", false},
				{"*SRE 0", false},
				{"*ESE 0", false},
				{":STAT:PRES", false},
				{fmt.Sprintf(":INP%d:IMP %s", input, imp), false},
				{":FREQ:ARM:STAR:SOUR IMM", false},
				{":FREQ:ARM:STOP:SOUR TIM", false},
				{":FREQ:ARM:STOP:TIM " + pkg.FormatSeconds(sampleTime.Seconds()), false},
				{fmt.Sprintf(":FUNC 'FREQ %d'", input), false},
				{"INIT", false},
			}
		},
		fetch: command{"FETC:FREQ?", true},
	},
	VendorTest: {
		Descriptor: Descriptor{
			Vendor:     VendorTest,
			Channels:   2,
			Signals:    []string{SignalCoarse, SignalFine, SignalFineCDT},
			Protocols:  []transport.Protocol{transport.ProtocolTest},
			Impedances: []string{devicecfg.Impedance50Ohm, devicecfg.Impedance1MOhm},
			Coarse:     true,
		},
		start: func(time.Duration, int, string) []command {
			return nil
		},
		simulate: func(rnd *rand.Rand) []float64 {
			xs := make([]float64, 3)
			for i := range xs {
				xs[i] = 10 + rnd.NormFloat64()*float64(1+i)
			}
			return xs
		},
	},
}

var ErrUnknownVendor = merry.New("unknown frequency meter vendor")

// LookupVendor returns the descriptor of the named vendor.
func LookupVendor(v Vendor) (Descriptor, error) {
	p, err := lookupProfile(v)
	if err != nil {
		return Descriptor{}, err
	}
	return p.Descriptor.clone(), nil
}

// Vendors lists the descriptors of every supported vendor ordered by name.
func Vendors() []Descriptor {
	xs := make([]Descriptor, 0, len(profiles))
	for _, p := range profiles {
		xs = append(xs, p.Descriptor.clone())
	}
	sort.Slice(xs, func(i, j int) bool {
		return xs[i].Vendor < xs[j].Vendor
	})
	return xs
}

func lookupProfile(v Vendor) (*profile, error) {
	p, f := profiles[v]
	if !f {
		return nil, merry.Appendf(ErrUnknownVendor, "%q", v)
	}
	return p, nil
}
