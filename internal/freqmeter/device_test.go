package freqmeter

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/devicecfg"
	"github.com/fpawel/freqmeter/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyDevice(t *testing.T, vendor Vendor) (*Device, *transport.Test) {
	c := transport.NewTest()
	d, err := NewWithClient("dev1", vendor, c, nil)
	require.NoError(t, err)
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.IsReady())
	return d, c
}

func TestVendors(t *testing.T) {
	xs := Vendors()
	require.Len(t, xs, 3)
	assert.Equal(t, VendorAgilent, xs[0].Vendor)
	assert.Equal(t, VendorTest, xs[1].Vendor)
	assert.Equal(t, VendorUvigo, xs[2].Vendor)

	d, err := LookupVendor(VendorUvigo)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Channels)
	assert.True(t, d.CDT)
	assert.True(t, d.SupportsProtocol(transport.ProtocolTCP))
	assert.False(t, d.SupportsProtocol(transport.ProtocolVISA))

	d.Signals[0] = "changed"
	d, _ = LookupVendor(VendorUvigo)
	assert.Equal(t, SignalCoarse, d.Signals[0])

	_, err = LookupVendor("Keysight")
	assert.True(t, merry.Is(err, ErrUnknownVendor))
}

func TestStartMeasurementRequiresAck(t *testing.T) {
	d, err := NewWithClient("dev1", VendorUvigo, transport.NewTest(), nil)
	require.NoError(t, err)
	assert.True(t, merry.Is(d.StartMeasurement(time.Second, 0, ""), ErrNotReady))
	assert.True(t, merry.Is(d.IsReady(), ErrNotConnected))

	require.NoError(t, d.Connect(context.Background()))
	assert.True(t, d.Connected())
	assert.False(t, d.Ready())
	assert.True(t, merry.Is(d.StartMeasurement(time.Second, 0, ""), ErrNotReady))
}

func TestUvigoStartAndFetch(t *testing.T) {
	d, c := readyDevice(t, VendorUvigo)
	c.SetReply("FETCH:FREQ:ALL", "1000000.5,1000000.25,1000000.125")

	require.NoError(t, d.StartMeasurement(1500*time.Millisecond, 0, devicecfg.Impedance50Ohm))
	assert.Equal(t, []string{
		"*IDN?",
		"*RST",
		"SENS:MODE:SAVELAST",
		"SENS:FREQ:ALL:ARM:TIM 1.5",
		"INIT",
	}, c.Commands())
	ch, ok := d.ActiveChannel()
	assert.True(t, ok)
	assert.Equal(t, 0, ch)

	s, err := d.StoreFreq()
	require.NoError(t, err)
	assert.Equal(t, []float64{1000000.5, 1000000.25, 1000000.125}, s.Values)
	v, ok := s.Value(SignalFine)
	assert.True(t, ok)
	assert.Equal(t, 1000000.25, v)
	_, ok = s.Value("nope")
	assert.False(t, ok)

	h := d.History(0)
	require.Len(t, h, 1)
	h[0].Values[0] = 0
	assert.Equal(t, 1000000.5, d.History(0)[0].Values[0])

	require.NoError(t, d.StartMeasurement(time.Second, 0, ""))
	assert.Empty(t, d.History(0), "restart clears the history")
}

func TestMalformedReplyLeavesHistory(t *testing.T) {
	d, c := readyDevice(t, VendorUvigo)
	require.NoError(t, d.StartMeasurement(time.Second, 0, ""))

	c.SetReply("FETCH:FREQ:ALL", "1,2")
	_, err := d.StoreFreq()
	assert.True(t, merry.Is(err, ErrProtocol))

	c.SetReply("FETCH:FREQ:ALL", "1,x,3")
	_, err = d.StoreFreq()
	assert.True(t, merry.Is(err, ErrProtocol))
	assert.Empty(t, d.History(0))
}

func TestStartMeasurementValidation(t *testing.T) {
	d, _ := readyDevice(t, VendorUvigo)
	assert.True(t, merry.Is(d.StartMeasurement(time.Second, 1, ""), ErrChannel))
	assert.True(t, merry.Is(d.StartMeasurement(time.Second, 0, "75Ω"), ErrImpedance))

	_, err := d.StoreFreq()
	assert.True(t, merry.Is(err, ErrNotMeasuring))
}

func TestAgilentStart(t *testing.T) {
	d, c := readyDevice(t, VendorAgilent)
	c.SetReply("FETC:FREQ?", "9999999.75")
	require.NoError(t, d.StartMeasurement(time.Second, 1, devicecfg.Impedance1MOhm))
	cmds := c.Commands()
	assert.Contains(t, cmds, ":INP2:IMP 1E6")
	assert.Contains(t, cmds, ":FUNC 'FREQ 2'")
	assert.Equal(t, "INIT", cmds[len(cmds)-1])

	s, err := d.StoreFreq()
	require.NoError(t, err)
	assert.Equal(t, 1, s.Channel)
	assert.Equal(t, []string{SignalFineCDT}, s.Signals)
	assert.Len(t, d.History(1), 1)
	assert.Empty(t, d.History(0))

	assert.True(t, merry.Is(d.SetCoarseCalibration(2), ErrNoCoarse))
	assert.True(t, merry.Is(d.CDTStart(time.Second, 10, 0), ErrNoCDT))
}

func TestSimulatedVendor(t *testing.T) {
	d, c := readyDevice(t, VendorTest)
	require.NoError(t, d.StartMeasurement(time.Second, 1, ""))
	for i := 0; i < 5; i++ {
		s, err := d.StoreFreq()
		require.NoError(t, err)
		assert.Len(t, s.Values, 3)
	}
	assert.Len(t, d.History(1), 5)
	assert.Equal(t, []string{"*IDN?"}, c.Commands())
}

func TestSetCoarseCalibration(t *testing.T) {
	d, c := readyDevice(t, VendorUvigo)
	require.NoError(t, d.SetCoarseCalibration(1.00000123456789012))
	cmds := c.Commands()
	assert.Equal(t, "CAL:COARSE 1.0000012345679", cmds[len(cmds)-1])
}

func TestNewFromDocument(t *testing.T) {
	doc := testDoc("uvi1", "Uvigo", transport.ProtocolTCP)
	doc.Communications.Properties.CommProp1 = "127.0.0.1"
	doc.Communications.Properties.CommProp2 = "5025"
	d, err := New(doc, transport.Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "uvi1", d.Name())
	assert.Equal(t, "uvi1(Uvigo)", d.String())

	doc.Communications.Protocol = string(transport.ProtocolVISA)
	_, err = New(doc, transport.Config{}, nil)
	assert.True(t, merry.Is(err, transport.ErrConfig))

	doc.General.Vendor = "Keysight"
	_, err = New(doc, transport.Config{}, nil)
	assert.True(t, merry.Is(err, ErrUnknownVendor))
}

func TestPool(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, devicecfg.Save(dir, testDoc("sim1", "Test", transport.ProtocolTest)))
	p := NewPool(dir, transport.Config{}, nil)

	d1, err := p.Get("sim1")
	require.NoError(t, err)
	d2, err := p.Get("sim1")
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	require.NoError(t, d1.Connect(context.Background()))
	assert.Equal(t, []string{"sim1"}, p.Names())

	require.NoError(t, os.Remove(devicecfg.Filename(dir, "sim1")))
	_, err = p.Get("sim1")
	assert.True(t, merry.Is(err, ErrDeviceRemoved))
	assert.False(t, d1.Connected())
	assert.Empty(t, p.Names())

	ext, err := NewWithClient("ext", VendorTest, transport.NewTest(), nil)
	require.NoError(t, err)
	p.Add(ext)
	got, err := p.Get("ext")
	require.NoError(t, err)
	assert.Same(t, ext, got)
	p.CloseAll()
	assert.Empty(t, p.Names())
}

func testDoc(name, vendor string, protocol transport.Protocol) devicecfg.Doc {
	var d devicecfg.Doc
	d.General.Name = name
	d.General.Vendor = vendor
	d.Communications.Protocol = string(protocol)
	d.Channels.Quantity = "1"
	d.Channels.Signals = "3"
	d.Channels.SigTypes = devicecfg.SigTypes{S1: SignalCoarse, S2: SignalFine, S3: SignalFineCDT}
	d.Impedance = devicecfg.Impedance{R50Ohm: "True", R1MOhm: "False"}
	return d
}
