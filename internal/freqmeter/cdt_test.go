package freqmeter

import (
	"testing"
	"time"

	"github.com/ansel1/merry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCDTStatus(t *testing.T) {
	for reply, want := range map[string]CDTStatus{
		"YES":          {State: CDTDone},
		"ERROR":        {State: CDTError},
		"NOTSTARTED":   {State: CDTNotStarted},
		"RUNNING 3,12": {State: CDTRunning, Minutes: 3, Seconds: 12},
		"LEFT 0,5\n":   {State: CDTRunning, Seconds: 5},
	} {
		got, err := ParseCDTStatus(reply)
		require.NoError(t, err, reply)
		assert.Equal(t, want, got, reply)
	}
	for _, reply := range []string{"", "MAYBE", "RUNNING 3", "RUNNING a,b", "RUNNING -1,2", "A B C"} {
		_, err := ParseCDTStatus(reply)
		assert.True(t, merry.Is(err, ErrProtocol), reply)
	}
}

func TestCDTStatusString(t *testing.T) {
	st := CDTStatus{State: CDTRunning, Minutes: 3, Seconds: 12}
	assert.Equal(t, 3*time.Minute+12*time.Second, st.TimeLeft())
	assert.Equal(t, "running 3m12s left", st.String())
	assert.Equal(t, "done", CDTStatus{State: CDTDone}.String())
}

func TestCDTSequence(t *testing.T) {
	d, c := readyDevice(t, VendorUvigo)
	c.SetReply("CDT:END?", "RUNNING 0,4", "YES")
	c.SetReply("CDT:CDT?", "0.1,0.2")
	c.SetReply("CDT:DNL?", "0,0.1")
	c.SetReply("CDT:INL?", "0.05,0.1")

	require.NoError(t, d.CDTStart(time.Second, 1000, 0))
	assert.Contains(t, c.Commands(), "CDT:ARM:TIM 1,1000")

	st, err := d.CDTPoll()
	require.NoError(t, err)
	assert.Equal(t, CDTRunning, st.State)
	st, err = d.CDTPoll()
	require.NoError(t, err)
	assert.Equal(t, CDTDone, st.State)

	r, err := d.CDTValues()
	require.NoError(t, err)
	assert.Equal(t, CDTResult{
		CDT: []float64{0.1, 0.2},
		DNL: []float64{0, 0.1},
		INL: []float64{0.05, 0.1},
	}, r)
	assert.Equal(t, 2, r.Len())
}

func TestCDTStartValidation(t *testing.T) {
	d, _ := readyDevice(t, VendorUvigo)
	assert.True(t, merry.Is(d.CDTStart(time.Second, 10, 1), ErrChannel))
	assert.Error(t, d.CDTStart(time.Second, 0, 0))

	require.NoError(t, d.Disconnect())
	assert.True(t, merry.Is(d.CDTStart(time.Second, 10, 0), ErrNotReady))
}

func TestCDTValuesEmptyReply(t *testing.T) {
	d, c := readyDevice(t, VendorUvigo)
	c.SetReply("CDT:CDT?", "")
	_, err := d.CDTValues()
	assert.True(t, merry.Is(err, ErrProtocol))
}
