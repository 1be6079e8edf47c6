package freqmeter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ansel1/merry"
)

type CDTState int

const (
	CDTNotStarted CDTState = iota
	CDTRunning
	CDTDone
	CDTError
)

func (s CDTState) String() string {
	switch s {
	case CDTNotStarted:
		return "not started"
	case CDTRunning:
		return "running"
	case CDTDone:
		return "done"
	case CDTError:
		return "error"
	default:
		return fmt.Sprintf("CDTState(%d)", int(s))
	}
}

// CDTStatus is the instrument's answer to CDT:END?. Minutes and Seconds are
// the remaining time estimated by the instrument, set only while running.
type CDTStatus struct {
	State   CDTState
	Minutes int
	Seconds int
}

func (s CDTStatus) TimeLeft() time.Duration {
	return time.Duration(s.Minutes)*time.Minute + time.Duration(s.Seconds)*time.Second
}

func (s CDTStatus) String() string {
	if s.State == CDTRunning {
		return fmt.Sprintf("running %s left", s.TimeLeft())
	}
	return s.State.String()
}

// ParseCDTStatus decodes YES, ERROR, NOTSTARTED or "<word> <min>,<sec>".
func ParseCDTStatus(reply string) (CDTStatus, error) {
	reply = strings.TrimSpace(reply)
	switch reply {
	case "YES":
		return CDTStatus{State: CDTDone}, nil
	case "ERROR":
		return CDTStatus{State: CDTError}, nil
	case "NOTSTARTED":
		return CDTStatus{State: CDTNotStarted}, nil
	}
	fields := strings.Fields(reply)
	if len(fields) != 2 {
		return CDTStatus{}, merry.Appendf(ErrProtocol, "CDT status %q", reply)
	}
	parts := strings.Split(fields[1], ",")
	if len(parts) != 2 {
		return CDTStatus{}, merry.Appendf(ErrProtocol, "CDT status %q: expected <min>,<sec>", reply)
	}
	m, err1 := strconv.Atoi(parts[0])
	sec, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || m < 0 || sec < 0 {
		return CDTStatus{}, merry.Appendf(ErrProtocol, "CDT status %q: bad time left", reply)
	}
	return CDTStatus{State: CDTRunning, Minutes: m, Seconds: sec}, nil
}

// CDTResult holds the code density test curves, one value per bin.
type CDTResult struct {
	CDT []float64
	DNL []float64
	INL []float64
}

// Len is the number of complete rows, the length of the shortest curve.
func (r CDTResult) Len() int {
	n := len(r.CDT)
	if len(r.DNL) < n {
		n = len(r.DNL)
	}
	if len(r.INL) < n {
		n = len(r.INL)
	}
	return n
}

// CDTStart arms the onboard code density test and returns without waiting
// for it. The instrument measures on its only input, so channel is checked
// but not sent.
func (x *Device) CDTStart(gateTime time.Duration, count int, channel int) error {
	if !x.profile.CDT {
		return merry.Appendf(ErrNoCDT, "%s", x.name)
	}
	if !x.Ready() {
		return merry.Appendf(ErrNotReady, "%s", x.name)
	}
	if channel < 0 || channel >= x.profile.Channels {
		return merry.Appendf(ErrChannel, "%s: channel %d", x.name, channel)
	}
	if count < 1 {
		return merry.Errorf("%s: number of measurements must be positive, got %d", x.name, count)
	}
	cmd := fmt.Sprintf("CDT:ARM:TIM %s,%d", strconv.FormatFloat(gateTime.Seconds(), 'g', 14, 64), count)
	if _, err := x.query(cmd); err != nil {
		return merry.Appendf(err, "%s: start code density test", x.name)
	}
	x.log.Info("code density test started", "gate_time", gateTime, "count", count, "channel", channel)
	return nil
}

// CDTPoll asks the instrument whether the code density test has finished.
func (x *Device) CDTPoll() (CDTStatus, error) {
	if !x.profile.CDT {
		return CDTStatus{}, merry.Appendf(ErrNoCDT, "%s", x.name)
	}
	b, err := x.query("CDT:END?")
	if err != nil {
		return CDTStatus{}, merry.Appendf(err, "%s: poll code density test", x.name)
	}
	st, err := ParseCDTStatus(string(b))
	if err != nil {
		return CDTStatus{}, merry.Appendf(err, "%s", x.name)
	}
	return st, nil
}

// CDTValues reads the three result curves. Valid only after CDTPoll reported
// CDTDone.
func (x *Device) CDTValues() (CDTResult, error) {
	if !x.profile.CDT {
		return CDTResult{}, merry.Appendf(ErrNoCDT, "%s", x.name)
	}
	var r CDTResult
	for _, q := range []struct {
		cmd string
		dst *[]float64
	}{
		{"CDT:CDT?", &r.CDT},
		{"CDT:DNL?", &r.DNL},
		{"CDT:INL?", &r.INL},
	} {
		b, err := x.query(q.cmd)
		if err != nil {
			return CDTResult{}, merry.Appendf(err, "%s: read code density test results", x.name)
		}
		xs, err := parseList(string(b))
		if err != nil {
			return CDTResult{}, merry.Appendf(err, "%s: %s", x.name, q.cmd)
		}
		*q.dst = xs
	}
	return r, nil
}

func parseList(reply string) ([]float64, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, merry.Append(ErrProtocol, "empty reply")
	}
	fields := strings.Split(reply, ",")
	return parseValues(reply, len(fields))
}
