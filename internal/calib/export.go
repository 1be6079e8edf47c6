package calib

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ansel1/merry"
	"github.com/fpawel/freqmeter/internal/freqmeter"
)

const (
	cdtHeader       = "Code density test results"
	cdtDevicePrefix = "Device: "
	cdtColumns      = "CDT\tDNL\tINL"
)

var ErrFormat = merry.New("not a code density test results file")

// WriteCDT writes r as tab separated text: a header, the device line, a
// blank line, the column names and one row per bin.
func WriteCDT(w io.Writer, device string, r freqmeter.CDTResult) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, cdtHeader)
	fmt.Fprintln(bw, cdtDevicePrefix+device)
	fmt.Fprintln(bw)
	fmt.Fprintln(bw, cdtColumns)
	for i := 0; i < r.Len(); i++ {
		fmt.Fprintf(bw, "%s\t%s\t%s\n", formatValue(r.CDT[i]), formatValue(r.DNL[i]), formatValue(r.INL[i]))
	}
	return merry.Wrap(bw.Flush())
}

// ParseCDT reads what WriteCDT wrote.
func ParseCDT(rd io.Reader) (string, freqmeter.CDTResult, error) {
	sc := bufio.NewScanner(rd)
	var lines []string
	for sc.Scan() {
		lines = append(lines, strings.TrimRight(sc.Text(), "\r"))
	}
	if err := sc.Err(); err != nil {
		return "", freqmeter.CDTResult{}, merry.Wrap(err)
	}
	if len(lines) < 4 || lines[0] != cdtHeader || !strings.HasPrefix(lines[1], cdtDevicePrefix) ||
		lines[2] != "" || lines[3] != cdtColumns {
		return "", freqmeter.CDTResult{}, merry.Append(ErrFormat, "bad header")
	}
	device := strings.TrimPrefix(lines[1], cdtDevicePrefix)

	var r freqmeter.CDTResult
	for i, line := range lines[4:] {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			return "", freqmeter.CDTResult{}, merry.Appendf(ErrFormat, "line %d: expected 3 columns", i+5)
		}
		var row [3]float64
		for j, s := range fields {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return "", freqmeter.CDTResult{}, merry.Appendf(ErrFormat, "line %d: %v", i+5, err)
			}
			row[j] = v
		}
		r.CDT = append(r.CDT, row[0])
		r.DNL = append(r.DNL, row[1])
		r.INL = append(r.INL, row[2])
	}
	return device, r, nil
}

// SaveCDTFile writes the results of a successful fine session to filename.
func SaveCDTFile(filename string, r FineResult) error {
	if !r.Success {
		return merry.Errorf("%s: no code density test results to save", r.Target)
	}
	f, err := os.Create(filename)
	if err != nil {
		return merry.Wrap(err)
	}
	if err := WriteCDT(f, r.Target, r.Values); err != nil {
		_ = f.Close()
		return err
	}
	return merry.Wrap(f.Close())
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
