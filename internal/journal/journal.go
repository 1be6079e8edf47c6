// Package journal is the operator-facing event log: short timestamped lines
// written to a file and mirrored to the structured log.
package journal

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fpawel/freqmeter/internal/pkg"
	"github.com/powerman/structlog"
)

type Level int

const (
	LInfo Level = iota
	LWarn
	LErr
)

func (l Level) prefix() string {
	switch l {
	case LWarn:
		return "WRN "
	case LErr:
		return "ERR "
	}
	return ""
}

type Record struct {
	Time  time.Time
	Level Level
	Text  string
}

func (r Record) String() string {
	return r.Time.Format("15:04:05") + " " + r.Level.prefix() + r.Text
}

// Journal implements calib.Events.
type Journal struct {
	log *structlog.Logger
	now func() time.Time

	mu       sync.Mutex
	w        io.Writer
	handlers []func(Record)
}

func New(w io.Writer, log *structlog.Logger) *Journal {
	return &Journal{
		w:   w,
		log: pkg.UnitLogger(log, "journal"),
		now: time.Now,
	}
}

// Notify registers h to be called with every record, e.g. to show it in a
// status line.
func (x *Journal) Notify(h func(Record)) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers = append(x.handlers, h)
}

func (x *Journal) Info(text string) {
	x.write(LInfo, text)
}

func (x *Journal) Warn(text string) {
	x.write(LWarn, text)
}

func (x *Journal) Err(err error) {
	x.write(LErr, err.Error())
}

func (x *Journal) write(level Level, text string) {
	r := Record{Time: x.now(), Level: level, Text: text}
	log := pkg.LogPrependSuffixKeys(x.log, structlog.KeyTime, r.Time.Format("15:04:05"))
	switch level {
	case LInfo:
		log.Info(text)
	case LWarn:
		log.Warn(text)
	default:
		log.PrintErr(text)
	}

	x.mu.Lock()
	handlers := x.handlers
	if x.w != nil {
		if _, err := fmt.Fprintln(x.w, r.String()); err != nil {
			x.log.PrintErr("write journal", "error", err)
		}
	}
	x.mu.Unlock()

	for _, h := range handlers {
		h(r)
	}
}
