package logfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// New opens (or creates) today's log file in dir, e.g. logs/2026-10-19.freqmeter.log.
func New(dir, filenameSuffix string) (*os.File, error) {
	if err := ensureDir(dir); err != nil {
		return nil, err
	}
	return os.OpenFile(Filename(dir, time.Now(), filenameSuffix), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0666)
}

func Filename(dir string, t time.Time, suffix string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s.log", daytime(t).Format("2006-01-02"), suffix))
}

func daytime(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.Local)
}

func ensureDir(dir string) error {
	_, err := os.Stat(dir)
	if os.IsNotExist(err) { // создать каталог если его нет
		err = os.MkdirAll(dir, os.ModePerm)
	}
	return err
}

// DefaultDir is the logs directory next to the executable.
func DefaultDir() string {
	return filepath.Join(filepath.Dir(os.Args[0]), "logs")
}
