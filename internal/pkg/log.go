package pkg

import (
	"os"
	"path/filepath"

	"github.com/powerman/structlog"
)

// InitLog sets up the default structlog layout shared by every component
// logger created with structlog.New.
func InitLog() {
	structlog.DefaultLogger.
		SetPrefixKeys(
			structlog.KeyApp, structlog.KeyPID, structlog.KeyLevel, structlog.KeyUnit, structlog.KeyTime,
		).
		SetDefaultKeyvals(
			structlog.KeyApp, filepath.Base(os.Args[0]),
			structlog.KeySource, structlog.Auto,
		).
		SetSuffixKeys(
			structlog.KeyStack,
		).
		SetSuffixKeys(structlog.KeySource).
		SetKeysFormat(map[string]string{
			structlog.KeyTime:   " %[2]s",
			structlog.KeySource: " %6[2]s",
			structlog.KeyUnit:   " %6[2]s",
		})
}

// UnitLogger returns a child of log tagged with the given unit name.
// A nil log yields a fresh default logger.
func UnitLogger(log *structlog.Logger, unit string) *structlog.Logger {
	if log == nil {
		log = structlog.New()
	}
	return log.New(structlog.KeyUnit, unit)
}

func LogPrependSuffixKeys(log *structlog.Logger, args ...interface{}) *structlog.Logger {
	var keys []string
	for i, arg := range args {
		if i%2 == 0 {
			k, ok := arg.(string)
			if !ok {
				panic("key must be string")
			}
			keys = append(keys, k)
		}
	}
	return log.New(args...).PrependSuffixKeys(keys...)
}
