package pkg

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/ansel1/merry"
)

func FormatMerryStacktrace(e error, sep string) string {
	return formatStack(merry.Stack(e), sep)
}

func formatStack(stack []uintptr, sep string) string {
	var frames []string
	for _, fp := range stack {
		fnc := runtime.FuncForPC(fp)
		if fnc == nil {
			continue
		}
		name := filepath.Base(fnc.Name())
		if name == "runtime.goexit" {
			continue
		}
		file, line := fnc.FileLine(fp)
		frames = append(frames, fmt.Sprintf("%s:%d %s", trimModulePath(file), line, name))
	}
	return strings.Join(frames, sep)
}

func trimModulePath(file string) string {
	file = strings.ReplaceAll(file, "\\", "/")
	file = excludeGoPathSrcRegexp.ReplaceAllString(file, "")
	file = excludeGoPathPkgModRegexp.ReplaceAllString(file, "")
	file = excludeModuleVersionRegexp.ReplaceAllString(file, "")
	return file
}

var (
	excludeGoPathSrcRegexp     = regexp.MustCompile(`^.*/src/`)
	excludeGoPathPkgModRegexp  = regexp.MustCompile(`^.*/pkg/mod/`)
	excludeModuleVersionRegexp = regexp.MustCompile(`@v[^/]+`)
)
