package main

import (
	"github.com/fpawel/freqmeter/internal/app"
	"github.com/fpawel/freqmeter/internal/pkg"
)

var (
	GitCommit string
	BuildDate string
	BuildTime string
)

func main() {
	pkg.InitLog()
	app.Main(app.BuildInfo{
		Commit: GitCommit,
		Date:   BuildDate,
		Time:   BuildTime,
	})
}
