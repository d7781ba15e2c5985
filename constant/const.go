package constant

import (
	_ "embed"
	"fmt"
	"strings"
	"time"
)

const compileTimeLayout = "2006-01-02T15:04:05"

var (
	//go:embed version
	version string
	Version = strings.TrimSpace(version)

	// Overridden with -ldflags "-X github.com/xeptore/tunestream/constant.compileTime=...".
	compileTime string = "2026-10-01T09:00:00"
	CompileTime time.Time
)

func init() {
	t, err := time.Parse(compileTimeLayout, compileTime)
	if nil != err {
		panic(fmt.Errorf("could not parse CompileTime constant %q. Make sure it is set at build time", compileTime))
	}
	CompileTime = t
}
