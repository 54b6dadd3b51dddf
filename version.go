package fab

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionFile string

// Version is the current version of the fab library.
var Version = strings.TrimSpace(versionFile)
