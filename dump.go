package nutrilens

import (
	"io"

	"github.com/davecgh/go-spew/spew"
)

// dumpConfig keeps dumps stable across runs: sorted map keys, no pointer
// addresses.
var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

// DumpTo pretty-prints values to w.
func DumpTo(w io.Writer, v ...any) {
	dumpConfig.Fdump(w, v...)
}
