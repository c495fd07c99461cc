//go:build linux

package orchestrator

import (
	"os"
	"syscall"
)

// changeTimeOf extracts the inode change time manifest entries compare
// against, the same ctime spec.md §4.F's sloppiness check reads via
// pkg/scanner's changeTime.
func changeTimeOf(info os.FileInfo) int64 {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return st.Ctim.Sec*1e9 + st.Ctim.Nsec
}
