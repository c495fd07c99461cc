//go:build !linux

package scanner

import (
	"os"
	"time"
)

// changeTime has no portable representation outside Linux's Stat_t; the
// ctime sloppiness check is a no-op on other platforms.
func changeTime(info os.FileInfo) (time.Time, bool) {
	return time.Time{}, false
}
