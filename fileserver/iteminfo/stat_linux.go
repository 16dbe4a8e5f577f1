package iteminfo

import (
	"os"
	"syscall"
	"time"
)

// createdTime uses the inode change time; Linux does not expose birth time through stat.
func createdTime(info os.FileInfo) time.Time {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		sec, nsec := stat.Ctim.Unix()
		return time.Unix(sec, nsec)
	}
	return info.ModTime()
}
