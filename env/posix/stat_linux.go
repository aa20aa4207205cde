package posix

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/bobg/bsync"
)

func fileInfo(st *unix.Stat_t) bsync.FileInfo {
	return bsync.FileInfo{
		Mode:    uint64(st.Mode),
		Size:    st.Size,
		UID:     int64(st.Uid),
		GID:     int64(st.Gid),
		ModTime: time.Unix(st.Mtim.Unix()),
		Device:  int64(st.Rdev),
	}
}
