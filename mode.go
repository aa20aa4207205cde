package bsync

// File-type bits of a raw POSIX mode.
const (
	ModeTypeMask  = 0o170000
	ModeSocket    = 0o140000
	ModeSymlink   = 0o120000
	ModeRegular   = 0o100000
	ModeBlockDev  = 0o060000
	ModeDirectory = 0o040000
	ModeCharDev   = 0o020000
	ModeFIFO      = 0o010000
)

func IsRegular(mode uint64) bool   { return mode&ModeTypeMask == ModeRegular }
func IsDirectory(mode uint64) bool { return mode&ModeTypeMask == ModeDirectory }
func IsSymlink(mode uint64) bool   { return mode&ModeTypeMask == ModeSymlink }
func IsSocket(mode uint64) bool    { return mode&ModeTypeMask == ModeSocket }

// IsDevice tells whether mode is a block or character device.
func IsDevice(mode uint64) bool {
	t := mode & ModeTypeMask
	return t == ModeBlockDev || t == ModeCharDev
}

// ServerPath converts a local path with the given separator
// to the slash-separated absolute form used on the wire.
func ServerPath(path string, sep byte) string {
	if sep != '/' {
		b := []byte(path)
		for i, c := range b {
			if c == sep {
				b[i] = '/'
			}
		}
		path = string(b)
	}
	if len(path) == 0 || path[0] != '/' {
		path = "/" + path
	}
	return path
}
