// Package walk produces the filenames of a filesystem in sorted order,
// one at a time, subject to per-path rules.
//
// Paths are slash-separated and absolute with respect to the filesystem walked.
// Directory paths end in a slash;
// the root is "/".
package walk

import (
	"io"
	"io/fs"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

// Rules decide how a walk treats each path.
// An exact rule beats a prefix rule,
// and a longer prefix beats a shorter one.
// Paths with no rule are included.
type Rules struct {
	exact  map[string]bsync.PathRule
	prefix []bsync.FileSetting // longest first
}

// NewRules builds Rules from settings.
// Where two settings name the same path, the later one wins.
func NewRules(settings ...[]bsync.FileSetting) *Rules {
	r := &Rules{exact: make(map[string]bsync.PathRule)}
	prefixes := make(map[string]bsync.PathRule)
	for _, group := range settings {
		for _, s := range group {
			if s.Prefix {
				prefixes[s.Path] = s.Rule
			} else {
				r.exact[s.Path] = s.Rule
			}
		}
	}
	for p, rule := range prefixes {
		r.prefix = append(r.prefix, bsync.FileSetting{Path: p, Prefix: true, Rule: rule})
	}
	sort.Slice(r.prefix, func(i, j int) bool {
		a, b := r.prefix[i].Path, r.prefix[j].Path
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return r
}

// Rule says how path is treated.
func (r *Rules) Rule(path string) bsync.PathRule {
	if r == nil {
		return bsync.RuleInclude
	}
	if rule, ok := r.exact[path]; ok {
		return rule
	}
	for _, p := range r.prefix {
		if strings.HasPrefix(path, p.Path) {
			return p.Rule
		}
	}
	return bsync.RuleInclude
}

// LinuxDefaults are the paths a Linux host never replicates.
func LinuxDefaults() []bsync.FileSetting {
	var result []bsync.FileSetting
	for _, p := range []string{"/dev/log", "/dev/pts/", "/dev/shm/", "/proc/", "/selinux/", "/sys/"} {
		result = append(result, bsync.FileSetting{Path: p, Rule: bsync.RuleSkip})
	}
	return result
}

// Iter is a lazy walk of a filesystem.
// Each directory is read only when the walk reaches it.
// It implements bsync.FilenameIter.
type Iter struct {
	fsys    fs.FS
	rules   *Rules
	started bool
	stack   []*frame
}

type frame struct {
	dir     string // with trailing slash
	loaded  bool
	entries []fs.DirEntry
}

var _ bsync.FilenameIter = &Iter{}

// New produces an Iter over fsys.
// A nil rules includes everything.
func New(fsys fs.FS, rules *Rules) *Iter {
	return &Iter{fsys: fsys, rules: rules}
}

// Next produces the next path, or io.EOF at the end of the walk.
// A directory that vanishes before it is read is treated as empty.
func (it *Iter) Next() (string, error) {
	if !it.started {
		it.started = true
		switch it.rules.Rule("/") {
		case bsync.RuleSkip:
			return "", io.EOF
		case bsync.RuleInclude:
			it.stack = append(it.stack, &frame{dir: "/"})
		}
		return "/", nil
	}

	for len(it.stack) > 0 {
		top := it.stack[len(it.stack)-1]
		if !top.loaded {
			top.loaded = true
			entries, err := fs.ReadDir(it.fsys, FSName(top.dir))
			if errors.Is(err, fs.ErrNotExist) {
				entries = nil
			} else if err != nil {
				return "", errors.Wrapf(err, "reading directory %s", top.dir)
			}
			top.entries = entries
		}
		if len(top.entries) == 0 {
			it.stack = it.stack[:len(it.stack)-1]
			continue
		}

		e := top.entries[0]
		top.entries = top.entries[1:]

		path := top.dir + e.Name()
		if e.IsDir() {
			path += "/"
		}
		rule := it.rules.Rule(path)
		if rule == bsync.RuleSkip {
			continue
		}
		if e.IsDir() && rule == bsync.RuleInclude {
			it.stack = append(it.stack, &frame{dir: path})
		}
		return path, nil
	}
	return "", io.EOF
}

// FSName converts a walked path to the name of the same file in the walked fs.FS.
func FSName(path string) string {
	name := strings.Trim(path, "/")
	if name == "" {
		return "."
	}
	return name
}
