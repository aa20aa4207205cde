package bsync

import "context"

// PathRule says how a filesystem walk treats a path.
type PathRule int

const (
	// RuleInclude yields the path and, for a directory, its contents.
	RuleInclude PathRule = iota

	// RuleSkip yields neither the path nor anything beneath it.
	RuleSkip

	// RuleNoRecurse yields a directory but not its contents.
	RuleNoRecurse
)

func (r PathRule) String() string {
	switch r {
	case RuleInclude:
		return "include"
	case RuleSkip:
		return "skip"
	case RuleNoRecurse:
		return "no-recurse"
	}
	return "unknown"
}

// ParsePathRule is the inverse of PathRule.String.
func ParsePathRule(s string) (PathRule, bool) {
	for _, r := range []PathRule{RuleInclude, RuleSkip, RuleNoRecurse} {
		if r.String() == s {
			return r, true
		}
	}
	return 0, false
}

// FileSetting is a target's policy for one path.
// Directory paths end in a separator.
type FileSetting struct {
	Path string

	// Prefix makes the rule apply to every path beginning with Path.
	Prefix bool

	Rule PathRule

	// Required paths must be seen by a pass for it to succeed.
	Required bool
}

// SettingsSource supplies per-target file settings.
type SettingsSource interface {
	FileSettings(context.Context, TargetID) ([]FileSetting, error)
}
