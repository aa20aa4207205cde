package main

import (
	"context"

	"github.com/pkg/errors"

	"github.com/bobg/bsync"
)

// require marks paths as required, keeping any rule they already have.
func (c maincmd) require(ctx context.Context, id int64, off bool, args []string) error {
	if id == 0 {
		return errors.New("must supply -id")
	}
	tid := bsync.TargetID(id)

	settings, err := c.reg.FileSettings(ctx, tid)
	if err != nil {
		return err
	}
	byPath := make(map[string]bsync.FileSetting, len(settings))
	for _, s := range settings {
		byPath[s.Path] = s
	}

	for _, path := range args {
		s, ok := byPath[path]
		if !ok {
			s = bsync.FileSetting{Path: path, Rule: bsync.RuleInclude}
		}
		s.Required = !off
		if err := c.reg.SetFileSetting(ctx, tid, s); err != nil {
			return err
		}
	}
	return nil
}

// rule sets or removes the walk rule of paths.
// A directory path should end in "/".
func (c maincmd) rule(ctx context.Context, id int64, rulestr string, prefix, rm bool, args []string) error {
	if id == 0 {
		return errors.New("must supply -id")
	}
	tid := bsync.TargetID(id)

	if rm {
		for _, path := range args {
			if err := c.reg.RemoveFileSetting(ctx, tid, path); err != nil {
				return errors.Wrapf(err, "removing setting for %s", path)
			}
		}
		return nil
	}

	r, ok := bsync.ParsePathRule(rulestr)
	if !ok {
		return errors.Errorf("unknown rule %q", rulestr)
	}
	settings, err := c.reg.FileSettings(ctx, tid)
	if err != nil {
		return err
	}
	required := make(map[string]bool)
	for _, s := range settings {
		required[s.Path] = s.Required
	}

	for _, path := range args {
		s := bsync.FileSetting{Path: path, Prefix: prefix, Rule: r, Required: required[path]}
		if err := c.reg.SetFileSetting(ctx, tid, s); err != nil {
			return err
		}
	}
	return nil
}
