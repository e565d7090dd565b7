package pipeline

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

type Condition interface {
	Eval(tc TriggerContext) bool
	String() string
}

type AllOf []Condition

func (c AllOf) Eval(tc TriggerContext) bool {
	for _, cond := range c {
		if !cond.Eval(tc) {
			return false
		}
	}
	return true
}

func (c AllOf) String() string {
	return joinConditions("all", c)
}

type AnyOf []Condition

func (c AnyOf) Eval(tc TriggerContext) bool {
	for _, cond := range c {
		if cond.Eval(tc) {
			return true
		}
	}
	return false
}

func (c AnyOf) String() string {
	return joinConditions("any", c)
}

type Not struct {
	Condition Condition
}

func (c Not) Eval(tc TriggerContext) bool {
	return !c.Condition.Eval(tc)
}

func (c Not) String() string {
	return "not(" + c.Condition.String() + ")"
}

// BranchMatch is true when the trigger branch matches any of the glob patterns.
type BranchMatch []string

func (c BranchMatch) Eval(tc TriggerContext) bool {
	branch := tc.Branch()
	for _, pattern := range c {
		if Glob(pattern, branch) {
			return true
		}
	}
	return false
}

func (c BranchMatch) String() string {
	return "branches(" + strings.Join(c, ",") + ")"
}

type EventIn []string

func (c EventIn) Eval(tc TriggerContext) bool {
	return slices.Contains(c, tc.Event)
}

func (c EventIn) String() string {
	return "events(" + strings.Join(c, ",") + ")"
}

// PathsChanged is true when any changed file matches any of the patterns.
type PathsChanged []string

func (c PathsChanged) Eval(tc TriggerContext) bool {
	for _, f := range tc.ChangedFiles {
		for _, pattern := range c {
			if Glob(pattern, f) {
				return true
			}
		}
	}
	return false
}

func (c PathsChanged) String() string {
	return "paths(" + strings.Join(c, ",") + ")"
}

func joinConditions(op string, conds []Condition) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%s(%s)", op, strings.Join(parts, ","))
}

// Glob matches name against a slash separated pattern where "**" matches any
// number of path segments and other segments follow path.Match.
func Glob(pattern, name string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(name, "/"))
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := range len(name) + 1 {
				if matchSegments(rest, name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		ok, err := path.Match(pattern[0], name[0])
		if err != nil || !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}
