package pipeline

import (
	"slices"
	"strings"
)

const (
	EventPush        = "push"
	EventPullRequest = "pull_request"
	EventSchedule    = "schedule"
	EventManual      = "manual"
)

// TriggerContext is the snapshot of what started a run. Conditions are
// evaluated against it once, at submit time.
type TriggerContext struct {
	Repository   string   `json:"repository"`
	Ref          string   `json:"ref"`
	Event        string   `json:"event"`
	SHA          string   `json:"sha"`
	Actor        string   `json:"actor"`
	ChangedFiles []string `json:"changed_files"`
}

func (tc TriggerContext) Freeze() TriggerContext {
	tc.ChangedFiles = slices.Clone(tc.ChangedFiles)
	return tc
}

func (tc TriggerContext) Branch() string {
	if b, ok := strings.CutPrefix(tc.Ref, "refs/heads/"); ok {
		return b
	}
	if t, ok := strings.CutPrefix(tc.Ref, "refs/tags/"); ok {
		return t
	}
	return tc.Ref
}

// Expand replaces {{sha}}, {{ref}}, {{branch}}, {{event}} and {{repository}}
// placeholders in s.
func (tc TriggerContext) Expand(s string) string {
	r := strings.NewReplacer(
		"{{sha}}", tc.SHA,
		"{{ref}}", tc.Ref,
		"{{branch}}", tc.Branch(),
		"{{event}}", tc.Event,
		"{{repository}}", tc.Repository,
	)
	return r.Replace(s)
}
