// Package directive reads "[skip <step>]" directives from the commit message
// of the triggering CI event.
//
// A directive names a step, optionally with a sub-target:
//
//	[skip test]           skips "test"
//	[skip push]           skips "push" and every "push:<target>"
//	[skip push:dockerhub] skips only "push:dockerhub"
package directive

import (
	"regexp"
	"slices"
	"strings"
)

var skipRe = regexp.MustCompile(`(?i)\[skip\s+([^\]]+)\]`)

// Parse returns the normalised steps named by skip directives in message,
// sorted and without duplicates.
func Parse(message string) []string {
	var steps []string
	for _, m := range skipRe.FindAllStringSubmatch(message, -1) {
		step := strings.ToLower(strings.TrimSpace(m[1]))
		if step != "" && !slices.Contains(steps, step) {
			steps = append(steps, step)
		}
	}
	slices.Sort(steps)
	return steps
}

// ShouldSkip reports whether message skips step, either directly or through
// its parent step.
func ShouldSkip(message, step string) bool {
	steps := Parse(message)
	if len(steps) == 0 {
		return false
	}
	step = strings.ToLower(step)
	if slices.Contains(steps, step) {
		return true
	}
	if parent, _, ok := strings.Cut(step, ":"); ok {
		return slices.Contains(steps, parent)
	}
	return false
}
