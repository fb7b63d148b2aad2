// Package permission implements hierarchical wildcard permission matching,
// the in-memory permission catalog, and the static route permission registry.
package permission

import "strings"

// Wildcard is the global grant that satisfies every permission check.
const Wildcard = "*"

// Matches reports whether the held permission set satisfies the requested
// permission id. A less-specific wildcard covers a more-specific request:
// "content.*" covers "content.posts.create", "content.posts.*" covers
// "content.posts.create" but not "content.comments.create". Comparison is
// case-sensitive and exact; a requested id with no dots only matches itself
// or the global "*".
func Matches(held []string, requested string) bool {
	if requested == "" {
		return false
	}
	for _, h := range held {
		if h == Wildcard || h == requested {
			return true
		}
	}

	segments := strings.Split(requested, ".")
	for i := len(segments) - 1; i >= 1; i-- {
		candidate := strings.Join(segments[:i], ".") + ".*"
		for _, h := range held {
			if h == candidate {
				return true
			}
		}
	}
	return false
}
