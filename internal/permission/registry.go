package permission

import (
	"strings"
	"sync"
)

// RouteOptions declares the authorization requirements of one HTTP operation.
// The Permission id may contain "{param}" placeholders that are resolved from
// request path parameters before matching; such templated entries are never
// cataloged because their concrete form only exists per request.
type RouteOptions struct {
	Method      string
	Pattern     string
	Permission  string
	Schema      string // declared schema scope; may itself be a "{param}" template
	Name        string
	Description string
	Group       string
}

// Registry is the statically constructed table of route permissions. Routes
// register themselves at startup while the router is built; the catalog reads
// the table back during discovery. There is no runtime reflection involved.
type Registry struct {
	mu      sync.RWMutex
	entries []RouteOptions
}

// NewRegistry creates an empty route permission registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register records the authorization requirements for one operation and
// returns the options unchanged so registration can be inlined at the route
// definition site.
func (r *Registry) Register(opts RouteOptions) RouteOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, opts)
	return opts
}

// All returns a copy of every registered entry.
func (r *Registry) All() []RouteOptions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RouteOptions, len(r.entries))
	copy(out, r.entries)
	return out
}

// Static returns the entries whose permission id contains no template
// placeholder. Only these are eligible for the catalog.
func (r *Registry) Static() []RouteOptions {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []RouteOptions
	for _, e := range r.entries {
		if e.Permission == "" || strings.Contains(e.Permission, "{") {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Resolve substitutes "{param}" placeholders in a permission id using the
// supplied lookup (typically backed by request path parameters). Placeholders
// the lookup cannot resolve are left in place, which makes the unresolved id
// fail any subsequent match rather than silently widening it.
func Resolve(id string, lookup func(name string) string) string {
	if !strings.Contains(id, "{") {
		return id
	}
	var b strings.Builder
	rest := id
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			break
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			b.WriteString(rest)
			break
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : open+end]
		if v := lookup(name); v != "" {
			b.WriteString(v)
		} else {
			b.WriteString(rest[open : open+end+1])
		}
		rest = rest[open+end+1:]
	}
	return b.String()
}
