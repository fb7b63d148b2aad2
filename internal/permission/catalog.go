package permission

import (
	"sort"
	"strings"
	"sync"

	"github.com/magnet-cms/magnet/internal/model"
)

// ContentActions are the standard operations synthesized for every registered
// content schema.
var ContentActions = []string{"find", "findOne", "create", "update", "delete", "publish"}

// SchemaDef describes one registered content schema (an external collaborator
// of the authorization server; schemas are declared in configuration).
type SchemaDef struct {
	APIName     string
	DisplayName string
}

// PluginManifest declares the permissions a loaded plugin contributes.
type PluginManifest struct {
	Name        string
	DisplayName string
	Permissions []PluginPermission
}

// PluginPermission is one permission declared by a plugin manifest.
type PluginPermission struct {
	ID          string
	Name        string
	Description string
}

// Sources supplies the three discovery inputs for a catalog rebuild.
type Sources struct {
	Schemas []SchemaDef
	Routes  *Registry
	Plugins []PluginManifest
}

// Catalog is the in-memory registry of every known permission definition.
// It is rebuilt in full at process start (or on demand) and never persisted.
type Catalog struct {
	mu    sync.RWMutex
	byID  map[string]model.PermissionDefinition
	order []string
}

// NewCatalog creates an empty catalog. Call Rebuild before serving lookups.
func NewCatalog() *Catalog {
	return &Catalog{byID: make(map[string]model.PermissionDefinition)}
}

// Rebuild clears and repopulates the catalog from all discovery sources.
// A source that cannot contribute (a plugin without declared permissions, a
// route without a static permission) is skipped; discovery never fails.
func (c *Catalog) Rebuild(src Sources) {
	defs := make([]model.PermissionDefinition, 0, 64)

	for _, schema := range src.Schemas {
		if schema.APIName == "" {
			continue
		}
		display := schema.DisplayName
		if display == "" {
			display = schema.APIName
		}
		for _, action := range ContentActions {
			defs = append(defs, model.PermissionDefinition{
				ID:          "content." + schema.APIName + "." + action,
				Name:        display + ": " + action,
				Description: "Allow " + action + " on " + display,
				Group:       "Content",
				Source:      model.SourceSchema,
				Schema:      schema.APIName,
				APIID:       "api::" + schema.APIName,
			})
		}
	}

	if src.Routes != nil {
		for _, route := range src.Routes.Static() {
			name := route.Name
			if name == "" {
				name = route.Permission
			}
			group := route.Group
			if group == "" {
				group = "System"
			}
			defs = append(defs, model.PermissionDefinition{
				ID:          route.Permission,
				Name:        name,
				Description: route.Description,
				Group:       group,
				Source:      model.SourceController,
				Controller:  route.Pattern,
				Method:      route.Method,
				APIID:       systemAPIID(route.Permission),
			})
		}
	}

	for _, plugin := range src.Plugins {
		if plugin.Name == "" || len(plugin.Permissions) == 0 {
			continue
		}
		display := plugin.DisplayName
		if display == "" {
			display = plugin.Name
		}
		for _, pp := range plugin.Permissions {
			id := pp.ID
			prefix := "plugin." + plugin.Name + "."
			if !strings.HasPrefix(id, prefix) {
				id = prefix + id
			}
			defs = append(defs, model.PermissionDefinition{
				ID:          id,
				Name:        pp.Name,
				Description: pp.Description,
				Group:       display,
				Source:      model.SourcePlugin,
				Plugin:      plugin.Name,
				APIID:       "plugin::" + plugin.Name,
			})
		}
	}

	defs = append(defs, manualPermissions()...)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[string]model.PermissionDefinition, len(defs))
	c.order = c.order[:0]
	for _, d := range defs {
		if _, dup := c.byID[d.ID]; dup {
			continue
		}
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
}

// manualPermissions is the fixed set of system administration permissions that
// have no schema, route, or plugin provenance.
func manualPermissions() []model.PermissionDefinition {
	manual := []struct {
		id, name, area string
	}{
		{"users.read", "View users", "users"},
		{"users.create", "Create users", "users"},
		{"users.update", "Update users", "users"},
		{"users.delete", "Delete users", "users"},
		{"users.assign-role", "Assign roles to users", "users"},
		{"roles.read", "View roles", "roles"},
		{"roles.create", "Create roles", "roles"},
		{"roles.update", "Update roles", "roles"},
		{"roles.delete", "Delete roles", "roles"},
		{"roles.permissions", "Manage role permissions", "roles"},
		{"settings.read", "View settings", "settings"},
		{"settings.update", "Update settings", "settings"},
		{"media.read", "View media", "media"},
		{"media.upload", "Upload media", "media"},
		{"media.delete", "Delete media", "media"},
	}

	defs := make([]model.PermissionDefinition, 0, len(manual))
	for _, m := range manual {
		defs = append(defs, model.PermissionDefinition{
			ID:     m.id,
			Name:   m.name,
			Group:  "Access Control",
			Source: model.SourceManual,
			APIID:  "system::" + m.area,
		})
	}
	return defs
}

func systemAPIID(permissionID string) string {
	area := permissionID
	if i := strings.IndexByte(permissionID, '.'); i > 0 {
		area = permissionID[:i]
	}
	return "system::" + area
}

// GetAll returns every definition in stable insertion order.
func (c *Catalog) GetAll() []model.PermissionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.PermissionDefinition, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Get returns the definition for the given id.
func (c *Catalog) Get(id string) (model.PermissionDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byID[id]
	return d, ok
}

// Has reports whether the id exists in the catalog.
func (c *Catalog) Has(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// IDs returns every cataloged permission id in stable order.
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// GetGrouped buckets definitions by APIID (falling back to Group) into a
// display-ready grouping with a stable id and name per bucket.
func (c *Catalog) GetGrouped() []model.PermissionGroup {
	all := c.GetAll()

	byGroup := make(map[string]*model.PermissionGroup)
	var order []string
	for _, d := range all {
		gid := d.APIID
		name := d.Group
		if gid == "" {
			gid = d.Group
		}
		g, ok := byGroup[gid]
		if !ok {
			g = &model.PermissionGroup{ID: gid, Name: name}
			byGroup[gid] = g
			order = append(order, gid)
		}
		g.Permissions = append(g.Permissions, d)
	}

	sort.Strings(order)
	out := make([]model.PermissionGroup, 0, len(order))
	for _, gid := range order {
		out = append(out, *byGroup[gid])
	}
	return out
}

// GetCategorized partitions the grouped output by APIID prefix: "api::" into
// collection types, "plugin::" into plugins, and everything else into system.
func (c *Catalog) GetCategorized() model.CategorizedPermissions {
	var cat model.CategorizedPermissions
	for _, g := range c.GetGrouped() {
		switch {
		case strings.HasPrefix(g.ID, "api::"):
			cat.CollectionTypes = append(cat.CollectionTypes, g)
		case strings.HasPrefix(g.ID, "plugin::"):
			cat.Plugins = append(cat.Plugins, g)
		default:
			cat.System = append(cat.System, g)
		}
	}
	return cat
}

// MarkPermissions returns a copy of the groups with each leaf definition's
// Checked flag set according to whether the role's permission set satisfies
// it, using the same matcher the runtime check uses.
func MarkPermissions(groups []model.PermissionGroup, rolePermissions []string) []model.PermissionGroup {
	out := make([]model.PermissionGroup, len(groups))
	for i, g := range groups {
		marked := g
		marked.Permissions = make([]model.PermissionDefinition, len(g.Permissions))
		for j, d := range g.Permissions {
			d.Checked = Matches(rolePermissions, d.ID)
			marked.Permissions[j] = d
		}
		out[i] = marked
	}
	return out
}
