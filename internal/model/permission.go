package model

// PermissionSource records where a permission definition was discovered.
type PermissionSource string

const (
	SourceSchema     PermissionSource = "schema"
	SourceController PermissionSource = "controller"
	SourcePlugin     PermissionSource = "plugin"
	SourceManual     PermissionSource = "manual"
)

// PermissionDefinition describes one checkable capability. Definitions are
// rebuilt in full at process start by scanning content schemas, registered
// routes, and plugin manifests; they are held only in memory and are not
// user-mutable.
type PermissionDefinition struct {
	ID          string           `json:"id"` // dot-delimited hierarchical path
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Group       string           `json:"group"`
	Source      PermissionSource `json:"source"`
	Schema      string           `json:"schema,omitempty"`
	Controller  string           `json:"controller,omitempty"`
	Method      string           `json:"method,omitempty"`
	Plugin      string           `json:"plugin,omitempty"`
	APIID       string           `json:"api_id"` // api::<schema>, plugin::<name>, system::<area>
	Checked     bool             `json:"checked,omitempty"`
}

// PermissionGroup is a display-ready bucket of definitions sharing an APIID.
type PermissionGroup struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Permissions []PermissionDefinition `json:"permissions"`
}

// CategorizedPermissions partitions grouped definitions by provenance for the
// admin UI: content collections, plugins, and everything else.
type CategorizedPermissions struct {
	CollectionTypes []PermissionGroup `json:"collection_types"`
	Plugins         []PermissionGroup `json:"plugins"`
	System          []PermissionGroup `json:"system"`
}
