package permission

import (
	"strings"
	"testing"

	"github.com/magnet-cms/magnet/internal/model"
)

func testSources() Sources {
	reg := NewRegistry()
	reg.Register(RouteOptions{
		Method:     "GET",
		Pattern:    "/api/v1/rbac/roles",
		Permission: "roles.read",
		Name:       "List roles",
		Group:      "Access Control",
	})
	reg.Register(RouteOptions{
		Method:     "GET",
		Pattern:    "/api/v1/content/{schema}",
		Permission: "content.{schema}.find",
	})

	return Sources{
		Schemas: []SchemaDef{
			{APIName: "posts", DisplayName: "Posts"},
			{APIName: "comments"},
		},
		Routes: reg,
		Plugins: []PluginManifest{
			{
				Name: "email",
				Permissions: []PluginPermission{
					{ID: "send", Name: "Send email"},
					{ID: "plugin.email.templates", Name: "Manage templates"},
				},
			},
			{Name: "empty"}, // no declared permissions, skipped
		},
	}
}

func TestRebuildSynthesizesSchemaActions(t *testing.T) {
	c := NewCatalog()
	c.Rebuild(testSources())

	for _, action := range ContentActions {
		id := "content.posts." + action
		if !c.Has(id) {
			t.Errorf("catalog missing %q", id)
		}
	}

	def, ok := c.Get("content.posts.create")
	if !ok {
		t.Fatal("content.posts.create not found")
	}
	if def.Source != model.SourceSchema {
		t.Errorf("Source = %q, want schema", def.Source)
	}
	if def.APIID != "api::posts" {
		t.Errorf("APIID = %q, want api::posts", def.APIID)
	}
}

func TestRebuildSkipsTemplatedRoutes(t *testing.T) {
	c := NewCatalog()
	c.Rebuild(testSources())

	if !c.Has("roles.read") {
		t.Error("static route permission should be cataloged")
	}
	for _, id := range c.IDs() {
		if strings.Contains(id, "{") {
			t.Errorf("templated id %q must not be cataloged", id)
		}
	}
}

func TestRebuildNamespacesPluginPermissions(t *testing.T) {
	c := NewCatalog()
	c.Rebuild(testSources())

	if !c.Has("plugin.email.send") {
		t.Error("plugin permission should be namespaced under plugin.email.")
	}
	if !c.Has("plugin.email.templates") {
		t.Error("already-prefixed plugin permission should be kept verbatim")
	}
	if c.Has("plugin.email.plugin.email.templates") {
		t.Error("already-prefixed id must not be double-namespaced")
	}
}

func TestRebuildInjectsManualPermissions(t *testing.T) {
	c := NewCatalog()
	c.Rebuild(Sources{})

	for _, id := range []string{"users.read", "roles.delete", "settings.update", "media.upload"} {
		if !c.Has(id) {
			t.Errorf("manual permission %q missing", id)
		}
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	c := NewCatalog()
	c.Rebuild(testSources())
	n := len(c.GetAll())
	c.Rebuild(testSources())
	if got := len(c.GetAll()); got != n {
		t.Errorf("second Rebuild produced %d definitions, want %d", got, n)
	}
}

func TestGetCategorized(t *testing.T) {
	c := NewCatalog()
	c.Rebuild(testSources())

	cat := c.GetCategorized()
	if len(cat.CollectionTypes) != 2 {
		t.Errorf("CollectionTypes = %d groups, want 2", len(cat.CollectionTypes))
	}
	if len(cat.Plugins) != 1 {
		t.Errorf("Plugins = %d groups, want 1", len(cat.Plugins))
	}
	if len(cat.System) == 0 {
		t.Error("System category should not be empty")
	}
	for _, g := range cat.CollectionTypes {
		if !strings.HasPrefix(g.ID, "api::") {
			t.Errorf("collection group id %q lacks api:: prefix", g.ID)
		}
	}
}

func TestMarkPermissions(t *testing.T) {
	c := NewCatalog()
	c.Rebuild(testSources())

	groups := c.GetGrouped()
	marked := MarkPermissions(groups, []string{"content.posts.*"})

	var checked, unchecked bool
	for _, g := range marked {
		for _, d := range g.Permissions {
			if strings.HasPrefix(d.ID, "content.posts.") {
				if !d.Checked {
					t.Errorf("%q should be checked under content.posts.*", d.ID)
				}
				checked = true
			} else if d.Checked {
				t.Errorf("%q should not be checked", d.ID)
			} else {
				unchecked = true
			}
		}
	}
	if !checked || !unchecked {
		t.Error("expected both checked and unchecked definitions in output")
	}

	// The input must not be mutated.
	for _, g := range groups {
		for _, d := range g.Permissions {
			if d.Checked {
				t.Fatalf("MarkPermissions mutated input group %q", g.ID)
			}
		}
	}
}
