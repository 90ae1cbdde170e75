package migrations_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/migrations"
	"github.com/root-talis/migrator/schema"
)

var updateSchema = migration.Migration{Version: "20251111014120", Name: "update_schema"}

func load(t *testing.T) (*migration.Step, *schema.Schema) {
	t.Helper()

	src, err := migrations.Source()
	require.NoError(t, err)

	available, err := src.GetAvailableMigrations()
	require.NoError(t, err)
	require.Equal(t, []migration.Description{{Migration: updateSchema, CanUndo: true}}, available)

	st, err := src.ReadMigration(updateSchema)
	require.NoError(t, err)

	baseline, err := migrations.Baseline()
	require.NoError(t, err)

	return st, baseline
}

func TestUpdateSchemaUp(t *testing.T) {
	t.Parallel()

	st, baseline := load(t)

	after, err := st.ApplyUp(baseline)
	require.NoError(t, err)
	assert.Equal(t, "20251111014120", after.Version())

	roles, ok := after.Table("AspNetRoles")
	require.True(t, ok)
	for _, dropped := range []string{"tenant_id", "created_by_id", "last_modified_by_id"} {
		_, exists := roles.Column(dropped)
		assert.False(t, exists, dropped)
	}
	assert.Empty(t, roles.ForeignKeys)
	assert.Equal(t, []schema.Index{{Name: "RoleNameIndex", Columns: []string{"normalized_name"}, Unique: true}}, roles.Indexes)

	tenants, _ := after.Table("tenants")
	idx, ok := tenants.Index("ix_tenants_name")
	require.True(t, ok)
	assert.True(t, idx.Unique)

	tenantUsers, ok := after.Table("tenant_users")
	require.True(t, ok)
	assert.Len(t, tenantUsers.Indexes, 2)
	require.Len(t, tenantUsers.ForeignKeys, 2)
	for _, fk := range tenantUsers.ForeignKeys {
		assert.Equal(t, schema.Cascade, fk.OnDelete, fk.Name)
	}

	documents, _ := after.Table("documents")
	require.Len(t, documents.ForeignKeys, 2)
	for _, fk := range documents.ForeignKeys {
		assert.Equal(t, schema.Restrict, fk.OnDelete, fk.Name)
		assert.Equal(t, "AspNetUsers", fk.RefTable)
	}

	assert.ElementsMatch(t, []string{"documents", "tenant_users"}, after.ReferencedBy("AspNetUsers"))
	assert.Equal(t, []string{"tenant_users"}, after.ReferencedBy("tenants"))
}

func TestUpdateSchemaDown(t *testing.T) {
	t.Parallel()

	st, baseline := load(t)

	after, err := st.ApplyUp(baseline)
	require.NoError(t, err)

	restored, err := st.ApplyDown(after, baseline)
	require.NoError(t, err)

	assert.Equal(t, []schema.Difference{
		{Table: "documents", Object: "fk_documents_asp_net_users_created_by_id", Detail: "on delete differs: cascade vs restrict"},
		{Table: "documents", Object: "fk_documents_asp_net_users_last_modified_by_id", Detail: "on delete differs: cascade vs restrict"},
	}, schema.Compare(baseline, restored))

	roles, _ := restored.Table("AspNetRoles")
	fk, ok := roles.ForeignKey("fk_asp_net_roles_tenants_tenant_id")
	require.True(t, ok)
	assert.Equal(t, schema.NoAction, fk.OnDelete)

	_, ok = restored.Table("tenant_users")
	assert.False(t, ok)
}

func TestUpdateSchemaDeviationsAreDeclared(t *testing.T) {
	t.Parallel()

	st, baseline := load(t)

	undeclared, err := st.CheckReversible(baseline)
	require.NoError(t, err)
	assert.Empty(t, undeclared)

	_, err = migration.Validate(baseline, []*migration.Step{st})
	assert.NoError(t, err)
}

func TestUpdateSchemaRequiresBaseline(t *testing.T) {
	t.Parallel()

	st, baseline := load(t)

	after, err := st.ApplyUp(baseline)
	require.NoError(t, err)

	_, err = st.ApplyUp(after)
	assert.ErrorIs(t, err, schema.ErrConflict, "the step cannot be applied twice")
}
