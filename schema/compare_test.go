package schema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/migrator/schema"
)

func TestCompare(t *testing.T) {
	t.Parallel()

	tests := []struct {
		modify   func(t *testing.T, s *schema.Schema)
		expected []schema.Difference
	}{
		/* s0 */ {
			modify:   func(*testing.T, *schema.Schema) {},
			expected: nil,
		},
		/* s1 */ {
			modify: func(t *testing.T, s *schema.Schema) {
				require.NoError(t, schema.DropForeignKey{Table: "sessions", Name: "fk_sessions_users_user_id"}.Apply(s))
				require.NoError(t, schema.AddForeignKey{Table: "sessions", ForeignKey: schema.ForeignKey{
					Name: "fk_sessions_users_user_id", Columns: []string{"user_id"}, RefTable: "users", RefColumns: []string{"id"},
					OnDelete: schema.Restrict,
				}}.Apply(s))
			},
			expected: []schema.Difference{
				{Table: "sessions", Object: "fk_sessions_users_user_id", Detail: "on delete differs: cascade vs restrict"},
			},
		},
		/* s2 */ {
			modify: func(t *testing.T, s *schema.Schema) {
				require.NoError(t, schema.DropIndex{Table: "sessions", Name: "ix_sessions_user_id"}.Apply(s))
				require.NoError(t, schema.AddIndex{Table: "sessions", Index: schema.Index{
					Name: "ix_sessions_user_id", Columns: []string{"user_id"}, Unique: true,
				}}.Apply(s))
			},
			expected: []schema.Difference{
				{Table: "sessions", Object: "ix_sessions_user_id", Detail: "index uniqueness differs: false vs true"},
			},
		},
		/* s3 */ {
			modify: func(t *testing.T, s *schema.Schema) {
				require.NoError(t, schema.DropColumn{Table: "sessions", Name: "token"}.Apply(s))
				require.NoError(t, schema.AddColumn{Table: "sessions", Column: schema.Column{Name: "token", Type: schema.KindText}}.Apply(s))
			},
			expected: []schema.Difference{
				{Table: "sessions", Object: "token", Detail: "column differs: text null vs text not null"},
			},
		},
		/* s4 */ {
			modify: func(t *testing.T, s *schema.Schema) {
				require.NoError(t, schema.DropTable{Name: "sessions"}.Apply(s))
				require.NoError(t, schema.CreateTable{Definition: tenants}.Apply(s))
			},
			expected: []schema.Difference{
				{Table: "sessions", Detail: "table only on the left"},
				{Table: "tenants", Detail: "table only on the right"},
			},
		},
	}

	for i, test := range tests {
		a := loadFixture(t)
		b := a.Clone()
		test.modify(t, b)

		assert.Equal(t, test.expected, schema.Compare(a, b), "s%d", i)
		assert.Equal(t, test.expected == nil, schema.Equal(a, b), "s%d", i)
	}
}

func TestCompareIgnoresColumnOrderAndRows(t *testing.T) {
	t.Parallel()

	a := loadFixture(t)
	b := a.Clone()

	require.NoError(t, schema.DropColumn{Table: "sessions", Name: "token"}.Apply(b))
	require.NoError(t, schema.AddColumn{Table: "sessions", Column: schema.Column{Name: "token", Type: schema.KindText, Nullable: true}}.Apply(b))
	b.SetRows(map[string]int64{"sessions": 10, "users": 2})

	assert.True(t, schema.Equal(a, b))
}

func TestDifferenceString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tenants: table only on the right", schema.Difference{Table: "tenants", Detail: "table only on the right"}.String())
	assert.Equal(t,
		"documents.fk_d: on delete differs: cascade vs restrict",
		schema.Difference{Table: "documents", Object: "fk_d", Detail: "on delete differs: cascade vs restrict"}.String(),
	)
}
