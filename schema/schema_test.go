package schema_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/migrator/schema"
)

// sessions is declared before the users table it references.
const fixture = `
tables:
  - name: sessions
    columns:
      - {name: id, type: integer}
      - {name: user_id, type: string, max_length: 450}
      - {name: token, type: text, nullable: true}
    primary_key: {name: pk_sessions, columns: [id]}
    indexes:
      - {name: ix_sessions_user_id, columns: [user_id]}
    foreign_keys:
      - name: fk_sessions_users_user_id
        columns: [user_id]
        ref_table: users
        ref_columns: [id]
        on_delete: cascade

  - name: users
    columns:
      - {name: id, type: string, max_length: 450}
      - {name: email, type: string, max_length: 256, nullable: true}
    primary_key: {name: pk_users, columns: [id]}
    indexes:
      - {name: ix_users_email, columns: [email], unique: true}
`

func loadFixture(t *testing.T) *schema.Schema {
	t.Helper()

	s, err := schema.Load(strings.NewReader(fixture))
	require.NoError(t, err)
	return s
}

func TestLoad(t *testing.T) {
	t.Parallel()

	s := loadFixture(t)

	assert.Equal(t, []string{"sessions", "users"}, s.TableNames())
	assert.Equal(t, "", s.Version())

	sessions, ok := s.Table("sessions")
	require.True(t, ok)

	fk, ok := sessions.ForeignKey("fk_sessions_users_user_id")
	require.True(t, ok)
	assert.Equal(t, schema.Cascade, fk.OnDelete)
	assert.Equal(t, schema.UnknownRows, sessions.Rows)

	assert.Equal(t, []string{"sessions"}, s.ReferencedBy("users"))
	assert.Empty(t, s.ReferencedBy("sessions"))
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		document string
		expected error
	}{
		/* e0 */ {
			document: `
tables:
  - name: sessions
    columns: [{name: id, type: integer}]
    primary_key: {name: pk_sessions, columns: [id]}
    foreign_keys:
      - {name: fk_x, columns: [id], ref_table: users, ref_columns: [id]}
`,
			expected: schema.ErrNotFound,
		},
		/* e1 */ {
			document: `
tables:
  - name: sessions
    columns: [{name: id, type: integer, nullable: true}]
    primary_key: {name: pk_sessions, columns: [id]}
`,
			expected: schema.ErrConstraint,
		},
		/* e2 */ {
			document: `
tables:
  - name: sessions
    columns: [{name: id, type: integer}, {name: id, type: text}]
    primary_key: {name: pk_sessions, columns: [id]}
`,
			expected: schema.ErrConflict,
		},
	}

	for i, test := range tests {
		_, err := schema.Load(strings.NewReader(test.document))
		assert.ErrorIs(t, err, test.expected, "e%d", i)
	}

	_, err := schema.Load(strings.NewReader("tables: []\nviews: []\n"))
	assert.Error(t, err, "unknown keys are rejected")
}

func TestWriteThenLoad(t *testing.T) {
	t.Parallel()

	s := loadFixture(t)
	s.History = []string{"20251111014120"}

	var sb strings.Builder
	require.NoError(t, s.Write(&sb))

	loaded, err := schema.Load(strings.NewReader(sb.String()))
	require.NoError(t, err)

	assert.Empty(t, schema.Compare(s, loaded))
	assert.Equal(t, "20251111014120", loaded.Version())
}

func TestClone(t *testing.T) {
	t.Parallel()

	s := loadFixture(t)
	c := s.Clone()

	require.NoError(t, schema.DropIndex{Table: "users", Name: "ix_users_email"}.Apply(c))
	users, _ := c.Table("users")
	users.Columns[1].Nullable = false

	original, _ := s.Table("users")
	_, ok := original.Index("ix_users_email")
	assert.True(t, ok, "dropping an index from the clone leaves the original alone")
	assert.True(t, original.Columns[1].Nullable)
}

func TestSetRows(t *testing.T) {
	t.Parallel()

	s := loadFixture(t)
	s.SetRows(map[string]int64{"users": 3})

	users, _ := s.Table("users")
	sessions, _ := s.Table("sessions")
	assert.Equal(t, int64(3), users.Rows)
	assert.Equal(t, schema.UnknownRows, sessions.Rows)
}

func TestParseReferentialAction(t *testing.T) {
	t.Parallel()

	for _, action := range []schema.ReferentialAction{schema.NoAction, schema.Restrict, schema.Cascade, schema.SetNull} {
		parsed, err := schema.ParseReferentialAction(action.String())
		require.NoError(t, err)
		assert.Equal(t, action, parsed)
	}

	_, err := schema.ParseReferentialAction("explode")
	assert.ErrorIs(t, err, schema.ErrConstraint)
}
