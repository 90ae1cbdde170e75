package migration_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/root-talis/migrator/migration"
	"github.com/root-talis/migrator/schema"
)

const base = `
tables:
  - name: users
    columns:
      - {name: id, type: string, max_length: 450}
      - {name: email, type: string, max_length: 256, nullable: true}
    primary_key: {name: pk_users, columns: [id]}

  - name: documents
    columns:
      - {name: id, type: integer}
      - {name: created_by_id, type: string, max_length: 450, nullable: true}
    primary_key: {name: pk_documents, columns: [id]}
    indexes:
      - {name: ix_documents_created_by_id, columns: [created_by_id]}
    foreign_keys:
      - name: fk_documents_users_created_by_id
        columns: [created_by_id]
        ref_table: users
        ref_columns: [id]
        on_delete: cascade
`

func loadBase(t *testing.T) *schema.Schema {
	t.Helper()

	s, err := schema.Load(strings.NewReader(base))
	require.NoError(t, err)
	return s
}

func addNameStep() *migration.Step {
	return &migration.Step{
		Migration: migration.Migration{Version: "20251111014120", Name: "add_user_name"},
		Up: []schema.Operation{
			schema.AddColumn{Table: "users", Column: schema.Column{Name: "name", Type: schema.KindString, MaxLength: 256, Nullable: true}},
			schema.AddIndex{Table: "users", Index: schema.Index{Name: "ix_users_name", Columns: []string{"name"}, Unique: true}},
		},
	}
}

// restrictStep swaps the cascading key for a restricting one and cannot bring the cascade back.
func restrictStep(deviations ...migration.Deviation) *migration.Step {
	restrict := schema.ForeignKey{
		Name: "fk_documents_users_created_by", Columns: []string{"created_by_id"},
		RefTable: "users", RefColumns: []string{"id"}, OnDelete: schema.Restrict,
	}
	restored := restrict
	restored.Name = "fk_documents_users_created_by_id"

	return &migration.Step{
		Migration: migration.Migration{Version: "20251111014120", Name: "restrict_documents"},
		Up: []schema.Operation{
			schema.DropForeignKey{Table: "documents", Name: "fk_documents_users_created_by_id"},
			schema.AddForeignKey{Table: "documents", ForeignKey: restrict},
		},
		Down: []schema.Operation{
			schema.DropForeignKey{Table: "documents", Name: "fk_documents_users_created_by"},
			schema.AddForeignKey{Table: "documents", ForeignKey: restored},
		},
		Deviations: deviations,
	}
}

func TestApplyUp(t *testing.T) {
	t.Parallel()

	before := loadBase(t)
	st := addNameStep()

	after, err := st.ApplyUp(before)
	require.NoError(t, err)

	assert.Equal(t, "20251111014120", after.Version())
	users, _ := after.Table("users")
	_, ok := users.Index("ix_users_name")
	assert.True(t, ok)

	assert.Equal(t, "", before.Version(), "the input schema is left alone")
	original, _ := before.Table("users")
	assert.Len(t, original.Columns, 2)
}

func TestApplyUpTwiceConflicts(t *testing.T) {
	t.Parallel()

	st := addNameStep()

	after, err := st.ApplyUp(loadBase(t))
	require.NoError(t, err)

	_, err = st.ApplyUp(after)
	assert.ErrorIs(t, err, schema.ErrConflict)
}

func TestApplyUpReportsFailingOperation(t *testing.T) {
	t.Parallel()

	st := addNameStep()
	st.Up = append(st.Up, schema.DropTable{Name: "users"})

	_, err := st.ApplyUp(loadBase(t))
	require.ErrorIs(t, err, schema.ErrConstraint)

	var opErr *migration.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, 2, opErr.Index)
	assert.Equal(t, migration.Up, opErr.Direction)
	assert.Equal(t, "drop table users", opErr.Operation.String())
	assert.Contains(t, err.Error(), "operation #3")
}

func TestApplyDownDerived(t *testing.T) {
	t.Parallel()

	before := loadBase(t)
	st := addNameStep()

	after, err := st.ApplyUp(before)
	require.NoError(t, err)

	restored, err := st.ApplyDown(after, before)
	require.NoError(t, err)

	assert.Empty(t, schema.Compare(before, restored))
	assert.Equal(t, "", restored.Version())
}

func TestApplyDownOnlyLatest(t *testing.T) {
	t.Parallel()

	before := loadBase(t)
	st := addNameStep()

	_, err := st.ApplyDown(before, before)
	assert.ErrorIs(t, err, schema.ErrConflict)
}

func TestDeriveDown(t *testing.T) {
	t.Parallel()

	down, err := addNameStep().DeriveDown(loadBase(t))
	require.NoError(t, err)

	assert.Equal(t, []schema.Operation{
		schema.DropIndex{Table: "users", Name: "ix_users_name"},
		schema.DropColumn{Table: "users", Name: "name"},
	}, down)
}

func TestDownOperations(t *testing.T) {
	t.Parallel()

	authored := restrictStep()
	down, err := authored.DownOperations(nil)
	require.NoError(t, err)
	assert.Equal(t, authored.Down, down)

	_, err = addNameStep().DownOperations(nil)
	assert.Error(t, err, "deriving needs the schema the step was applied to")

	irreversible := addNameStep()
	irreversible.Irreversible = true
	_, err = irreversible.DownOperations(loadBase(t))
	assert.ErrorIs(t, err, migration.ErrIrreversible)
	assert.False(t, irreversible.Description().CanUndo)
}

func TestCheckReversible(t *testing.T) {
	t.Parallel()

	deviation := migration.Deviation{
		Table:  "documents",
		Object: "fk_documents_users_created_by_id",
		Reason: "restored with restrict instead of cascade",
	}

	tests := []struct {
		step     *migration.Step
		expected []schema.Difference
	}{
		/* s0 */ {step: addNameStep()},
		/* s1 */ {step: restrictStep(deviation)},
		/* s2 */ {
			step: restrictStep(),
			expected: []schema.Difference{{
				Table:  "documents",
				Object: "fk_documents_users_created_by_id",
				Detail: "on delete differs: cascade vs restrict",
			}},
		},
	}

	for i, test := range tests {
		diffs, err := test.step.CheckReversible(loadBase(t))
		require.NoError(t, err, "s%d", i)
		assert.Equal(t, test.expected, diffs, "s%d", i)
	}
}
