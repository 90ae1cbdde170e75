package schema

import (
	"fmt"
	"strings"
)

// Difference is one structural mismatch between two schemas. Object is the column, index, foreign key or
// primary key name, or empty when the whole table differs.
type Difference struct {
	Table  string
	Object string
	Detail string
}

func (d Difference) String() string {
	if d.Object == "" {
		return fmt.Sprintf("%s: %s", d.Table, d.Detail)
	}
	return fmt.Sprintf("%s.%s: %s", d.Table, d.Object, d.Detail)
}

// Compare lists structural differences between a and b: tables, columns, primary keys, indexes and
// foreign keys including their referential actions. Column order, row counts and history are ignored.
func Compare(a, b *Schema) []Difference {
	var diffs []Difference

	for _, ta := range a.Tables() {
		tb, ok := b.Table(ta.Name)
		if !ok {
			diffs = append(diffs, Difference{Table: ta.Name, Detail: "table only on the left"})
			continue
		}
		diffs = append(diffs, compareTables(ta, tb)...)
	}

	for _, tb := range b.Tables() {
		if _, ok := a.Table(tb.Name); !ok {
			diffs = append(diffs, Difference{Table: tb.Name, Detail: "table only on the right"})
		}
	}

	return diffs
}

func Equal(a, b *Schema) bool {
	return len(Compare(a, b)) == 0
}

func compareTables(a, b *Table) []Difference { //nolint:cyclop
	var diffs []Difference
	add := func(object, format string, args ...interface{}) {
		diffs = append(diffs, Difference{Table: a.Name, Object: object, Detail: fmt.Sprintf(format, args...)})
	}

	for _, ca := range a.Columns {
		cb, ok := b.Column(ca.Name)
		switch {
		case !ok:
			add(ca.Name, "column only on the left")
		case !ca.equal(cb):
			add(ca.Name, "column differs: %s vs %s", describeColumn(ca), describeColumn(cb))
		}
	}
	for _, cb := range b.Columns {
		if _, ok := a.Column(cb.Name); !ok {
			add(cb.Name, "column only on the right")
		}
	}

	switch {
	case a.PrimaryKey == nil && b.PrimaryKey == nil:
	case a.PrimaryKey == nil || b.PrimaryKey == nil:
		add("", "primary key present on one side only")
	case a.PrimaryKey.Name != b.PrimaryKey.Name || !sameStrings(a.PrimaryKey.Columns, b.PrimaryKey.Columns):
		add(a.PrimaryKey.Name, "primary key differs")
	}

	for _, ia := range a.Indexes {
		ib, ok := b.Index(ia.Name)
		switch {
		case !ok:
			add(ia.Name, "index only on the left")
		case ia.Unique != ib.Unique:
			add(ia.Name, "index uniqueness differs: %t vs %t", ia.Unique, ib.Unique)
		case !sameStrings(ia.Columns, ib.Columns):
			add(ia.Name, "index columns differ: (%s) vs (%s)", strings.Join(ia.Columns, ", "), strings.Join(ib.Columns, ", "))
		}
	}
	for _, ib := range b.Indexes {
		if _, ok := a.Index(ib.Name); !ok {
			add(ib.Name, "index only on the right")
		}
	}

	for _, fa := range a.ForeignKeys {
		fb, ok := b.ForeignKey(fa.Name)
		switch {
		case !ok:
			add(fa.Name, "foreign key only on the left")
		case fa.OnDelete != fb.OnDelete:
			add(fa.Name, "on delete differs: %s vs %s", fa.OnDelete, fb.OnDelete)
		case fa.RefTable != fb.RefTable || !sameStrings(fa.Columns, fb.Columns) || !sameStrings(fa.RefColumns, fb.RefColumns):
			add(fa.Name, "foreign key target differs")
		}
	}
	for _, fb := range b.ForeignKeys {
		if _, ok := a.ForeignKey(fb.Name); !ok {
			add(fb.Name, "foreign key only on the right")
		}
	}

	return diffs
}

func describeColumn(c Column) string {
	var sb strings.Builder
	sb.WriteString(string(c.Type))
	if c.MaxLength > 0 {
		fmt.Fprintf(&sb, "(%d)", c.MaxLength)
	}
	if c.Nullable {
		sb.WriteString(" null")
	} else {
		sb.WriteString(" not null")
	}
	if c.Default != nil {
		sb.WriteString(" default ")
		sb.WriteString(*c.Default)
	}
	return sb.String()
}
