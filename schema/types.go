package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ---

type ColumnKind string

const (
	KindString    ColumnKind = "string"
	KindText      ColumnKind = "text"
	KindInteger   ColumnKind = "integer"
	KindBigint    ColumnKind = "bigint"
	KindBoolean   ColumnKind = "boolean"
	KindTimestamp ColumnKind = "timestamp"
)

func (k ColumnKind) valid() bool {
	switch k {
	case KindString, KindText, KindInteger, KindBigint, KindBoolean, KindTimestamp:
		return true
	}
	return false
}

// IdentifierLength is the bounded string length used for every key column of the identity tables.
const IdentifierLength = 450

// ---

// ReferentialAction is what the database does with referencing rows when the referenced row is deleted.
// The zero value is NoAction, which is also what a foreign key declared without an action gets.
type ReferentialAction uint8

const (
	NoAction ReferentialAction = iota
	Restrict
	Cascade
	SetNull
)

var referentialActionNames = map[ReferentialAction]string{ //nolint:gochecknoglobals
	NoAction: "no_action",
	Restrict: "restrict",
	Cascade:  "cascade",
	SetNull:  "set_null",
}

func (a ReferentialAction) Valid() bool {
	return a <= SetNull
}

func (a ReferentialAction) String() string {
	if name, ok := referentialActionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("referential_action(%d)", uint8(a))
}

func ParseReferentialAction(s string) (ReferentialAction, error) {
	for action, name := range referentialActionNames {
		if name == s {
			return action, nil
		}
	}
	return NoAction, fmt.Errorf("%w: unknown referential action \"%s\"", ErrConstraint, s)
}

func (a ReferentialAction) MarshalYAML() (interface{}, error) {
	return a.String(), nil
}

func (a *ReferentialAction) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}

	action, err := ParseReferentialAction(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}

	*a = action
	return nil
}

// ---

type Column struct {
	Name      string     `yaml:"name"`
	Type      ColumnKind `yaml:"type"`
	MaxLength int        `yaml:"max_length,omitempty"`
	Nullable  bool       `yaml:"nullable,omitempty"`
	Default   *string    `yaml:"default,omitempty"`
}

func (c Column) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: column name is empty", ErrConstraint)
	}
	if !c.Type.valid() {
		return fmt.Errorf("%w: column %s has unknown type \"%s\"", ErrConstraint, c.Name, c.Type)
	}
	if c.Type == KindString && c.MaxLength <= 0 {
		return fmt.Errorf("%w: string column %s needs a max_length", ErrConstraint, c.Name)
	}
	return nil
}

func (c Column) clone() Column {
	if c.Default != nil {
		def := *c.Default
		c.Default = &def
	}
	return c
}

func (c Column) equal(other Column) bool {
	if c.Name != other.Name || c.Type != other.Type || c.MaxLength != other.MaxLength || c.Nullable != other.Nullable {
		return false
	}
	if c.Default == nil || other.Default == nil {
		return c.Default == nil && other.Default == nil
	}
	return *c.Default == *other.Default
}

type PrimaryKey struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
}

type Index struct {
	Name    string   `yaml:"name"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique,omitempty"`
}

type ForeignKey struct {
	Name       string            `yaml:"name"`
	Columns    []string          `yaml:"columns"`
	RefTable   string            `yaml:"ref_table"`
	RefColumns []string          `yaml:"ref_columns"`
	OnDelete   ReferentialAction `yaml:"on_delete,omitempty"`
}

func (i Index) clone() Index {
	i.Columns = cloneStrings(i.Columns)
	return i
}

func (fk ForeignKey) clone() ForeignKey {
	fk.Columns = cloneStrings(fk.Columns)
	fk.RefColumns = cloneStrings(fk.RefColumns)
	return fk
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
