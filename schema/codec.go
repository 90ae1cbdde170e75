package schema

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Operations decodes from a YAML sequence of single-key mappings, the key naming the operation kind:
//
//	- drop_index: {table: tenants, name: ix_tenants_name}
type Operations []Operation

func (ops *Operations) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: operations must be a sequence", value.Line)
	}

	result := make(Operations, 0, len(value.Content))
	for _, item := range value.Content {
		if item.Kind != yaml.MappingNode || len(item.Content) != 2 {
			return fmt.Errorf("line %d: an operation must be a mapping with exactly one key", item.Line)
		}

		op, err := decodeOperation(Kind(item.Content[0].Value), item.Content[1])
		if err != nil {
			return fmt.Errorf("line %d: %w", item.Line, err)
		}

		result = append(result, op)
	}

	*ops = result
	return nil
}

func (ops Operations) MarshalYAML() (interface{}, error) {
	result := make([]map[Kind]Operation, 0, len(ops))
	for _, op := range ops {
		result = append(result, map[Kind]Operation{op.Kind(): op})
	}
	return result, nil
}

func decodeOperation(kind Kind, body *yaml.Node) (Operation, error) {
	var (
		op  Operation
		err error
	)

	switch kind {
	case OpAddColumn:
		op, err = decodeAs[AddColumn](body)
	case OpDropColumn:
		op, err = decodeAs[DropColumn](body)
	case OpAddIndex:
		op, err = decodeAs[AddIndex](body)
	case OpDropIndex:
		op, err = decodeAs[DropIndex](body)
	case OpAddForeignKey:
		op, err = decodeAs[AddForeignKey](body)
	case OpDropForeignKey:
		op, err = decodeAs[DropForeignKey](body)
	case OpCreateTable:
		op, err = decodeAs[CreateTable](body)
	case OpDropTable:
		op, err = decodeAs[DropTable](body)
	default:
		return nil, fmt.Errorf("unknown operation \"%s\"", kind)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", kind, err)
	}

	return op, nil
}

func decodeAs[T Operation](body *yaml.Node) (Operation, error) {
	var v T
	if err := body.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// -- whole schema documents -------------

type document struct {
	History []string `yaml:"history,omitempty"`
	Tables  []*Table `yaml:"tables"`
}

// Load reads a schema document. Tables are created first and foreign keys added afterwards, so the
// document is checked by the same rules as the operations and may declare tables in any order.
// Row counts are unknown until refreshed.
func Load(r io.Reader) (*Schema, error) {
	var doc document

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode schema document: %w", err)
	}

	s := New()

	for _, t := range doc.Tables {
		def := t.Clone()
		def.ForeignKeys = nil
		if err := (CreateTable{Definition: *def}).Apply(s); err != nil {
			return nil, fmt.Errorf("invalid schema document: %w", err)
		}
	}

	for _, t := range doc.Tables {
		for _, fk := range t.ForeignKeys {
			if err := (AddForeignKey{Table: t.Name, ForeignKey: fk}).Apply(s); err != nil {
				return nil, fmt.Errorf("invalid schema document: %w", err)
			}
		}
	}

	s.History = doc.History
	s.SetRows(nil)

	return s, nil
}

// Write stores the schema as a document Load can read back.
func (s *Schema) Write(w io.Writer) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	if err := encoder.Encode(document{History: s.History, Tables: s.Tables()}); err != nil {
		return fmt.Errorf("failed to encode schema document: %w", err)
	}

	return encoder.Close()
}
