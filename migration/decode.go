package migration

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/root-talis/migrator/schema"
)

var ErrInvalidStep = errors.New("invalid migration step")

type stepDocument struct {
	Version      string            `yaml:"version,omitempty"`
	Name         string            `yaml:"name,omitempty"`
	Irreversible bool              `yaml:"irreversible,omitempty"`
	Up           schema.Operations `yaml:"up"`
	Down         schema.Operations `yaml:"down,omitempty"`
	Deviations   []Deviation       `yaml:"deviations,omitempty"`
}

// DecodeStep reads the document of migration mig. The document may repeat the version and name, in which
// case they must match mig. A missing down section means down is derived from up.
func DecodeStep(r io.Reader, mig Migration) (*Step, error) {
	var doc stepDocument

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidStep, mig, err)
	}

	switch {
	case doc.Version != "" && Version(doc.Version) != mig.Version:
		return nil, fmt.Errorf("%w: %s: document declares version %s", ErrInvalidStep, mig, doc.Version)
	case doc.Name != "" && doc.Name != mig.Name:
		return nil, fmt.Errorf("%w: %s: document declares name %s", ErrInvalidStep, mig, doc.Name)
	case len(doc.Up) == 0:
		return nil, fmt.Errorf("%w: %s has no up operations", ErrInvalidStep, mig)
	case doc.Irreversible && doc.Down != nil:
		return nil, fmt.Errorf("%w: %s is irreversible but declares down operations", ErrInvalidStep, mig)
	}

	return &Step{
		Migration:    mig,
		Up:           doc.Up,
		Down:         doc.Down,
		Irreversible: doc.Irreversible,
		Deviations:   doc.Deviations,
	}, nil
}

// EncodeStep writes a step document that DecodeStep reads back.
func EncodeStep(w io.Writer, st *Step) error {
	doc := stepDocument{
		Version:      string(st.Version),
		Name:         st.Name,
		Irreversible: st.Irreversible,
		Up:           st.Up,
		Down:         st.Down,
		Deviations:   st.Deviations,
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode migration %s: %w", st.Migration, err)
	}

	return encoder.Close()
}
